package notify

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes every event to one kafka topic keyed by the event
// topic, so a ticket's events stay on one partition in order.
type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(writer messageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	var addrs []string
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			addrs = append(addrs, broker)
		}
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, event Event) error {
	payload, err := encode(topic, event)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: payload,
		Time:  event.CreatedAt,
	})
	return errors.Wrapf(err, "kafka write %s", topic)
}
