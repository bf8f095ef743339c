package notify

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher sends each event to the redis channel named by its topic.
type RedisPublisher struct {
	client redisPublisher
	prefix string
}

func NewRedisPublisher(client redisPublisher, channelPrefix string) *RedisPublisher {
	return &RedisPublisher{client: client, prefix: channelPrefix}
}

func NewRedisClient(addr string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, DB: db})
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, event Event) error {
	payload, err := encode(topic, event)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	if err := p.client.Publish(ctx, p.prefix+topic, payload).Err(); err != nil {
		return errors.Wrapf(err, "redis publish %s", topic)
	}
	return nil
}
