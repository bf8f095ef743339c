package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

const clientBuffer = 16

type Client struct {
	ID     string
	Send   chan []byte
	topics map[string]struct{}
}

// Hub fans events out to connected browser sessions by topic. A client whose
// buffer is full misses the event rather than stalling the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

type SubscribeMessage struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.topics == nil {
		client.topics = make(map[string]struct{})
	}
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.topics[topic] = struct{}{}
}

func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if topic == "" {
		client.topics = make(map[string]struct{})
		return
	}
	delete(client.topics, topic)
}

func (h *Hub) Publish(_ context.Context, topic string, event Event) error {
	payload, err := encode(topic, event)
	if err != nil {
		return err
	}
	h.Broadcast(topic, payload)
	return nil
}

func (h *Hub) Broadcast(topic string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if _, ok := client.topics[topic]; !ok {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("drop message", zap.String("client", client.ID), zap.String("topic", topic))
		}
	}
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	if msg.Action == "subscribe" && msg.Topic == "" {
		return SubscribeMessage{}, false
	}
	return msg, true
}

// Handler serves the hub to browsers over SockJS under prefix. Clients send
// subscribe and unsubscribe messages naming a topic.
func (h *Hub) Handler(prefix string) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &Client{ID: uuid.NewString(), Send: make(chan []byte, clientBuffer)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.Unsubscribe(client, parsed.Topic)
				continue
			}
			h.Subscribe(client, parsed.Topic)
		}
	})
}
