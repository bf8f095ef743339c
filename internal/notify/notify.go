package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

const (
	EventTurn          = "ticket.turn"
	EventDeferred      = "ticket.deferred"
	EventRemoved       = "ticket.removed"
	EventServed        = "ticket.served"
	EventStationStatus = "station.status_changed"
)

// Event is what subscribers receive. Fields that do not apply to the event
// type are left empty.
type Event struct {
	Type           string    `json:"type"`
	OrganizationID string    `json:"organization_id"`
	StationID      string    `json:"station_id,omitempty"`
	StationNumber  int       `json:"station_number,omitempty"`
	EntryID        string    `json:"entry_id,omitempty"`
	Code           string    `json:"code,omitempty"`
	Status         string    `json:"status,omitempty"`
	Position       int       `json:"position,omitempty"`
	Deferrals      int       `json:"deferrals,omitempty"`
	Active         *bool     `json:"active,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
}

func OrganizationTopic(joinCode string) string {
	return "org:" + joinCode
}

func TicketTopic(code string) string {
	return "ticket:" + code
}

type envelope struct {
	Topic string `json:"topic"`
	Event Event  `json:"event"`
}

func encode(topic string, event Event) ([]byte, error) {
	return json.Marshal(envelope{Topic: topic, Event: event})
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, string, Event) error { return nil }

// Fanout publishes to every backend and joins their errors. One failing
// backend does not stop delivery to the others.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, topic string, event Event) error {
	var errs []error
	for _, publisher := range f {
		if err := publisher.Publish(ctx, topic, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
