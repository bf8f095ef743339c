package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/Swaathy05/new-queue-hack/internal/models"
	"github.com/Swaathy05/new-queue-hack/internal/notify"
	"github.com/Swaathy05/new-queue-hack/internal/store"
)

type outbound struct {
	topic string
	event notify.Event
}

// transition carries one station's critical section: the open store
// transaction, the instant the change happens and the events to publish
// once it commits.
type transition struct {
	ctx     context.Context
	tx      store.Tx
	org     models.Organization
	station models.Station
	now     time.Time
	events  []outbound
}

func (t *transition) reset(tx store.Tx, now time.Time) {
	t.tx = tx
	t.now = now
	t.events = nil
}

func (t *transition) ledger() (*Ledger, error) {
	waiting, err := t.tx.Waiting(t.ctx, t.station.StationID)
	if err != nil {
		return nil, storageError(err, "waiting entries of station %s", t.station.StationID)
	}
	return NewLedger(waiting), nil
}

// finish moves an entry into a terminal status and archives it.
func (t *transition) finish(entry models.Entry, status string) (models.Entry, error) {
	completedAt := t.now
	entry.Status = status
	entry.Position = 0
	entry.ServingStartedAt = nil
	entry.CompletedAt = &completedAt
	if err := t.tx.UpdateEntry(t.ctx, entry); err != nil {
		return models.Entry{}, storageError(err, "update entry %s", entry.EntryID)
	}
	if err := record(t.ctx, t.tx, t.station, entry, completedAt); err != nil {
		return models.Entry{}, storageError(err, "record history for entry %s", entry.EntryID)
	}
	eventType := notify.EventServed
	if status == models.StatusRemoved {
		eventType = notify.EventRemoved
	}
	t.emitEntry(eventType, entry)
	return entry, nil
}

// settle writes back every waiting entry whose position moved and, when the
// serving slot is free, promotes the head of the line. This is the call event.
func (t *transition) settle(ledger *Ledger, slotFree bool) (models.Entry, bool, error) {
	var (
		promoted models.Entry
		called   bool
	)
	if slotFree {
		if head, ok := ledger.Head(); ok {
			if !ValidTransition(actionCall, head.Status) {
				return models.Entry{}, false, fmt.Errorf("%w: cannot call entry %s: status is %s", ErrInvalidTransition, head.EntryID, head.Status)
			}
			promoted, called = ledger.PopHead()
		}
	}
	for _, entry := range ledger.Changed() {
		if err := t.tx.UpdateEntry(t.ctx, entry); err != nil {
			return models.Entry{}, false, storageError(err, "renumber entry %s", entry.EntryID)
		}
	}
	if !called {
		return models.Entry{}, false, nil
	}
	startedAt := t.now
	promoted.Status = models.StatusServing
	promoted.Position = 0
	promoted.ServingStartedAt = &startedAt
	if err := t.tx.UpdateEntry(t.ctx, promoted); err != nil {
		return models.Entry{}, false, storageError(err, "promote entry %s", promoted.EntryID)
	}
	t.emitEntry(notify.EventTurn, promoted)
	return promoted, true, nil
}

// deferEntry applies one deferral to the serving entry. The final allowed
// deferral evicts it; otherwise the policy puts it back in line.
func (t *transition) deferEntry(entry models.Entry, policy DeferralPolicy) (models.Entry, error) {
	ledger, err := t.ledger()
	if err != nil {
		return models.Entry{}, err
	}
	entry.Deferrals++
	if entry.Deferrals >= models.MaxDeferrals {
		entry.Deferrals = models.MaxDeferrals
		if entry, err = t.finish(entry, models.StatusRemoved); err != nil {
			return models.Entry{}, err
		}
		if _, _, err := t.settle(ledger, true); err != nil {
			return models.Entry{}, err
		}
		return entry, nil
	}

	entry.Status = models.StatusWaiting
	entry.ServingStartedAt = nil
	policy.Reinsert(ledger, entry)
	promoted, called, err := t.settle(ledger, true)
	if err != nil {
		return models.Entry{}, err
	}
	if called && promoted.EntryID == entry.EntryID {
		return promoted, nil
	}
	for _, waiting := range ledger.Entries() {
		if waiting.EntryID == entry.EntryID {
			entry = waiting
			break
		}
	}
	t.emitEntry(notify.EventDeferred, entry)
	return entry, nil
}

func (t *transition) emit(topic string, event notify.Event) {
	t.events = append(t.events, outbound{topic: topic, event: event})
}

// emitEntry announces an entry change on the ticket's own topic and on the
// organization topic the operator dashboards follow.
func (t *transition) emitEntry(eventType string, entry models.Entry) {
	event := notify.Event{
		Type:           eventType,
		OrganizationID: entry.OrganizationID,
		StationID:      entry.StationID,
		StationNumber:  t.station.Number,
		EntryID:        entry.EntryID,
		Code:           entry.Code,
		Status:         entry.Status,
		Position:       entry.Position,
		Deferrals:      entry.Deferrals,
		CreatedAt:      t.now,
	}
	t.emit(notify.TicketTopic(entry.Code), event)
	t.emit(notify.OrganizationTopic(t.org.JoinCode), event)
}
