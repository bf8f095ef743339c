package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Swaathy05/new-queue-hack/internal/models"
	"github.com/Swaathy05/new-queue-hack/internal/store"
)

// record archives an entry that just reached a terminal status. It runs in
// the same transaction as the transition so an entry gets exactly one record.
func record(ctx context.Context, tx store.Tx, station models.Station, entry models.Entry, completedAt time.Time) error {
	wait := int64(completedAt.Sub(entry.ArrivedAt) / time.Second)
	if wait < 0 {
		wait = 0
	}
	return tx.AppendHistory(ctx, models.HistoryRecord{
		RecordID:       uuid.NewString(),
		OrganizationID: entry.OrganizationID,
		StationID:      station.StationID,
		StationNumber:  station.Number,
		EntryID:        entry.EntryID,
		TicketCode:     entry.Code,
		ArrivedAt:      entry.ArrivedAt,
		CompletedAt:    completedAt,
		WaitSeconds:    &wait,
		Status:         entry.Status,
		Deferrals:      entry.Deferrals,
	})
}
