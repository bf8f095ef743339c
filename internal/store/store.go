package store

import (
	"context"
	"time"

	"github.com/Swaathy05/new-queue-hack/internal/models"
)

// Store is the durable side of the queue. Every read-then-write against a
// station's line goes through Atomic; the remaining methods are plain reads.
type Store interface {
	CreateOrganization(ctx context.Context, org models.Organization, stations []models.Station) error
	GetOrganization(ctx context.Context, organizationID string) (models.Organization, error)
	GetOrganizationByCode(ctx context.Context, joinCode string) (models.Organization, error)
	ListStations(ctx context.Context, organizationID string) ([]models.Station, error)
	GetStation(ctx context.Context, stationID string) (models.Station, error)
	GetEntry(ctx context.Context, entryID string) (models.Entry, error)
	// FindEntryByCode returns the most recent entry issued with the code.
	FindEntryByCode(ctx context.Context, code string) (models.Entry, error)
	ListOverdue(ctx context.Context, servingBefore time.Time, limit int) ([]models.Entry, error)

	CountHistory(ctx context.Context, filter HistoryFilter) (int, error)
	WaitStats(ctx context.Context, filter HistoryFilter) (WaitStats, error)
	RecentWaits(ctx context.Context, stationID string, limit int) ([]int64, error)
	ListHistory(ctx context.Context, filter HistoryFilter) ([]models.HistoryRecord, error)

	// Atomic runs fn with exclusive access to the given stations. Nothing
	// fn wrote is kept when it returns an error.
	Atomic(ctx context.Context, stationIDs []string, fn func(tx Tx) error) error
}

// Tx is only valid inside Atomic and only for the stations it locked.
type Tx interface {
	Station(ctx context.Context, stationID string) (models.Station, error)
	SetStationActive(ctx context.Context, stationID string, active bool) error
	Entry(ctx context.Context, entryID string) (models.Entry, error)
	// Waiting returns the station's waiting entries ordered by position, then arrival.
	Waiting(ctx context.Context, stationID string) ([]models.Entry, error)
	Serving(ctx context.Context, stationID string) (models.Entry, bool, error)
	CodeInUse(ctx context.Context, code string) (bool, error)
	InsertEntry(ctx context.Context, entry models.Entry) error
	UpdateEntry(ctx context.Context, entry models.Entry) error
	AppendHistory(ctx context.Context, record models.HistoryRecord) error
}

type HistoryFilter struct {
	OrganizationID string
	StationID      string
	Status         string
	// DeferredOnly keeps records with at least one deferral.
	DeferredOnly bool
	Limit        int
}

type WaitStats struct {
	Count        int     `json:"count"`
	TotalSeconds int64   `json:"total_seconds"`
	AvgSeconds   float64 `json:"avg_seconds"`
}
