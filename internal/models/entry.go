package models

import "time"

type Entry struct {
	EntryID          string     `json:"entry_id"`
	StationID        string     `json:"station_id"`
	OrganizationID   string     `json:"organization_id"`
	Code             string     `json:"code"`
	Status           string     `json:"status"`
	Position         int        `json:"position"`
	Deferrals        int        `json:"deferrals"`
	ArrivedAt        time.Time  `json:"arrived_at"`
	ServingStartedAt *time.Time `json:"serving_started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusWaiting = "waiting"
	StatusServing = "serving"
	StatusServed  = "served"
	StatusRemoved = "removed"
)

// MaxDeferrals is the deferral count at which an entry is evicted.
const MaxDeferrals = 2

// Open reports whether the entry still occupies its station's line.
func (e Entry) Open() bool {
	return e.Status == StatusWaiting || e.Status == StatusServing
}

func IsTerminal(status string) bool {
	return status == StatusServed || status == StatusRemoved
}
