package models

import "time"

// HistoryRecord is written once, when an entry reaches served or removed.
type HistoryRecord struct {
	RecordID       string    `json:"record_id"`
	OrganizationID string    `json:"organization_id"`
	StationID      string    `json:"station_id"`
	StationNumber  int       `json:"station_number"`
	EntryID        string    `json:"entry_id"`
	TicketCode     string    `json:"ticket_code"`
	ArrivedAt      time.Time `json:"arrived_at"`
	CompletedAt    time.Time `json:"completed_at"`
	WaitSeconds    *int64    `json:"wait_seconds,omitempty"`
	Status         string    `json:"status"`
	Deferrals      int       `json:"deferrals"`
}
