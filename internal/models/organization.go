package models

import "time"

type Organization struct {
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	ServiceType    string    `json:"service_type"`
	JoinCode       string    `json:"join_code"`
	OwnerID        string    `json:"owner_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type Station struct {
	StationID      string `json:"station_id"`
	OrganizationID string `json:"organization_id"`
	Number         int    `json:"number"`
	Active         bool   `json:"active"`
}
