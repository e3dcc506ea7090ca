package entity

import "time"

// Order is the slice of the order collaborator's record this service reads
// and marks. Content (items, table, notes) is owned elsewhere.
type Order struct {
	ID             string
	OrganizationID string
	TotalCents     int64

	ReleasedAt       *time.Time
	ReleasedChargeID *uint64

	CreatedAt time.Time
	UpdatedAt time.Time
}
