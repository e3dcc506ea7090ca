package entity

import "time"

type ChargeEvent struct {
	ID uint64

	ChargeID       *uint64
	OrganizationID *string

	EventType string

	OldStatus *int32
	NewStatus int32

	Source *string
	Actor  *string

	ProviderEventID *string
	PayloadJSON     *string

	CreatedAt time.Time
}
