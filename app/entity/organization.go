package entity

import "time"

// Organization carries the subscription fields this service owns on the
// shared organization record. Profile fields (name, address, menus) belong
// to other services and are read-only here.
type Organization struct {
	ID   string
	Name string

	SubscriptionStatus      string
	PlanKey                 *string
	RenewsUntil             *time.Time
	ProviderSubscriptionRef *string

	ReferredByID *string

	// How order payments are confirmed: "automatic" (webhook/poll) or
	// "manual" (staff asserts funds receipt).
	ConfirmationMode string

	CreatedAt time.Time
	UpdatedAt time.Time
}
