package entity

import "time"

// ReferralGrant records that a referrer was credited for a referred
// organization's first paid activation. The (referrer, referred) uniqueness
// constraint is the idempotency guard; AppliedAt stays nil until the
// renews_until extension has actually been written.
type ReferralGrant struct {
	ID uint64

	ReferrerOrgID string
	ReferredOrgID string

	BonusDays int32

	AppliedAt *time.Time
	CreatedAt time.Time
}
