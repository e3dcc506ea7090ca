package entity

import "time"

const (
	ReleaseDeliveryNone    int32 = 0
	ReleaseDeliveryPending int32 = 1
	ReleaseDeliverySuccess int32 = 10
	ReleaseDeliveryFailed  int32 = 20
)

// Charge is one payment attempt against a PSP, tied to an order or to an
// organization's subscription. Status only ever changes through the
// conditional updates in ChargeRepository.
type Charge struct {
	ID uint64

	RequestID string

	SubjectType    string
	SubjectID      string
	OrganizationID string
	PlanKey        *string

	Provider       int32
	ProviderRef    *string
	IdempotencyKey string

	AmountCents   int64
	PayerDocument string
	Description   string

	Status int32

	PixCopyPaste  *string
	QRImageBase64 *string

	// Last raw provider response, kept for audit only.
	RawPayload *string

	PaidSource *string
	PaidActor  *string

	ExpiresAt *time.Time

	ReleaseStatus   int32
	ReleaseAttempts int32
	ReleaseNextAt   *time.Time
	ReleaseLastErr  *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
