package provider

import (
	"context"
	"net/http"
	"time"
)

type CreateInput struct {
	// IdempotencyKey is the charge's UUID; adapters must pass it to the
	// provider so a retried create cannot produce a second real-world charge.
	IdempotencyKey string

	SubjectType    string
	SubjectID      string
	OrganizationID string

	AmountCents   int64
	PayerDocument string
	Description   string

	ExpiresIn time.Duration
}

// ChargeHandle is what a provider returns for a freshly created PIX charge.
// RawPayload is stored verbatim for audit and never parsed again.
type ChargeHandle struct {
	ProviderRef   string
	PixCopyPaste  string
	QRImageBase64 string
	ExpiresAt     *time.Time
	RawPayload    string
}

// WebhookEvent is the normalized form of a provider notification.
// ReportedStatus uses the local charge status vocabulary; 0 means the
// notification carried no mappable terminal status and must be dropped.
type WebhookEvent struct {
	ProviderRef     string
	SubjectHint     string
	ReportedStatus  int32
	RawStatus       string
	EventType       string
	ProviderEventID string
}

type Provider interface {
	Code() int32
	Name() string
	CreateCharge(ctx context.Context, input *CreateInput) (*ChargeHandle, error)
	// QueryStatus is a side-effect-free point-in-time read, returned in the
	// local vocabulary (0 = no mappable status).
	QueryStatus(ctx context.Context, providerRef string) (int32, error)
	// ParseWebhook is pure parsing plus signature verification; it never
	// calls the network.
	ParseWebhook(payload []byte, headers http.Header) (*WebhookEvent, error)
}

// SubscriptionCanceller is implemented by providers that hold a recurring
// preapproval on their side. One-shot PIX providers do not implement it.
type SubscriptionCanceller interface {
	CancelSubscription(ctx context.Context, providerRef string) error
}
