package types

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type Charge struct {
	ID             uint64 `json:"id"`
	RequestID      string `json:"request_id"`
	SubjectType    string `json:"subject_type"`
	SubjectID      string `json:"subject_id"`
	OrganizationID string `json:"organization_id"`
	PlanKey        string `json:"plan_key,omitempty"`
	Provider       string `json:"provider"`
	ProviderRef    string `json:"provider_ref,omitempty"`
	AmountCents    int64  `json:"amount_cents"`
	Status         string `json:"status"`
	PixCopyPaste   string `json:"pix_copy_paste,omitempty"`
	QRImage        string `json:"qr_image,omitempty"`
	PaidSource     string `json:"paid_source,omitempty"`
	PaidActor      string `json:"paid_actor,omitempty"`
	ExpiresAt      string `json:"expires_at,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type ChargeEnvelopeResponse struct {
	Charge *Charge `json:"charge"`
}

type ChargeStatusResponse struct {
	ID     uint64 `json:"id"`
	Status string `json:"status"`
}

type Subscription struct {
	OrganizationID          string `json:"organization_id"`
	Status                  string `json:"status"`
	PlanKey                 string `json:"plan_key,omitempty"`
	RenewsUntil             string `json:"renews_until,omitempty"`
	ProviderSubscriptionRef string `json:"provider_subscription_ref,omitempty"`
}

type SubscriptionEnvelopeResponse struct {
	Subscription *Subscription `json:"subscription"`
}
