package types

import (
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

type CreateChargeRequest struct {
	RequestID      string `json:"request_id"`
	SubjectType    string `json:"subject_type"`
	SubjectID      string `json:"subject_id"`
	OrganizationID string `json:"organization_id"`
	PlanKey        string `json:"plan_key"`
	AmountCents    int64  `json:"amount_cents"`
	PayerDocument  string `json:"payer_document"`
	Description    string `json:"description"`
	Provider       string `json:"provider"`
}

func NewCreateChargeRequestFromContext(ctx echo.Context) (*CreateChargeRequest, error) {
	var body CreateChargeRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.RequestID = strings.TrimSpace(body.RequestID)
	if body.RequestID == "" {
		body.RequestID = strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
	}
	body.SubjectType = strings.ToLower(strings.TrimSpace(body.SubjectType))
	body.SubjectID = strings.TrimSpace(body.SubjectID)
	body.OrganizationID = strings.TrimSpace(body.OrganizationID)
	body.PlanKey = strings.TrimSpace(body.PlanKey)
	body.PayerDocument = strings.TrimSpace(body.PayerDocument)
	body.Description = strings.TrimSpace(body.Description)
	body.Provider = strings.ToLower(strings.TrimSpace(body.Provider))

	return &body, nil
}

func (r *CreateChargeRequest) Validate() error {
	if r.RequestID == "" {
		return errors.New("request_id is required")
	}
	if r.SubjectType != SubjectTypeOrder && r.SubjectType != SubjectTypeSubscription {
		return errors.New("subject_type must be order or subscription")
	}
	if r.SubjectID == "" {
		return errors.New("subject_id is required")
	}
	if r.OrganizationID == "" {
		return errors.New("organization_id is required")
	}
	if r.AmountCents <= 0 {
		return errors.New("amount_cents must be > 0")
	}
	if r.PayerDocument == "" {
		return errors.New("payer_document is required")
	}
	if r.SubjectType == SubjectTypeSubscription && r.PlanKey == "" {
		return errors.New("plan_key is required for subscription charges")
	}
	return nil
}

type GetChargeRequest struct {
	ID uint64
}

func NewGetChargeRequestFromContext(ctx echo.Context) (*GetChargeRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}
	return &GetChargeRequest{ID: id}, nil
}

func (r *GetChargeRequest) Validate() error {
	if r.ID == 0 {
		return errors.New("invalid charge id")
	}
	return nil
}

type ManualConfirmRequest struct {
	ID    uint64 `json:"-"`
	Actor string `json:"actor"`
}

func NewManualConfirmRequestFromContext(ctx echo.Context) (*ManualConfirmRequest, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 64)
	if err != nil {
		return nil, err
	}

	var body ManualConfirmRequest
	if err = ctx.Bind(&body); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	body.ID = id
	body.Actor = strings.TrimSpace(body.Actor)

	return &body, nil
}

func (r *ManualConfirmRequest) Validate() error {
	if r.ID == 0 {
		return errors.New("invalid charge id")
	}
	if r.Actor == "" {
		return errors.New("actor is required")
	}
	return nil
}

type ProviderWebhookRequest struct {
	Provider string
	Payload  []byte
	Headers  map[string][]string
}

func NewProviderWebhookRequestFromContext(ctx echo.Context) (*ProviderWebhookRequest, error) {
	rawBody, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return nil, err
	}

	return &ProviderWebhookRequest{
		Provider: strings.ToLower(strings.TrimSpace(ctx.Param("provider"))),
		Payload:  rawBody,
		Headers:  ctx.Request().Header,
	}, nil
}

func (r *ProviderWebhookRequest) Validate() error {
	if r.Provider == "" {
		return errors.New("provider is required")
	}
	if len(r.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

type SubscriptionCheckoutRequest struct {
	OrganizationID string `json:"-"`
	RequestID      string `json:"request_id"`
	PlanKey        string `json:"plan_key"`
	AmountCents    int64  `json:"amount_cents"`
	PayerDocument  string `json:"payer_document"`
	Provider       string `json:"provider"`
}

func NewSubscriptionCheckoutRequestFromContext(ctx echo.Context) (*SubscriptionCheckoutRequest, error) {
	var body SubscriptionCheckoutRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.OrganizationID = strings.TrimSpace(ctx.Param("id"))
	body.RequestID = strings.TrimSpace(body.RequestID)
	if body.RequestID == "" {
		body.RequestID = strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
	}
	body.PlanKey = strings.TrimSpace(body.PlanKey)
	body.PayerDocument = strings.TrimSpace(body.PayerDocument)
	body.Provider = strings.ToLower(strings.TrimSpace(body.Provider))

	return &body, nil
}

func (r *SubscriptionCheckoutRequest) Validate() error {
	if r.OrganizationID == "" {
		return errors.New("organization id is required")
	}
	if r.RequestID == "" {
		return errors.New("request_id is required")
	}
	if r.PlanKey == "" {
		return errors.New("plan_key is required")
	}
	if r.AmountCents <= 0 {
		return errors.New("amount_cents must be > 0")
	}
	if r.PayerDocument == "" {
		return errors.New("payer_document is required")
	}
	return nil
}

type SubscriptionOverrideRequest struct {
	OrganizationID string `json:"-"`
	Status         string `json:"status"`
	PlanKey        string `json:"plan_key"`
	RenewsUntil    string `json:"renews_until"`
	ExpectedStatus string `json:"expected_status"`
	Actor          string `json:"actor"`
}

func NewSubscriptionOverrideRequestFromContext(ctx echo.Context) (*SubscriptionOverrideRequest, error) {
	var body SubscriptionOverrideRequest
	if err := ctx.Bind(&body); err != nil {
		return nil, err
	}

	body.OrganizationID = strings.TrimSpace(ctx.Param("id"))
	body.Status = strings.ToLower(strings.TrimSpace(body.Status))
	body.PlanKey = strings.TrimSpace(body.PlanKey)
	body.RenewsUntil = strings.TrimSpace(body.RenewsUntil)
	body.ExpectedStatus = strings.ToLower(strings.TrimSpace(body.ExpectedStatus))
	body.Actor = strings.TrimSpace(body.Actor)

	return &body, nil
}

func (r *SubscriptionOverrideRequest) Validate() error {
	if r.OrganizationID == "" {
		return errors.New("organization id is required")
	}
	if !isValidSubscriptionStatus(r.Status) {
		return errors.New("status must be trial, active, past_due, or cancelled")
	}
	if !isValidSubscriptionStatus(r.ExpectedStatus) {
		return errors.New("expected_status must be trial, active, past_due, or cancelled")
	}
	if r.Actor == "" {
		return errors.New("actor is required")
	}
	return nil
}

func isValidSubscriptionStatus(status string) bool {
	switch status {
	case SubscriptionStatusTrial, SubscriptionStatusActive, SubscriptionStatusPastDue, SubscriptionStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseProviderSlug maps a provider path segment or request field to its
// code. Unknown slugs return 0.
func ParseProviderSlug(raw string) ProviderType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "mercadopago", "mercado_pago", "1":
		return ProviderTypeMercadoPago
	case "asaas", "2":
		return ProviderTypeAsaas
	case "efi", "gerencianet", "3":
		return ProviderTypeEfi
	default:
		return ProviderTypeUnspecified
	}
}
