package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/types"
)

const mercadoPagoBaseURL = "https://api.mercadopago.com"

type MercadoPagoConfig struct {
	AccessToken               string
	WebhookSecret             string
	SignatureToleranceSeconds int64
	HTTPTimeout               time.Duration
}

// MercadoPagoProvider creates PIX charges through the payments API using a
// static bearer token. Webhook notifications are signed with an
// x-signature header (ts/v1 parts, HMAC over an id/request-id/ts manifest).
type MercadoPagoProvider struct {
	cfg    MercadoPagoConfig
	client *http.Client
}

func NewMercadoPagoProvider(cfg MercadoPagoConfig) *MercadoPagoProvider {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.SignatureToleranceSeconds <= 0 {
		cfg.SignatureToleranceSeconds = 300
	}

	return &MercadoPagoProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *MercadoPagoProvider) Code() int32 {
	return int32(types.ProviderTypeMercadoPago)
}

func (p *MercadoPagoProvider) Name() string {
	return "Mercado Pago"
}

func (p *MercadoPagoProvider) CreateCharge(ctx context.Context, input *CreateInput) (*ChargeHandle, error) {
	if strings.TrimSpace(p.cfg.AccessToken) == "" {
		return nil, fmt.Errorf("%w: mercado pago access token is not configured", ErrAuthFailed)
	}
	if input.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	expiresAt := time.Now().UTC().Add(input.ExpiresIn)
	body := map[string]interface{}{
		"transaction_amount": centsToDecimal(input.AmountCents),
		"description":        input.Description,
		"payment_method_id":  "pix",
		"external_reference": input.SubjectID,
		"date_of_expiration": expiresAt.Format("2006-01-02T15:04:05.000-07:00"),
		"payer": map[string]interface{}{
			"identification": map[string]string{
				"type":   payerDocumentType(input.PayerDocument),
				"number": input.PayerDocument,
			},
		},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mercadoPagoBaseURL+"/v1/payments", bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Idempotency-Key", input.IdempotencyKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if err := mapMercadoPagoHTTPError(resp.StatusCode, raw); err != nil {
		return nil, err
	}

	var payload struct {
		ID                 json.Number `json:"id"`
		Status             string      `json:"status"`
		DateOfExpiration   string      `json:"date_of_expiration"`
		PointOfInteraction struct {
			TransactionData struct {
				QRCode       string `json:"qr_code"`
				QRCodeBase64 string `json:"qr_code_base64"`
			} `json:"transaction_data"`
		} `json:"point_of_interaction"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if payload.ID.String() == "" {
		return nil, fmt.Errorf("%w: payment id missing in response", ErrProviderUnavailable)
	}

	handle := &ChargeHandle{
		ProviderRef:   payload.ID.String(),
		PixCopyPaste:  payload.PointOfInteraction.TransactionData.QRCode,
		QRImageBase64: payload.PointOfInteraction.TransactionData.QRCodeBase64,
		RawPayload:    string(raw),
	}
	if parsed, err := time.Parse("2006-01-02T15:04:05.000-07:00", payload.DateOfExpiration); err == nil {
		utc := parsed.UTC()
		handle.ExpiresAt = &utc
	}

	return handle, nil
}

func (p *MercadoPagoProvider) QueryStatus(ctx context.Context, providerRef string) (int32, error) {
	if strings.TrimSpace(providerRef) == "" {
		return 0, ErrNotFound
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		status, err := p.queryStatusOnce(ctx, providerRef)
		if err == nil {
			return status, nil
		}
		lastErr = err
		if !errors.Is(err, ErrProviderUnavailable) {
			return 0, err
		}
	}
	return 0, lastErr
}

func (p *MercadoPagoProvider) queryStatusOnce(ctx context.Context, providerRef string) (int32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mercadoPagoBaseURL+"/v1/payments/"+url.PathEscape(providerRef), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.AccessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return 0, ErrNotFound
	}
	if err := mapMercadoPagoHTTPError(resp.StatusCode, raw); err != nil {
		return 0, err
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return 0, err
	}

	return mapMercadoPagoStatus(payload.Status), nil
}

func (p *MercadoPagoProvider) ParseWebhook(payload []byte, headers http.Header) (*WebhookEvent, error) {
	var body struct {
		ID     json.Number `json:"id"`
		Action string      `json:"action"`
		Type   string      `json:"type"`
		Data   struct {
			ID     json.Number `json:"id"`
			Status string      `json:"status"`
		} `json:"data"`
		ExternalReference string `json:"external_reference"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, ErrUnrecognizedPayload
	}
	if body.Data.ID.String() == "" {
		return nil, ErrUnrecognizedPayload
	}

	if strings.TrimSpace(p.cfg.WebhookSecret) != "" {
		if !verifyMercadoPagoSignature(
			body.Data.ID.String(),
			headers.Get("x-request-id"),
			headers.Get("x-signature"),
			p.cfg.WebhookSecret,
			p.cfg.SignatureToleranceSeconds,
		) {
			return nil, fmt.Errorf("%w: invalid x-signature", ErrUnrecognizedPayload)
		}
	}

	return &WebhookEvent{
		ProviderRef:     body.Data.ID.String(),
		SubjectHint:     strings.TrimSpace(body.ExternalReference),
		ReportedStatus:  mapMercadoPagoStatus(body.Data.Status),
		RawStatus:       body.Data.Status,
		EventType:       strings.TrimSpace(body.Action),
		ProviderEventID: body.ID.String(),
	}, nil
}

func mapMercadoPagoStatus(status string) int32 {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "approved":
		return int32(types.ChargeStatusPaid)
	case "rejected":
		return int32(types.ChargeStatusRejected)
	case "cancelled", "refunded", "charged_back":
		return int32(types.ChargeStatusCancelled)
	case "expired":
		return int32(types.ChargeStatusExpired)
	default:
		// pending, in_process, authorized and anything unknown.
		return 0
	}
}

func mapMercadoPagoHTTPError(statusCode int, body []byte) error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrAuthFailed
	case statusCode == http.StatusBadRequest && bytes.Contains(body, []byte("transaction_amount")):
		return ErrInvalidAmount
	case statusCode >= 500:
		return fmt.Errorf("%w: status=%d", ErrProviderUnavailable, statusCode)
	case statusCode >= 400:
		return fmt.Errorf("mercado pago request failed: status=%d body=%s", statusCode, string(body))
	default:
		return nil
	}
}

// verifyMercadoPagoSignature checks the x-signature header against the
// documented manifest "id:<data.id>;request-id:<x-request-id>;ts:<ts>;".
func verifyMercadoPagoSignature(dataID, requestID, signatureHeader, secret string, toleranceSeconds int64) bool {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" {
		return false
	}

	var ts, v1 string
	for _, part := range strings.Split(signatureHeader, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "ts=") {
			ts = strings.TrimPrefix(part, "ts=")
		}
		if strings.HasPrefix(part, "v1=") {
			v1 = strings.TrimPrefix(part, "v1=")
		}
	}
	if ts == "" || v1 == "" {
		return false
	}

	tsUnix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	now := time.Now().Unix()
	if now-tsUnix > toleranceSeconds || tsUnix-now > toleranceSeconds {
		return false
	}

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", strings.ToLower(dataID), requestID, ts)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(manifest))
	expected := mac.Sum(nil)

	candidate, err := hex.DecodeString(v1)
	if err != nil {
		return false
	}
	return hmac.Equal(candidate, expected)
}

func centsToDecimal(cents int64) float64 {
	return float64(cents) / 100
}

func payerDocumentType(document string) string {
	if len(strings.TrimSpace(document)) > 11 {
		return "CNPJ"
	}
	return "CPF"
}
