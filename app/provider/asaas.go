package provider

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/types"
)

const asaasBaseURL = "https://api.asaas.com/v3"

type AsaasConfig struct {
	APIKey       string
	WebhookToken string
	HTTPTimeout  time.Duration
}

// AsaasProvider authenticates with the access_token header. Webhooks carry
// the full payment object and are authenticated by the asaas-access-token
// header matching the configured webhook token.
type AsaasProvider struct {
	cfg    AsaasConfig
	client *http.Client
}

func NewAsaasProvider(cfg AsaasConfig) *AsaasProvider {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &AsaasProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *AsaasProvider) Code() int32 {
	return int32(types.ProviderTypeAsaas)
}

func (p *AsaasProvider) Name() string {
	return "Asaas"
}

func (p *AsaasProvider) CreateCharge(ctx context.Context, input *CreateInput) (*ChargeHandle, error) {
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: asaas api key is not configured", ErrAuthFailed)
	}
	if input.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	dueDate := time.Now().UTC().Add(input.ExpiresIn)
	body := map[string]interface{}{
		"billingType":       "PIX",
		"value":             centsToDecimal(input.AmountCents),
		"dueDate":           dueDate.Format("2006-01-02"),
		"externalReference": input.SubjectID,
		"description":       input.Description,
		"cpfCnpj":           input.PayerDocument,
	}
	createRaw, err := p.doJSON(ctx, http.MethodPost, "/payments", body, input.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(createRaw, &created); err != nil {
		return nil, err
	}
	if strings.TrimSpace(created.ID) == "" {
		return nil, fmt.Errorf("%w: payment id missing in response", ErrProviderUnavailable)
	}

	qrRaw, err := p.doJSON(ctx, http.MethodGet, "/payments/"+url.PathEscape(created.ID)+"/pixQrCode", nil, "")
	if err != nil {
		return nil, err
	}

	var qr struct {
		EncodedImage   string `json:"encodedImage"`
		Payload        string `json:"payload"`
		ExpirationDate string `json:"expirationDate"`
	}
	if err := json.Unmarshal(qrRaw, &qr); err != nil {
		return nil, err
	}

	handle := &ChargeHandle{
		ProviderRef:   created.ID,
		PixCopyPaste:  qr.Payload,
		QRImageBase64: qr.EncodedImage,
		RawPayload:    string(createRaw),
	}
	if parsed, err := time.Parse("2006-01-02 15:04:05", qr.ExpirationDate); err == nil {
		utc := parsed.UTC()
		handle.ExpiresAt = &utc
	}

	return handle, nil
}

func (p *AsaasProvider) QueryStatus(ctx context.Context, providerRef string) (int32, error) {
	if strings.TrimSpace(providerRef) == "" {
		return 0, ErrNotFound
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := p.doJSON(ctx, http.MethodGet, "/payments/"+url.PathEscape(providerRef), nil, "")
		if err == nil {
			var payload struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				return 0, err
			}
			return mapAsaasStatus(payload.Status), nil
		}
		lastErr = err
		if !errors.Is(err, ErrProviderUnavailable) {
			return 0, err
		}
	}
	return 0, lastErr
}

func (p *AsaasProvider) ParseWebhook(payload []byte, headers http.Header) (*WebhookEvent, error) {
	token := strings.TrimSpace(headers.Get("asaas-access-token"))
	expected := strings.TrimSpace(p.cfg.WebhookToken)
	if expected != "" {
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			return nil, fmt.Errorf("%w: invalid asaas-access-token", ErrUnrecognizedPayload)
		}
	}

	var body struct {
		ID      string `json:"id"`
		Event   string `json:"event"`
		Payment struct {
			ID                string `json:"id"`
			Status            string `json:"status"`
			ExternalReference string `json:"externalReference"`
		} `json:"payment"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, ErrUnrecognizedPayload
	}
	if strings.TrimSpace(body.Payment.ID) == "" {
		return nil, ErrUnrecognizedPayload
	}

	return &WebhookEvent{
		ProviderRef:     strings.TrimSpace(body.Payment.ID),
		SubjectHint:     strings.TrimSpace(body.Payment.ExternalReference),
		ReportedStatus:  mapAsaasStatus(body.Payment.Status),
		RawStatus:       body.Payment.Status,
		EventType:       strings.TrimSpace(body.Event),
		ProviderEventID: strings.TrimSpace(body.ID),
	}, nil
}

func (p *AsaasProvider) doJSON(ctx context.Context, method, path string, body interface{}, idempotencyKey string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, asaasBaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("access_token", p.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuthFailed
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusBadRequest && bytes.Contains(raw, []byte("value")):
		return nil, ErrInvalidAmount
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status=%d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("asaas request failed: path=%s status=%d body=%s", path, resp.StatusCode, string(raw))
	}

	return raw, nil
}

func mapAsaasStatus(status string) int32 {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "RECEIVED", "CONFIRMED", "RECEIVED_IN_CASH":
		return int32(types.ChargeStatusPaid)
	case "OVERDUE":
		return int32(types.ChargeStatusExpired)
	case "REFUNDED", "REFUND_REQUESTED", "CHARGEBACK_REQUESTED":
		return int32(types.ChargeStatusCancelled)
	case "PAYMENT_DELETED":
		return int32(types.ChargeStatusCancelled)
	default:
		// PENDING, AWAITING_RISK_ANALYSIS and anything unknown.
		return 0
	}
}
