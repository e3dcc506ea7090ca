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
	"strings"
	"sync"
	"time"

	"github.com/vibast-solutions/ms-go-billing/app/types"
)

const efiBaseURL = "https://pix.api.efipay.com.br"

type EfiConfig struct {
	ClientID      string
	ClientSecret  string
	PixKey        string
	WebhookSecret string
	HTTPTimeout   time.Duration
}

// EfiProvider talks the Banco Central Pix API (cob endpoints). Auth is
// OAuth client-credentials; the token is cached until shortly before
// expiry. Webhooks deliver a pix array; an entry means the charge settled.
type EfiProvider struct {
	cfg    EfiConfig
	client *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewEfiProvider(cfg EfiConfig) *EfiProvider {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &EfiProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *EfiProvider) Code() int32 {
	return int32(types.ProviderTypeEfi)
}

func (p *EfiProvider) Name() string {
	return "Efí"
}

func (p *EfiProvider) CreateCharge(ctx context.Context, input *CreateInput) (*ChargeHandle, error) {
	if strings.TrimSpace(p.cfg.PixKey) == "" {
		return nil, fmt.Errorf("%w: efi pix key is not configured", ErrAuthFailed)
	}
	if input.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}

	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	// The cob txid doubles as the idempotency key: retrying the same PUT
	// cannot create a second charge.
	txid := efiTxID(input.IdempotencyKey)

	expiresIn := input.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 10 * time.Minute
	}

	body := map[string]interface{}{
		"calendario": map[string]int64{"expiracao": int64(expiresIn.Seconds())},
		"devedor":    map[string]string{efiDocumentField(input.PayerDocument): input.PayerDocument},
		"valor":      map[string]string{"original": centsToAmountString(input.AmountCents)},
		"chave":      p.cfg.PixKey,
	}
	if input.Description != "" {
		body["solicitacaoPagador"] = input.Description
	}

	raw, err := p.doJSON(ctx, token, http.MethodPut, "/v2/cob/"+txid, body)
	if err != nil {
		return nil, err
	}

	var created struct {
		TxID          string `json:"txid"`
		Status        string `json:"status"`
		PixCopiaECola string `json:"pixCopiaECola"`
		Calendario    struct {
			Criacao   string `json:"criacao"`
			Expiracao int64  `json:"expiracao"`
		} `json:"calendario"`
		Loc struct {
			ID int64 `json:"id"`
		} `json:"loc"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, err
	}
	if strings.TrimSpace(created.TxID) == "" {
		return nil, fmt.Errorf("%w: txid missing in response", ErrProviderUnavailable)
	}

	handle := &ChargeHandle{
		ProviderRef:  created.TxID,
		PixCopyPaste: created.PixCopiaECola,
		RawPayload:   string(raw),
	}

	if created.Loc.ID > 0 {
		qrRaw, err := p.doJSON(ctx, token, http.MethodGet, fmt.Sprintf("/v2/loc/%d/qrcode", created.Loc.ID), nil)
		if err == nil {
			var qr struct {
				QRCode       string `json:"qrcode"`
				ImagemQRCode string `json:"imagemQrcode"`
			}
			if json.Unmarshal(qrRaw, &qr) == nil {
				if handle.PixCopyPaste == "" {
					handle.PixCopyPaste = qr.QRCode
				}
				handle.QRImageBase64 = strings.TrimPrefix(qr.ImagemQRCode, "data:image/png;base64,")
			}
		}
	}

	if created.Calendario.Expiracao > 0 {
		if criacao, err := time.Parse(time.RFC3339, created.Calendario.Criacao); err == nil {
			expiresAt := criacao.UTC().Add(time.Duration(created.Calendario.Expiracao) * time.Second)
			handle.ExpiresAt = &expiresAt
		}
	}

	return handle, nil
}

func (p *EfiProvider) QueryStatus(ctx context.Context, providerRef string) (int32, error) {
	if strings.TrimSpace(providerRef) == "" {
		return 0, ErrNotFound
	}

	token, err := p.token(ctx)
	if err != nil {
		return 0, err
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := p.doJSON(ctx, token, http.MethodGet, "/v2/cob/"+url.PathEscape(providerRef), nil)
		if err == nil {
			var payload struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				return 0, err
			}
			return mapEfiStatus(payload.Status), nil
		}
		lastErr = err
		if !errors.Is(err, ErrProviderUnavailable) {
			return 0, err
		}
	}
	return 0, lastErr
}

func (p *EfiProvider) ParseWebhook(payload []byte, headers http.Header) (*WebhookEvent, error) {
	if secret := strings.TrimSpace(p.cfg.WebhookSecret); secret != "" {
		if !verifyEfiSignature(payload, headers.Get("x-webhook-signature"), secret) {
			return nil, fmt.Errorf("%w: invalid webhook signature", ErrUnrecognizedPayload)
		}
	}

	var body struct {
		Pix []struct {
			TxID       string `json:"txid"`
			EndToEndID string `json:"endToEndId"`
			Valor      string `json:"valor"`
			Horario    string `json:"horario"`
		} `json:"pix"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, ErrUnrecognizedPayload
	}
	if len(body.Pix) == 0 || strings.TrimSpace(body.Pix[0].TxID) == "" {
		return nil, ErrUnrecognizedPayload
	}

	// A pix entry is only emitted once the charge settled.
	first := body.Pix[0]
	return &WebhookEvent{
		ProviderRef:     strings.TrimSpace(first.TxID),
		ReportedStatus:  int32(types.ChargeStatusPaid),
		RawStatus:       "CONCLUIDA",
		EventType:       "pix.received",
		ProviderEventID: strings.TrimSpace(first.EndToEndID),
	}, nil
}

func (p *EfiProvider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	if strings.TrimSpace(p.cfg.ClientID) == "" || strings.TrimSpace(p.cfg.ClientSecret) == "" {
		return "", fmt.Errorf("%w: efi client credentials are not configured", ErrAuthFailed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, efiBaseURL+"/oauth/token", strings.NewReader(`{"grant_type":"client_credentials"}`))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.cfg.ClientID, p.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrAuthFailed
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: token request status=%d", ErrProviderUnavailable, resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		return "", ErrAuthFailed
	}

	p.accessToken = payload.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(payload.ExpiresIn)*time.Second - 30*time.Second)

	return p.accessToken, nil
}

func (p *EfiProvider) doJSON(ctx context.Context, token, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, efiBaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
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
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status=%d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("efi request failed: path=%s status=%d body=%s", path, resp.StatusCode, string(raw))
	}

	return raw, nil
}

func mapEfiStatus(status string) int32 {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "CONCLUIDA":
		return int32(types.ChargeStatusPaid)
	case "REMOVIDA_PELO_USUARIO_RECEBEDOR", "REMOVIDA_PELO_PSP":
		return int32(types.ChargeStatusCancelled)
	default:
		// ATIVA and anything unknown.
		return 0
	}
}

func verifyEfiSignature(payload []byte, signatureHeader, secret string) bool {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	expected := mac.Sum(nil)

	candidate, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return false
	}
	return hmac.Equal(candidate, expected)
}

// efiTxID derives a cob txid (26-35 alphanumeric chars) from the charge's
// UUID idempotency key.
func efiTxID(idempotencyKey string) string {
	txid := strings.ReplaceAll(idempotencyKey, "-", "")
	if len(txid) > 35 {
		txid = txid[:35]
	}
	return txid
}

func efiDocumentField(document string) string {
	if len(strings.TrimSpace(document)) > 11 {
		return "cnpj"
	}
	return "cpf"
}

func centsToAmountString(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
