package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/josepro66/beato-checkout/internal/checkout"
)

// PayPal is the global gateway: an authenticated REST order is created
// up-front and captured after the buyer approves it.
type PayPal struct {
	ClientID  string
	Secret    string
	BaseURL   string
	ReturnURL string
	CancelURL string

	// HTTPClient defaults to a client without its own timeout; callers bound
	// requests with ctx deadlines.
	HTTPClient *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func (p *PayPal) Name() string { return "paypal" }

var paypalStatus = map[string]checkout.Status{
	"COMPLETED":             checkout.StatusApproved,
	"APPROVED":              checkout.StatusPending, // approved but not yet captured
	"CREATED":               checkout.StatusPending,
	"PENDING":               checkout.StatusPending,
	"PAYER_ACTION_REQUIRED": checkout.StatusPending,
	"DECLINED":              checkout.StatusDeclined,
	"DENIED":                checkout.StatusDeclined,
	"VOIDED":                checkout.StatusDeclined,
	"EXPIRED":               checkout.StatusExpired,
}

func (p *PayPal) MapStatus(providerStatus string) (checkout.Status, error) {
	s, ok := paypalStatus[strings.ToUpper(strings.TrimSpace(providerStatus))]
	if !ok {
		return "", &UnmappedStatusError{Provider: p.Name(), Status: providerStatus}
	}
	return s, nil
}

type paypalOrderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Href string `json:"href"`
		Rel  string `json:"rel"`
	} `json:"links"`
}

// CreateRemoteOrder creates a provider-side order with intent CAPTURE. Our
// order id travels as both reference_id and custom_id so webhooks for either
// the order or the capture can be correlated back.
func (p *PayPal) CreateRemoteOrder(ctx context.Context, o checkout.Order) (checkout.ProviderHandle, error) {
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": o.ID,
			"custom_id":    o.ID,
			"description":  fmt.Sprintf("%s controller", o.ProductType),
			"amount": map[string]string{
				"currency_code": o.Currency,
				"value":         formatAmount(o.Amount),
			},
		}},
		"application_context": map[string]string{
			"return_url": p.ReturnURL,
			"cancel_url": p.CancelURL,
		},
	}

	raw, err := p.post(ctx, "/v2/checkout/orders", body)
	if err != nil {
		return checkout.ProviderHandle{}, err
	}
	var resp paypalOrderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return checkout.ProviderHandle{}, fmt.Errorf("decode paypal order: %w", err)
	}

	approve := ""
	for _, l := range resp.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			approve = l.Href
			break
		}
	}
	return checkout.ProviderHandle{
		Provider:        p.Name(),
		ProviderOrderID: resp.ID,
		RedirectURL:     approve,
		Raw:             raw,
	}, nil
}

// Capture settles an approved provider order. Returns the capture status in
// PayPal vocabulary plus the raw body for the transaction audit row.
func (p *PayPal) Capture(ctx context.Context, providerOrderID string) (string, json.RawMessage, error) {
	raw, err := p.post(ctx, "/v2/checkout/orders/"+url.PathEscape(providerOrderID)+"/capture", nil)
	if err != nil {
		return "", nil, err
	}
	var resp paypalOrderResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", raw, fmt.Errorf("decode paypal capture: %w", err)
	}
	return resp.Status, raw, nil
}

// VerifyWebhook checks the transmission signature headers are present. Full
// cryptographic verification against PayPal's cert is a pluggable follow-up;
// in scope we reject only deliveries that do not even claim to be signed.
func (p *PayPal) VerifyWebhook(header http.Header, _ []byte) error {
	for _, h := range []string{"Paypal-Transmission-Id", "Paypal-Transmission-Sig", "Paypal-Cert-Url"} {
		if header.Get(h) == "" {
			return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, h)
		}
	}
	return nil
}

type paypalWebhookEvent struct {
	EventType string `json:"event_type"`
	Resource  struct {
		Status        string `json:"status"`
		CustomID      string `json:"custom_id"`
		PurchaseUnits []struct {
			ReferenceID string `json:"reference_id"`
			CustomID    string `json:"custom_id"`
		} `json:"purchase_units"`
	} `json:"resource"`
}

func (p *PayPal) ParseWebhook(body []byte) (WebhookResult, error) {
	var ev paypalWebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookResult{}, fmt.Errorf("decode paypal webhook: %w", err)
	}

	orderID := ev.Resource.CustomID
	if orderID == "" && len(ev.Resource.PurchaseUnits) > 0 {
		orderID = ev.Resource.PurchaseUnits[0].ReferenceID
		if orderID == "" {
			orderID = ev.Resource.PurchaseUnits[0].CustomID
		}
	}
	if orderID == "" {
		return WebhookResult{}, fmt.Errorf("paypal webhook %s without order reference", ev.EventType)
	}

	status := ev.Resource.Status
	if status == "" {
		// e.g. PAYMENT.CAPTURE.COMPLETED -> COMPLETED
		if i := strings.LastIndex(ev.EventType, "."); i >= 0 {
			status = ev.EventType[i+1:]
		}
	}
	return WebhookResult{
		OrderID:        orderID,
		ProviderStatus: status,
		EventType:      ev.EventType,
	}, nil
}

func (p *PayPal) post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	token, err := p.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+path, buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("paypal %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("paypal %s: read body: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("paypal %s: status %d: %s", path, resp.StatusCode, raw)
	}
	return raw, nil
}

func (p *PayPal) accessToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && time.Now().Before(p.tokenExp) {
		return p.token, nil
	}

	form := strings.NewReader("grant_type=client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/v1/oauth2/token", form)
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.ClientID, p.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("paypal token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("paypal token: status %d: %s", resp.StatusCode, raw)
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("paypal token: decode: %w", err)
	}

	p.token = tok.AccessToken
	// refresh a minute early
	p.tokenExp = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return p.token, nil
}

func (p *PayPal) httpClient() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}
