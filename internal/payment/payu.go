package payment

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/josepro66/beato-checkout/internal/checkout"
)

// PayU is the Latin-American gateway. There is no remote call at order
// creation: checkout happens on PayU's hosted page, fed by a signed form.
// Payment results arrive on the confirmation webhook.
type PayU struct {
	MerchantID      string
	AccountID       string
	APIKey          string
	APILogin        string
	CheckoutURL     string
	ResponseURL     string
	ConfirmationURL string
	Test            bool
}

func (p *PayU) Name() string { return "payu" }

// state_pol values from PayU's confirmation API; the word forms show up in
// the WebCheckout response page redirect.
var payuStatus = map[string]checkout.Status{
	"4":        checkout.StatusApproved,
	"APPROVED": checkout.StatusApproved,
	"6":        checkout.StatusDeclined,
	"DECLINED": checkout.StatusDeclined,
	"5":        checkout.StatusExpired,
	"EXPIRED":  checkout.StatusExpired,
	"7":        checkout.StatusPending,
	"PENDING":  checkout.StatusPending,
}

func (p *PayU) MapStatus(providerStatus string) (checkout.Status, error) {
	s, ok := payuStatus[strings.ToUpper(strings.TrimSpace(providerStatus))]
	if !ok {
		return "", &UnmappedStatusError{Provider: p.Name(), Status: providerStatus}
	}
	return s, nil
}

// CreateRemoteOrder builds the signed WebCheckout form fields. The signature
// covers reference, amount and currency so the hosted page cannot be replayed
// with a different price.
func (p *PayU) CreateRemoteOrder(_ context.Context, o checkout.Order) (checkout.ProviderHandle, error) {
	amount := formatAmount(o.Amount)
	fields := map[string]string{
		"merchantId":      p.MerchantID,
		"accountId":       p.AccountID,
		"description":     fmt.Sprintf("%s controller (%s)", o.ProductType, o.ID),
		"referenceCode":   o.ID,
		"amount":          amount,
		"currency":        o.Currency,
		"signature":       p.sign(o.ID, amount, o.Currency),
		"responseUrl":     p.ResponseURL,
		"confirmationUrl": p.ConfirmationURL,
		"test":            boolField(p.Test),
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return checkout.ProviderHandle{}, err
	}
	return checkout.ProviderHandle{
		Provider:        p.Name(),
		ProviderOrderID: o.ID, // PayU references our order id until confirmation
		RedirectURL:     p.CheckoutURL,
		FormFields:      fields,
		Raw:             raw,
	}, nil
}

// VerifyWebhook recomputes the confirmation signature
// md5(apiKey~merchantId~reference_sale~new_value~currency~state_pol) and
// compares it with the inbound `sign` field.
func (p *PayU) VerifyWebhook(_ http.Header, body []byte) error {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return fmt.Errorf("parse confirmation body: %w", err)
	}
	value, err := newValue(form.Get("value"))
	if err != nil {
		return fmt.Errorf("parse confirmation value: %w", err)
	}
	expected := md5hex(strings.Join([]string{
		p.APIKey,
		p.MerchantID,
		form.Get("reference_sale"),
		value,
		form.Get("currency"),
		form.Get("state_pol"),
	}, "~"))
	if !strings.EqualFold(expected, form.Get("sign")) {
		return fmt.Errorf("%w: payu confirmation for %s", ErrInvalidSignature, form.Get("reference_sale"))
	}
	return nil
}

func (p *PayU) ParseWebhook(body []byte) (WebhookResult, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return WebhookResult{}, fmt.Errorf("parse confirmation body: %w", err)
	}
	ref := form.Get("reference_sale")
	if ref == "" {
		return WebhookResult{}, fmt.Errorf("confirmation without reference_sale")
	}
	return WebhookResult{
		OrderID:        ref,
		ProviderStatus: form.Get("state_pol"),
		EventType:      "confirmation",
	}, nil
}

func (p *PayU) sign(reference, amount, currency string) string {
	return md5hex(strings.Join([]string{p.APIKey, p.MerchantID, reference, amount, currency}, "~"))
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// newValue applies PayU's confirmation rounding rule: the TX_VALUE is signed
// with one decimal when the cent digit is zero ("150.00" -> "150.0"), two
// otherwise.
func newValue(raw string) (string, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return "", err
	}
	two := strconv.FormatFloat(f, 'f', 2, 64)
	if strings.HasSuffix(two, "0") {
		return two[:len(two)-1], nil
	}
	return two, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
