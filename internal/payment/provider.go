// Package payment holds the gateway adapters. Each adapter translates an
// internal order into a provider-specific payment request and provider
// webhooks back into internal status transitions.
package payment

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/josepro66/beato-checkout/internal/checkout"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// UnmappedStatusError rejects provider vocabulary we do not recognize.
// Unknown statuses must never silently default to APPROVED.
type UnmappedStatusError struct {
	Provider string
	Status   string
}

func (e *UnmappedStatusError) Error() string {
	return fmt.Sprintf("unmapped %s status %q", e.Provider, e.Status)
}

// WebhookResult is what an adapter extracts from an inbound notification:
// enough to correlate it with an order and drive a status transition.
type WebhookResult struct {
	OrderID        string
	ProviderStatus string
	EventType      string
}

// Adapter is the full capability set a gateway exposes to the HTTP layer:
// remote order creation plus webhook verification and parsing.
type Adapter interface {
	checkout.Provider
	VerifyWebhook(header http.Header, body []byte) error
	ParseWebhook(body []byte) (WebhookResult, error)
}
