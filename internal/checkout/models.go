package checkout

import (
	"encoding/json"
	"time"
)

type Order struct {
	ID            string          `json:"id"`
	ProductType   string          `json:"product_type"`
	ProductConfig json.RawMessage `json:"product_config,omitempty"` // color choices etc., opaque
	Amount        float64         `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"` // payu | paypal
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Transaction is one provider interaction attempt. Append-only: status
// corrections show up as new rows, never updates.
type Transaction struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	Provider    string          `json:"provider"`
	Amount      float64         `json:"amount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"` // provider vocabulary, kept verbatim
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type WebhookEvent struct {
	ID         string          `json:"id"`
	Provider   string          `json:"provider"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Processed  bool            `json:"processed"`
	ReceivedAt time.Time       `json:"received_at"`
}

// StatusView is the read projection returned by the status endpoint.
type StatusView struct {
	OrderID          string    `json:"order_id"`
	Status           Status    `json:"status"`
	ProductType      string    `json:"product_type"`
	Amount           float64   `json:"amount"`
	Currency         string    `json:"currency"`
	PaymentMethod    string    `json:"payment_method"`
	TransactionCount int       `json:"transaction_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ProviderHandle is what the client needs to continue checkout on the
// provider's side: either a hosted form (PayU) or an approve link (PayPal).
type ProviderHandle struct {
	Provider        string            `json:"provider"`
	ProviderOrderID string            `json:"provider_order_id"`
	RedirectURL     string            `json:"redirect_url,omitempty"`
	FormFields      map[string]string `json:"form_fields,omitempty"`
	Raw             json.RawMessage   `json:"-"`
}
