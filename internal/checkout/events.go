package checkout

import (
	"encoding/json"
	"time"
)

const TopicOrderEvents = "payment.order.events"

const (
	EventOrderCreated       = "OrderCreated"
	EventPaymentInitiated   = "PaymentInitiated"
	EventOrderStatusChanged = "OrderStatusChanged"
)

// Partition key = order_id so all events of one order keep their order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type OrderCreatedPayload struct {
	OrderID       string  `json:"order_id"`
	ProductType   string  `json:"product_type"`
	Amount        float64 `json:"amount"`
	Currency      string  `json:"currency"`
	PaymentMethod string  `json:"payment_method"`
}

type PaymentInitiatedPayload struct {
	OrderID         string `json:"order_id"`
	Provider        string `json:"provider"`
	ProviderOrderID string `json:"provider_order_id"`
}

type StatusChangedPayload struct {
	OrderID        string `json:"order_id"`
	OldStatus      Status `json:"old_status"`
	NewStatus      Status `json:"new_status"`
	Provider       string `json:"provider,omitempty"`
	ProviderStatus string `json:"provider_status,omitempty"`
}
