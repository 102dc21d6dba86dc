package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/josepro66/beato-checkout/internal/catalog"
	"github.com/josepro66/beato-checkout/internal/kafkax"
)

// Store is the persistence gateway. Implemented by internal/postgres; tests
// use in-memory fakes.
type Store interface {
	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id string) (Order, error)
	// UpdateOrderStatus is a compare-and-set: the write lands only while the
	// row still holds `from`, otherwise ErrStatusConflict.
	UpdateOrderStatus(ctx context.Context, id string, from, to Status, updatedAt time.Time) error
	InsertTransaction(ctx context.Context, t Transaction) error
	CountTransactions(ctx context.Context, orderID string) (int, error)
	InsertWebhook(ctx context.Context, w WebhookEvent) error
	MarkWebhookProcessed(ctx context.Context, id string) error
}

// Provider creates remote orders and maps provider status vocabulary to the
// internal enum. Webhook signature verification lives at the HTTP boundary
// (internal/payment.Adapter).
type Provider interface {
	Name() string
	CreateRemoteOrder(ctx context.Context, o Order) (ProviderHandle, error)
	MapStatus(providerStatus string) (Status, error)
}

// Publisher is the async lifecycle event sink (kafka producer). Fire-and-forget.
type Publisher interface {
	Publish(key, value []byte, headers ...kafkago.Header)
}

type CreateOrderInput struct {
	ProductType   string          `json:"product_type"`
	Currency      string          `json:"currency"`
	Amount        float64         `json:"amount"`
	ProductConfig json.RawMessage `json:"product_config,omitempty"`
	PaymentMethod string          `json:"payment_method"`
}

// Service coordinates the order lifecycle: validate, persist, delegate to a
// provider adapter, apply provider results. One instance per process,
// explicitly constructed with its collaborators.
type Service struct {
	Catalog   *catalog.Catalog
	Store     Store
	Providers map[string]Provider
	Producer  Publisher // optional
	Log       *zap.SugaredLogger

	OrderTTL        time.Duration // pending orders older than this read as expired
	ProviderTimeout time.Duration
	ServiceName     string

	// Now is overridable in tests; defaults to time.Now.
	Now func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) providerTimeout() time.Duration {
	if s.ProviderTimeout > 0 {
		return s.ProviderTimeout
	}
	return 10 * time.Second
}

// CreateOrder validates the input and persists a PENDING order. Validation
// happens before any write, so a rejected order leaves no row behind.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (Order, error) {
	if _, ok := s.Providers[in.PaymentMethod]; !ok {
		return Order{}, &ValidationError{Field: "payment_method", Reason: fmt.Sprintf("unknown provider %q", in.PaymentMethod)}
	}
	if err := s.Catalog.ValidatePrice(in.ProductType, in.Amount, in.Currency); err != nil {
		return Order{}, err
	}
	canonical, err := s.Catalog.Resolve(in.ProductType, in.Currency)
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	o := Order{
		ID:            NewID(in.ProductType),
		ProductType:   in.ProductType,
		ProductConfig: in.ProductConfig,
		Amount:        canonical, // store the canonical price, not the client's
		Currency:      in.Currency,
		PaymentMethod: in.PaymentMethod,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.InsertOrder(ctx, o); err != nil {
		return Order{}, fmt.Errorf("insert order: %w", err)
	}

	s.publish(EventOrderCreated, o.ID, OrderCreatedPayload{
		OrderID:       o.ID,
		ProductType:   o.ProductType,
		Amount:        o.Amount,
		Currency:      o.Currency,
		PaymentMethod: o.PaymentMethod,
	})
	return o, nil
}

// InitiatePayment creates the remote provider order and records the attempt
// as a transaction row. On provider failure the order stays PENDING and a
// *ProviderError is returned; the caller may retry.
func (s *Service) InitiatePayment(ctx context.Context, o Order) (ProviderHandle, error) {
	p, ok := s.Providers[o.PaymentMethod]
	if !ok {
		return ProviderHandle{}, &ValidationError{Field: "payment_method", Reason: fmt.Sprintf("unknown provider %q", o.PaymentMethod)}
	}

	cctx, cancel := context.WithTimeout(ctx, s.providerTimeout())
	defer cancel()

	h, err := p.CreateRemoteOrder(cctx, o)
	if err != nil {
		// Failed attempts are part of the audit trail too.
		s.appendTransaction(ctx, o, p.Name(), "ERROR", errPayload(err))
		return ProviderHandle{}, &ProviderError{Provider: p.Name(), Err: err}
	}

	if err := s.appendTransaction(ctx, o, p.Name(), "INITIATED", h.Raw); err != nil {
		return ProviderHandle{}, fmt.Errorf("insert transaction: %w", err)
	}

	s.publish(EventPaymentInitiated, o.ID, PaymentInitiatedPayload{
		OrderID:         o.ID,
		Provider:        p.Name(),
		ProviderOrderID: h.ProviderOrderID,
	})
	return h, nil
}

// ApplyProviderResult maps a provider status onto the order state machine.
// Safe under at-least-once, out-of-order delivery: re-applying the current
// terminal status is a no-op (no new transaction row either), a conflicting
// terminal status yields ErrInvalidTransition.
func (s *Service) ApplyProviderResult(ctx context.Context, orderID, provider, providerStatus string, raw json.RawMessage) (Order, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}

	p, ok := s.Providers[provider]
	if !ok {
		return o, &ValidationError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", provider)}
	}
	target, err := p.MapStatus(providerStatus)
	if err != nil {
		return o, err
	}

	if o.Status.Terminal() {
		if target == o.Status {
			return o, nil // idempotent re-delivery
		}
		return o, fmt.Errorf("%w: order %s is %s, got %s (%s %q)",
			ErrInvalidTransition, o.ID, o.Status, target, provider, providerStatus)
	}

	if target == StatusPending {
		// Repeated capture attempt etc: audit row only, order untouched.
		if err := s.appendTransaction(ctx, o, provider, providerStatus, raw); err != nil {
			return o, fmt.Errorf("insert transaction: %w", err)
		}
		return o, nil
	}

	if !CanTransition(o.Status, target) {
		return o, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, target)
	}

	now := s.now()
	if err := s.Store.UpdateOrderStatus(ctx, o.ID, o.Status, target, now); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			// A racing delivery wrote first; judge against what it left behind.
			cur, gerr := s.Store.GetOrder(ctx, o.ID)
			if gerr != nil {
				return o, gerr
			}
			if cur.Status == target {
				return cur, nil // the winner applied the same status
			}
			return cur, fmt.Errorf("%w: order %s is %s, got %s (%s %q)",
				ErrInvalidTransition, cur.ID, cur.Status, target, provider, providerStatus)
		}
		return o, fmt.Errorf("update order status: %w", err)
	}
	if err := s.appendTransaction(ctx, o, provider, providerStatus, raw); err != nil {
		return o, fmt.Errorf("insert transaction: %w", err)
	}

	old := o.Status
	o.Status = target
	o.UpdatedAt = now
	if s.Log != nil {
		s.Log.Infow("order status changed",
			"order_id", o.ID, "from", old, "to", target,
			"provider", provider, "provider_status", providerStatus)
	}
	s.publish(EventOrderStatusChanged, o.ID, StatusChangedPayload{
		OrderID:        o.ID,
		OldStatus:      old,
		NewStatus:      target,
		Provider:       provider,
		ProviderStatus: providerStatus,
	})
	return o, nil
}

// OrderStatus returns the read projection. The EXPIRED transition is
// evaluated lazily here; there is no background sweep.
func (s *Service) OrderStatus(ctx context.Context, orderID string) (StatusView, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return StatusView{}, err
	}

	if o.Status == StatusPending && s.OrderTTL > 0 {
		now := s.now()
		if now.Sub(o.CreatedAt) > s.OrderTTL {
			switch err := s.Store.UpdateOrderStatus(ctx, o.ID, StatusPending, StatusExpired, now); {
			case errors.Is(err, ErrStatusConflict):
				// A webhook won the race; serve whatever it wrote.
				if o, err = s.Store.GetOrder(ctx, o.ID); err != nil {
					return StatusView{}, err
				}
			case err != nil:
				return StatusView{}, fmt.Errorf("expire order: %w", err)
			default:
				s.publish(EventOrderStatusChanged, o.ID, StatusChangedPayload{
					OrderID:   o.ID,
					OldStatus: o.Status,
					NewStatus: StatusExpired,
				})
				o.Status = StatusExpired
				o.UpdatedAt = now
			}
		}
	}

	count, err := s.Store.CountTransactions(ctx, o.ID)
	if err != nil {
		return StatusView{}, fmt.Errorf("count transactions: %w", err)
	}

	return StatusView{
		OrderID:          o.ID,
		Status:           o.Status,
		ProductType:      o.ProductType,
		Amount:           o.Amount,
		Currency:         o.Currency,
		PaymentMethod:    o.PaymentMethod,
		TransactionCount: count,
		CreatedAt:        o.CreatedAt,
		UpdatedAt:        o.UpdatedAt,
	}, nil
}

// RecordWebhook persists an inbound provider notification before any
// processing, so failed deliveries remain inspectable.
func (s *Service) RecordWebhook(ctx context.Context, provider, eventType string, payload json.RawMessage) (WebhookEvent, error) {
	w := WebhookEvent{
		ID:         uuid.NewString(),
		Provider:   provider,
		EventType:  eventType,
		Payload:    payload,
		Processed:  false,
		ReceivedAt: s.now(),
	}
	if err := s.Store.InsertWebhook(ctx, w); err != nil {
		return WebhookEvent{}, fmt.Errorf("insert webhook: %w", err)
	}
	return w, nil
}

// MarkWebhookProcessed flips the processed flag, exactly once, after the
// webhook's effect was applied to the order.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookID string) error {
	return s.Store.MarkWebhookProcessed(ctx, webhookID)
}

func (s *Service) appendTransaction(ctx context.Context, o Order, provider, status string, raw json.RawMessage) error {
	return s.Store.InsertTransaction(ctx, Transaction{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		Provider:    provider,
		Amount:      o.Amount,
		Currency:    o.Currency,
		Status:      status,
		RawResponse: raw,
		CreatedAt:   s.now(),
	})
}

func (s *Service) publish(eventType, orderID string, payload any) {
	if s.Producer == nil {
		return
	}
	ev := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    s.now(),
		Producer:      s.ServiceName,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	s.Producer.Publish(PartitionKey(orderID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}

func errPayload(err error) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}
