package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/josepro66/beato-checkout/internal/catalog"
)

type fakeStore struct {
	mu       sync.Mutex
	orders   map[string]Order
	txs      []Transaction
	webhooks map[string]WebhookEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		orders:   map[string]Order{},
		webhooks: map[string]WebhookEvent{},
	}
}

func (f *fakeStore) InsertOrder(_ context.Context, o Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[o.ID] = o
	return nil
}

func (f *fakeStore) GetOrder(_ context.Context, id string) (Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return Order{}, &NotFoundError{Resource: "order", ID: id}
	}
	return o, nil
}

func (f *fakeStore) UpdateOrderStatus(_ context.Context, id string, from, to Status, updatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return &NotFoundError{Resource: "order", ID: id}
	}
	if o.Status != from {
		return fmt.Errorf("order %s is %s, not %s: %w", id, o.Status, from, ErrStatusConflict)
	}
	o.Status = to
	o.UpdatedAt = updatedAt
	f.orders[id] = o
	return nil
}

func (f *fakeStore) InsertTransaction(_ context.Context, t Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, t)
	return nil
}

func (f *fakeStore) CountTransactions(_ context.Context, orderID string) (int, error) {
	return f.txCount(orderID), nil
}

func (f *fakeStore) InsertWebhook(_ context.Context, w WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks[w.ID] = w
	return nil
}

func (f *fakeStore) MarkWebhookProcessed(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.webhooks[id]
	if !ok {
		return &NotFoundError{Resource: "webhook", ID: id}
	}
	w.Processed = true
	f.webhooks[id] = w
	return nil
}

func (f *fakeStore) txCount(orderID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.txs {
		if t.OrderID == orderID {
			n++
		}
	}
	return n
}

type fakeGateway struct {
	name      string
	createErr error
	statuses  map[string]Status
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) CreateRemoteOrder(_ context.Context, o Order) (ProviderHandle, error) {
	if g.createErr != nil {
		return ProviderHandle{}, g.createErr
	}
	return ProviderHandle{
		Provider:        g.name,
		ProviderOrderID: "remote-" + o.ID,
		RedirectURL:     "https://gateway.example/checkout",
		Raw:             json.RawMessage(`{"id":"remote"}`),
	}, nil
}

func (g *fakeGateway) MapStatus(s string) (Status, error) {
	st, ok := g.statuses[s]
	if !ok {
		return "", fmt.Errorf("unmapped gateway status %q", s)
	}
	return st, nil
}

var gatewayStatuses = map[string]Status{
	"4": StatusApproved,
	"6": StatusDeclined,
	"5": StatusExpired,
	"7": StatusPending,
}

func newTestService(store *fakeStore, gw *fakeGateway) *Service {
	return &Service{
		Catalog:     catalog.Load(),
		Store:       store,
		Providers:   map[string]Provider{gw.name: gw},
		Log:         zap.NewNop().Sugar(),
		OrderTTL:    24 * time.Hour,
		ServiceName: "checkout-test",
	}
}

func mustCreate(t *testing.T, svc *Service) Order {
	t.Helper()
	o, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		ProductType:   "beato",
		Currency:      "USD",
		Amount:        120.00,
		ProductConfig: json.RawMessage(`{"color":"red"}`),
		PaymentMethod: "payu",
	})
	require.NoError(t, err)
	return o
}

func TestCreateOrder(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{name: "payu", statuses: gatewayStatuses})

	o := mustCreate(t, svc)
	assert.Equal(t, StatusPending, o.Status)
	assert.Regexp(t, `^beato-\d{13}-[0-9a-z]{6}$`, o.ID)
	assert.Equal(t, 120.00, o.Amount)
	assert.Equal(t, "payu", o.PaymentMethod)

	stored, ok := store.orders[o.ID]
	require.True(t, ok)
	assert.Equal(t, o, stored)
	assert.Zero(t, store.txCount(o.ID))
}

func TestCreateOrderPriceMismatch(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{name: "payu", statuses: gatewayStatuses})

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		ProductType:   "beato",
		Currency:      "USD",
		Amount:        1.00,
		PaymentMethod: "payu",
	})
	var pm *catalog.PriceMismatchError
	require.ErrorAs(t, err, &pm)
	assert.Empty(t, store.orders, "rejected order must not be persisted")
}

func TestCreateOrderValidationBeforePersistence(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{name: "payu", statuses: gatewayStatuses})

	_, err := svc.CreateOrder(context.Background(), CreateOrderInput{
		ProductType:   "theremin",
		Currency:      "USD",
		Amount:        120.00,
		PaymentMethod: "payu",
	})
	assert.ErrorIs(t, err, catalog.ErrUnknownProduct)
	assert.Empty(t, store.orders)

	_, err = svc.CreateOrder(context.Background(), CreateOrderInput{
		ProductType:   "beato",
		Currency:      "USD",
		Amount:        120.00,
		PaymentMethod: "stripe",
	})
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
	assert.Empty(t, store.orders)
}

func TestInitiatePayment(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{name: "payu", statuses: gatewayStatuses})
	o := mustCreate(t, svc)

	h, err := svc.InitiatePayment(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, "remote-"+o.ID, h.ProviderOrderID)

	require.Equal(t, 1, store.txCount(o.ID))
	tx := store.txs[0]
	assert.Equal(t, "INITIATED", tx.Status)
	assert.Equal(t, o.Amount, tx.Amount)
	assert.Equal(t, StatusPending, store.orders[o.ID].Status)
}

func TestInitiatePaymentProviderFailure(t *testing.T) {
	store := newFakeStore()
	gw := &fakeGateway{name: "payu", statuses: gatewayStatuses, createErr: errors.New("gateway down")}
	svc := newTestService(store, gw)
	o := mustCreate(t, svc)

	_, err := svc.InitiatePayment(context.Background(), o)
	var pe *ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "payu", pe.Provider)

	// order still pending, failed attempt audited
	assert.Equal(t, StatusPending, store.orders[o.ID].Status)
	require.Equal(t, 1, store.txCount(o.ID))
	assert.Equal(t, "ERROR", store.txs[0].Status)
}

func TestApplyProviderResultApproveIsIdempotent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{name: "payu", statuses: gatewayStatuses})
	o := mustCreate(t, svc)
	raw := json.RawMessage(`{"state_pol":"4"}`)

	got, err := svc.ApplyProviderResult(context.Background(), o.ID, "payu", "4", raw)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, 1, store.txCount(o.ID))

	// identical re-delivery: status and transaction count unchanged
	got, err = svc.ApplyProviderResult(context.Background(), o.ID, "payu", "4", raw)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
	assert.Equal(t, 1, store.txCount(o.ID))
}

func TestApplyProviderResultConflictingTerminal(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{name: "payu", statuses: gatewayStatuses})
	o := mustCreate(t, svc)

	_, err := svc.ApplyProviderResult(context.Background(), o.ID, "payu", "4", nil)
	require.NoError(t, err)

	_, err = svc.ApplyProviderResult(context.Background(), o.ID, "payu", "6", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusApproved, store.orders[o.ID].Status)
	assert.Equal(t, 1, store.txCount(o.ID))
}

// racingStore releases GetOrder only once both appliers hold the same
// pending snapshot, so the conflict lands on the status write.
type racingStore struct {
	*fakeStore
	gated   atomic.Int32
	barrier sync.WaitGroup
}

func (r *racingStore) GetOrder(ctx context.Context, id string) (Order, error) {
	o, err := r.fakeStore.GetOrder(ctx, id)
	if r.gated.Add(-1) >= 0 {
		r.barrier.Done()
		r.barrier.Wait()
	}
	return o, err
}

func TestApplyProviderResultConcurrentConflictingTerminal(t *testing.T) {
	store := newFakeStore()
	rs := &racingStore{fakeStore: store}
	rs.gated.Store(2)
	rs.barrier.Add(2)
	svc := newTestService(store, &fakeGateway{name: "payu", statuses: gatewayStatuses})
	o := mustCreate(t, svc)
	svc.Store = rs

	// APPROVED and DECLINED race from the same PENDING snapshot.
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	for i, ps := range []string{"4", "6"} {
		go func(i int, ps string) {
			defer wg.Done()
			_, errs[i] = svc.ApplyProviderResult(context.Background(), o.ID, "payu", ps, nil)
		}(i, ps)
	}
	wg.Wait()

	var applied, rejected int
	for _, err := range errs {
		if err == nil {
			applied++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidTransition)
		rejected++
	}
	assert.Equal(t, 1, applied, "exactly one delivery may land")
	assert.Equal(t, 1, rejected, "the loser must be rejected, not overwrite")
	assert.True(t, store.orders[o.ID].Status.Terminal())
	assert.Equal(t, 1, store.txCount(o.ID))
}

// staleReadStore serves one stale PENDING snapshot, then delegates. Models a
// status poll whose read raced a webhook.
type staleReadStore struct {
	*fakeStore
	stale  Order
	served bool
}

func (s *staleReadStore) GetOrder(ctx context.Context, id string) (Order, error) {
	if !s.served {
		s.served = true
		return s.stale, nil
	}
	return s.fakeStore.GetOrder(ctx, id)
}

func TestOrderStatusExpiryLosesRaceToWebhook(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{name: "payu", statuses: gatewayStatuses})
	svc.OrderTTL = time.Hour
	o := mustCreate(t, svc)

	// the poll reads PENDING, then a webhook approves before the expiry write
	_, err := svc.ApplyProviderResult(context.Background(), o.ID, "payu", "4", nil)
	require.NoError(t, err)
	svc.Store = &staleReadStore{fakeStore: store, stale: o}

	svc.Now = func() time.Time { return o.CreatedAt.Add(2 * time.Hour) }
	view, err := svc.OrderStatus(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, view.Status, "expiry must not overwrite a terminal status")
	assert.Equal(t, StatusApproved, store.orders[o.ID].Status)
}

func TestApplyProviderResultPendingAppendsOnly(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{name: "payu", statuses: gatewayStatuses})
	o := mustCreate(t, svc)

	got, err := svc.ApplyProviderResult(context.Background(), o.ID, "payu", "7", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, store.txCount(o.ID))

	got, err = svc.ApplyProviderResult(context.Background(), o.ID, "payu", "7", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 2, store.txCount(o.ID))
	assert.Equal(t, o.UpdatedAt, store.orders[o.ID].UpdatedAt, "pending results must not touch the order row")
}

func TestApplyProviderResultUnknownOrder(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakeGateway{name: "payu", statuses: gatewayStatuses})

	_, err := svc.ApplyProviderResult(context.Background(), "beato-0-zzzzzz", "payu", "4", nil)
	var nf *NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestApplyProviderResultUnmappedStatus(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{name: "payu", statuses: gatewayStatuses})
	o := mustCreate(t, svc)

	_, err := svc.ApplyProviderResult(context.Background(), o.ID, "payu", "99", nil)
	require.Error(t, err)
	assert.Equal(t, StatusPending, store.orders[o.ID].Status)
	assert.Zero(t, store.txCount(o.ID))
}

func TestOrderStatusLazyExpiry(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{name: "payu", statuses: gatewayStatuses})
	svc.OrderTTL = time.Hour
	o := mustCreate(t, svc)

	// within TTL: still pending
	view, err := svc.OrderStatus(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, view.Status)

	svc.Now = func() time.Time { return o.CreatedAt.Add(2 * time.Hour) }
	view, err = svc.OrderStatus(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, view.Status)
	assert.Equal(t, StatusExpired, store.orders[o.ID].Status, "expiry must be persisted")
}

func TestOrderStatusExpiryLeavesTerminalAlone(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{name: "payu", statuses: gatewayStatuses})
	svc.OrderTTL = time.Hour
	o := mustCreate(t, svc)

	_, err := svc.ApplyProviderResult(context.Background(), o.ID, "payu", "4", nil)
	require.NoError(t, err)

	svc.Now = func() time.Time { return o.CreatedAt.Add(48 * time.Hour) }
	view, err := svc.OrderStatus(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, view.Status)
	assert.Equal(t, 1, view.TransactionCount)
}

func TestWebhookProcessedFlagIsMonotonic(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store, &fakeGateway{name: "payu", statuses: gatewayStatuses})

	w, err := svc.RecordWebhook(context.Background(), "payu", "confirmation", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.False(t, store.webhooks[w.ID].Processed)

	require.NoError(t, svc.MarkWebhookProcessed(context.Background(), w.ID))
	assert.True(t, store.webhooks[w.ID].Processed)

	// second flip is a no-op, not an error
	require.NoError(t, svc.MarkWebhookProcessed(context.Background(), w.ID))
	assert.True(t, store.webhooks[w.ID].Processed)
}
