package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/josepro66/beato-checkout/internal/checkout"
)

// Store persists orders, transactions and webhooks. Orders mutate status and
// updated_at only; transactions and webhooks are append-only (webhooks flip
// their processed flag once).
type Store struct {
	Pool *pgxpool.Pool
}

const insertOrder = `
INSERT INTO orders (
	  id,
	  product_type,
	  product_config,
	  amount,
	  currency,
	  payment_method,
	  status,
	  created_at,
	  updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`

const selectOrder = `
SELECT id, product_type, product_config, amount, currency, payment_method, status, created_at, updated_at
FROM orders
WHERE id = $1;
`

const updateOrderStatus = `
UPDATE orders
SET status = $2, updated_at = $3
WHERE id = $1 AND status = $4;
`

const insertTransaction = `
INSERT INTO transactions (
	  id,
	  order_id,
	  provider,
	  amount,
	  currency,
	  status,
	  raw_response,
	  created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8);
`

const countTransactions = `
SELECT count(*) FROM transactions WHERE order_id = $1;
`

const insertWebhook = `
INSERT INTO webhooks (
	  id,
	  provider,
	  event_type,
	  payload,
	  processed,
	  received_at
) VALUES ($1, $2, $3, $4, $5, $6);
`

const markWebhookProcessed = `
UPDATE webhooks
SET processed = true
WHERE id = $1;
`

func (s *Store) InsertOrder(ctx context.Context, o checkout.Order) error {
	_, err := s.Pool.Exec(ctx, insertOrder,
		o.ID, o.ProductType, o.ProductConfig, o.Amount, o.Currency,
		o.PaymentMethod, string(o.Status), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (checkout.Order, error) {
	var (
		o      checkout.Order
		status string
	)
	err := s.Pool.QueryRow(ctx, selectOrder, id).Scan(
		&o.ID, &o.ProductType, &o.ProductConfig, &o.Amount, &o.Currency,
		&o.PaymentMethod, &status, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return checkout.Order{}, &checkout.NotFoundError{Resource: "order", ID: id}
		}
		return checkout.Order{}, fmt.Errorf("select order %s: %w", id, err)
	}
	o.Status = checkout.Status(status)
	return o, nil
}

// UpdateOrderStatus only writes while the row still holds `from`; racing
// webhook deliveries serialize on this guard instead of overwriting each
// other's terminal status.
func (s *Store) UpdateOrderStatus(ctx context.Context, id string, from, to checkout.Status, updatedAt time.Time) error {
	result, err := s.Pool.Exec(ctx, updateOrderStatus, id, string(to), updatedAt, string(from))
	if err != nil {
		return fmt.Errorf("update order %s: %w", id, err)
	}
	if result.RowsAffected() == 1 {
		return nil
	}
	// No row matched: either the order is gone or its status moved under us.
	if _, err := s.GetOrder(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("update order %s from %s to %s: %w", id, from, to, checkout.ErrStatusConflict)
}

func (s *Store) InsertTransaction(ctx context.Context, t checkout.Transaction) error {
	_, err := s.Pool.Exec(ctx, insertTransaction,
		t.ID, t.OrderID, t.Provider, t.Amount, t.Currency, t.Status,
		t.RawResponse, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) CountTransactions(ctx context.Context, orderID string) (int, error) {
	var n int
	if err := s.Pool.QueryRow(ctx, countTransactions, orderID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transactions for %s: %w", orderID, err)
	}
	return n, nil
}

func (s *Store) InsertWebhook(ctx context.Context, w checkout.WebhookEvent) error {
	_, err := s.Pool.Exec(ctx, insertWebhook,
		w.ID, w.Provider, w.EventType, w.Payload, w.Processed, w.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook %s: %w", w.ID, err)
	}
	return nil
}

func (s *Store) MarkWebhookProcessed(ctx context.Context, id string) error {
	result, err := s.Pool.Exec(ctx, markWebhookProcessed, id)
	if err != nil {
		return fmt.Errorf("mark webhook %s: %w", id, err)
	}
	if result.RowsAffected() != 1 {
		return &checkout.NotFoundError{Resource: "webhook", ID: id}
	}
	return nil
}
