package redisx

import "time"

const (
	// Order status cache: payment:order_status:{order_id} -> StatusView JSON.
	// Only terminal statuses are cached; PENDING must hit the DB so the lazy
	// expiry check runs.
	KeyOrderStatus = "payment:order_status:%s"

	// Webhook dedup: payment:webhook:dedup:{provider}:{order_id}:{status}.
	// Set only after successful processing, so a manual redelivery of a
	// failed webhook still applies.
	KeyWebhookDedup = "payment:webhook:dedup:%s:%s:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
