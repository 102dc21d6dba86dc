package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/josepro66/beato-checkout/internal/catalog"
	"github.com/josepro66/beato-checkout/internal/checkout"
	"github.com/josepro66/beato-checkout/internal/payment"
	"github.com/josepro66/beato-checkout/internal/redisx"
)

const maxWebhookBody = 1 << 20

type PaymentHandler struct {
	Service  *checkout.Service
	Adapters map[string]payment.Adapter
	Redis    *redis.Client // optional; status cache + webhook dedup
	Log      *zap.SugaredLogger
}

func (h *PaymentHandler) Register(r *chi.Mux) {
	r.Route("/payment", func(r chi.Router) {
		r.Post("/{provider}/create-order", h.createOrder)
		r.Post("/{provider}/webhook", h.webhook)
		r.Post("/paypal/capture", h.capturePayPal)
		r.Get("/payu/response", h.payuResponse)
		r.Get("/order/{orderID}/status", h.orderStatus)
		r.Get("/products/config", h.productsConfig)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps the error taxonomy onto HTTP codes. Internal detail never
// leaks: handlers only surface the error message of our own types.
func statusFor(err error) int {
	var (
		ve *checkout.ValidationError
		pm *catalog.PriceMismatchError
		nf *checkout.NotFoundError
		pe *checkout.ProviderError
	)
	switch {
	case errors.As(err, &ve), errors.As(err, &pm),
		errors.Is(err, catalog.ErrUnknownProduct),
		errors.Is(err, catalog.ErrUnsupportedCurrency):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &pe):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type createOrderReq struct {
	ProductType   string          `json:"product_type"`
	Currency      string          `json:"currency"`
	Amount        float64         `json:"amount"`
	ProductConfig json.RawMessage `json:"product_config,omitempty"`
}

type createOrderResp struct {
	Order    checkout.Order          `json:"order"`
	Provider checkout.ProviderHandle `json:"provider"`
}

func (h *PaymentHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if _, ok := h.Adapters[provider]; !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown provider"})
		return
	}

	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	order, err := h.Service.CreateOrder(ctx, checkout.CreateOrderInput{
		ProductType:   req.ProductType,
		Currency:      req.Currency,
		Amount:        req.Amount,
		ProductConfig: req.ProductConfig,
		PaymentMethod: provider,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	handle, err := h.Service.InitiatePayment(ctx, order)
	if err != nil {
		// Order exists and stays PENDING; the client may retry initiation.
		h.Log.Errorw("initiate payment", "order_id", order.ID, "provider", provider, "err", err)
		writeErr(w, err)
		return
	}

	h.cacheStatus(ctx, order)
	writeJSON(w, http.StatusCreated, createOrderResp{Order: order, Provider: handle})
}

// webhook always acknowledges with 200, even when processing fails, to avoid
// provider-side retry storms. Failures stay visible as unprocessed webhook
// rows plus an error log.
func (h *PaymentHandler) webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	ack := func() { writeJSON(w, http.StatusOK, map[string]string{"status": "received"}) }

	adapter, ok := h.Adapters[provider]
	if !ok {
		h.Log.Warnw("webhook for unknown provider", "provider", provider)
		ack()
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.Log.Errorw("read webhook body", "provider", provider, "err", err)
		ack()
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	eventType := "unknown"
	result, parseErr := adapter.ParseWebhook(body)
	if parseErr == nil {
		eventType = result.EventType
	}

	// Record first; the raw payload survives whatever happens next.
	record, err := h.Service.RecordWebhook(ctx, provider, eventType, rawPayload(body))
	if err != nil {
		h.Log.Errorw("record webhook", "provider", provider, "err", err)
		ack()
		return
	}

	if parseErr != nil {
		h.Log.Errorw("parse webhook", "provider", provider, "webhook_id", record.ID, "err", parseErr)
		ack()
		return
	}
	if err := adapter.VerifyWebhook(r.Header, body); err != nil {
		h.Log.Errorw("verify webhook", "provider", provider, "webhook_id", record.ID,
			"order_id", result.OrderID, "err", err)
		ack()
		return
	}

	if h.isDuplicate(ctx, provider, result) {
		// Effect already applied; flip the flag so the row does not read as a
		// failed delivery.
		_ = h.Service.MarkWebhookProcessed(ctx, record.ID)
		ack()
		return
	}

	order, err := h.Service.ApplyProviderResult(ctx, result.OrderID, provider, result.ProviderStatus, rawPayload(body))
	if err != nil {
		if errors.Is(err, checkout.ErrInvalidTransition) {
			h.Log.Errorw("conflicting webhook status", "provider", provider,
				"webhook_id", record.ID, "order_id", result.OrderID, "err", err)
		} else {
			h.Log.Errorw("apply webhook", "provider", provider,
				"webhook_id", record.ID, "order_id", result.OrderID, "err", err)
		}
		ack()
		return
	}

	if err := h.Service.MarkWebhookProcessed(ctx, record.ID); err != nil {
		h.Log.Errorw("mark webhook processed", "webhook_id", record.ID, "err", err)
	}
	h.markDuplicate(ctx, provider, result)
	h.cacheStatus(ctx, order)
	ack()
}

type captureReq struct {
	OrderID         string `json:"order_id"`
	ProviderOrderID string `json:"provider_order_id"`
}

// capturePayPal settles an approved PayPal order synchronously, once the
// buyer came back from the approve page.
func (h *PaymentHandler) capturePayPal(w http.ResponseWriter, r *http.Request) {
	pp, ok := h.Adapters["paypal"].(*payment.PayPal)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "paypal not configured"})
		return
	}

	var req captureReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" || req.ProviderOrderID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "order_id and provider_order_id required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	status, raw, err := pp.Capture(ctx, req.ProviderOrderID)
	if err != nil {
		writeErr(w, &checkout.ProviderError{Provider: "paypal", Err: err})
		return
	}

	order, err := h.Service.ApplyProviderResult(ctx, req.OrderID, "paypal", status, raw)
	if err != nil {
		writeErr(w, err)
		return
	}
	h.cacheStatus(ctx, order)
	writeJSON(w, http.StatusOK, order)
}

// payuResponse is where PayU sends the buyer's browser after hosted checkout.
// The authoritative result arrives on the confirmation webhook; this just
// bounces to the status endpoint.
func (h *PaymentHandler) payuResponse(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("referenceCode")
	if ref == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing referenceCode"})
		return
	}
	http.Redirect(w, r, "/payment/order/"+ref+"/status", http.StatusFound)
}

func (h *PaymentHandler) orderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Redis != nil {
		key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
		if s, err := h.Redis.Get(ctx, key).Result(); err == nil && s != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(s))
			return
		}
	}

	view, err := h.Service.OrderStatus(ctx, orderID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if h.Redis != nil && view.Status.Terminal() {
		key := fmt.Sprintf(redisx.KeyOrderStatus, orderID)
		_ = h.Redis.Set(ctx, key, mustJSON(view), redisx.TTLStatusCache).Err()
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *PaymentHandler) productsConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"products": h.Service.Catalog.Snapshot()})
}

func (h *PaymentHandler) isDuplicate(ctx context.Context, provider string, res payment.WebhookResult) bool {
	if h.Redis == nil {
		return false
	}
	key := fmt.Sprintf(redisx.KeyWebhookDedup, provider, res.OrderID, res.ProviderStatus)
	ok, err := redisx.Exists(ctx, h.Redis, key)
	return err == nil && ok
}

func (h *PaymentHandler) markDuplicate(ctx context.Context, provider string, res payment.WebhookResult) {
	if h.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyWebhookDedup, provider, res.OrderID, res.ProviderStatus)
	_ = h.Redis.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), redisx.TTLDedup).Err()
}

func (h *PaymentHandler) cacheStatus(ctx context.Context, o checkout.Order) {
	if h.Redis == nil || !o.Status.Terminal() {
		return
	}
	view, err := h.Service.OrderStatus(ctx, o.ID)
	if err != nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyOrderStatus, o.ID)
	_ = h.Redis.Set(ctx, key, mustJSON(view), redisx.TTLStatusCache).Err()
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// rawPayload keeps the webhook body storable as JSONB even when the provider
// posts form-encoded data (PayU confirmations).
func rawPayload(body []byte) json.RawMessage {
	if json.Valid(body) {
		return body
	}
	b, _ := json.Marshal(map[string]string{"raw": string(body)})
	return b
}
