package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/dishpatch/dishpatch/internal/domain/auth"
	"github.com/dishpatch/dishpatch/internal/domain/order"
	"github.com/dishpatch/dishpatch/internal/domain/payment"
	"github.com/dishpatch/dishpatch/internal/domain/promotion"
)

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// WebhookSecret is the shared secret payment notifications are signed
	// with.
	WebhookSecret []byte
	// APIKeyPepper is the HMAC pepper for API key hashing.
	APIKeyPepper []byte
}

// Handler owns the HTTP surface: the payment webhook, the coupon validation
// endpoint, and the promotion application endpoint.
type Handler struct {
	reconciler *payment.Reconciler
	promotions promotion.Repository
	orders     order.Repository
	apikeys    auth.Repository

	webhookSecret []byte
	pepper        []byte
	dedup         *eventDedup
}

// New constructs a Handler with the required domain dependencies.
func New(
	cfg Config,
	reconciler *payment.Reconciler,
	promotions promotion.Repository,
	orders order.Repository,
	apikeys auth.Repository,
) *Handler {
	return &Handler{
		reconciler:    reconciler,
		promotions:    promotions,
		orders:        orders,
		apikeys:       apikeys,
		webhookSecret: cfg.WebhookSecret,
		pepper:        cfg.APIKeyPepper,
		dedup:         newEventDedup(),
	}
}

// Register attaches all routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/webhooks/payments", h.PaymentWebhook)
	mux.HandleFunc("POST /api/promotions/validate", h.ValidateCoupon)
	mux.HandleFunc("POST /api/promotions/apply", h.RequireAPIKey(h.ApplyPromotion))
}

// errorResponse is the uniform error body for the promotion endpoints.
type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// MinimumOrderValue echoes the required minimum on below-minimum
	// rejections so clients can display it.
	MinimumOrderValue *float64 `json:"minimumOrderValue,omitempty"`
}

func respondJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zctx.From(r.Context()).Error("encode response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	respondJSON(w, r, status, errorResponse{Code: status, Message: msg})
}
