package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dishpatch/dishpatch/internal/domain/order"
	"github.com/dishpatch/dishpatch/internal/domain/promotion"
)

type cartItemRequest struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

type validateCouponRequest struct {
	Code      string            `json:"code"`
	CartItems []cartItemRequest `json:"cartItems"`
	CartTotal decimal.Decimal   `json:"cartTotal"`
}

type promotionResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	CouponCode  string `json:"couponCode"`
}

type freeItemResponse struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

type validateCouponResponse struct {
	Success         bool              `json:"success"`
	Message         string            `json:"message"`
	Promotion       promotionResponse `json:"promotion"`
	Discount        float64           `json:"discount"`
	DiscountedItems []string          `json:"discountedItems,omitempty"`
	FreeItem        *freeItemResponse `json:"freeItem,omitempty"`
}

// ValidateCoupon is the pre-payment caller of the discount engine. It is
// speculative: no usage is reserved, the same computation replays at
// settlement time from webhook metadata.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req validateCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Code == "" {
		respondError(w, r, http.StatusBadRequest, "coupon code is required")
		return
	}

	p, err := h.promotions.FindActiveByCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, promotion.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, "coupon code not found")
			return
		}
		zctx.From(ctx).Error("coupon lookup failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]promotion.CartItem, len(req.CartItems))
	for i, it := range req.CartItems {
		items[i] = promotion.CartItem{
			MenuItemID: it.ID,
			Name:       it.Name,
			Category:   it.Category,
			Quantity:   it.Quantity,
			UnitPrice:  it.Price,
		}
	}

	d, err := promotion.Compute(p, items, req.CartTotal, time.Now())
	if err != nil {
		h.respondComputeError(w, r, err)
		return
	}

	resp := validateCouponResponse{
		Success: true,
		Message: "coupon applied",
		Promotion: promotionResponse{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Type:        string(p.Type),
			CouponCode:  p.CouponCode,
		},
		Discount:        d.Amount.InexactFloat64(),
		DiscountedItems: d.DiscountedItems,
	}
	if d.FreeItem != nil {
		resp.FreeItem = &freeItemResponse{
			ID:    d.FreeItem.MenuItemID,
			Name:  d.FreeItem.Name,
			Price: d.FreeItem.Price.InexactFloat64(),
		}
	}
	respondJSON(w, r, http.StatusOK, resp)
}

// respondComputeError maps discount engine rejections to transport
// responses: unknown or no-longer-valid codes read as 404, cart-shaped
// problems as 400 with a specific reason.
func (h *Handler) respondComputeError(w http.ResponseWriter, r *http.Request, err error) {
	var bmErr *promotion.BelowMinimumError
	switch {
	case errors.Is(err, promotion.ErrInactive), errors.Is(err, promotion.ErrExpired):
		respondError(w, r, http.StatusNotFound, "coupon is expired or no longer active")
	case errors.Is(err, promotion.ErrNoEligibleItems):
		respondError(w, r, http.StatusBadRequest, "no items in the cart are eligible for this coupon")
	case errors.Is(err, promotion.ErrUsageLimitReached):
		respondError(w, r, http.StatusBadRequest, "coupon usage limit reached")
	case errors.As(err, &bmErr):
		minimum := bmErr.Minimum.InexactFloat64()
		respondJSON(w, r, http.StatusBadRequest, errorResponse{
			Code:              http.StatusBadRequest,
			Message:           bmErr.Error(),
			MinimumOrderValue: &minimum,
		})
	default:
		zctx.From(r.Context()).Error("discount computation failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "internal error")
	}
}

type applyPromotionRequest struct {
	PromotionID string `json:"promotionId"`
	OrderID     string `json:"orderId"`
}

type applyPromotionResponse struct {
	Success  bool    `json:"success"`
	Message  string  `json:"message"`
	Discount float64 `json:"discount"`
}

// ApplyPromotion links a promotion to an existing order: the discount is
// recomputed against the order's snapshotted items, the order updated, and
// usage atomically incremented.
func (h *Handler) ApplyPromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req applyPromotionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PromotionID == "" || req.OrderID == "" {
		respondError(w, r, http.StatusBadRequest, "promotionId and orderId are required")
		return
	}

	p, err := h.promotions.FindByID(ctx, req.PromotionID)
	if err != nil {
		if errors.Is(err, promotion.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, "promotion not found")
			return
		}
		zctx.From(ctx).Error("promotion lookup failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	o, err := h.orders.GetByID(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			respondError(w, r, http.StatusNotFound, "order not found")
			return
		}
		zctx.From(ctx).Error("order lookup failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if o.PromotionID != "" {
		respondError(w, r, http.StatusBadRequest, "order already has a promotion applied")
		return
	}

	items := make([]promotion.CartItem, len(o.Items))
	for i, it := range o.Items {
		items[i] = promotion.CartItem{
			MenuItemID: it.MenuItemID,
			Name:       it.Name,
			Category:   it.Category,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice,
		}
	}

	d, err := promotion.Compute(p, items, o.Subtotal, time.Now())
	if err != nil {
		h.respondComputeError(w, r, err)
		return
	}

	if err := h.orders.ApplyPromotion(ctx, o.ID, p.ID, d.Amount); err != nil {
		if errors.Is(err, order.ErrPromotionApplied) {
			respondError(w, r, http.StatusBadRequest, "order already has a promotion applied")
			return
		}
		zctx.From(ctx).Error("apply promotion failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	if err := h.promotions.IncrementUsage(ctx, p.ID); err != nil {
		// The link committed; a lost counter bump is a warning, not a
		// client-facing failure.
		zctx.From(ctx).Error("increment usage failed",
			zap.String("promotion_id", p.ID), zap.Error(err))
	}

	respondJSON(w, r, http.StatusOK, applyPromotionResponse{
		Success:  true,
		Message:  "promotion applied to order",
		Discount: d.Amount.InexactFloat64(),
	})
}
