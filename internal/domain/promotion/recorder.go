package promotion

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderCounter reports how many orders a user has placed. Satisfied by the
// order repository.
type OrderCounter interface {
	CountByUser(ctx context.Context, userID string) (int, error)
}

// UsageInput is the caller-supplied part of a redemption record.
type UsageInput struct {
	PromotionID    string
	UserID         string
	OrderID        string
	CouponCode     string
	DiscountAmount decimal.Decimal
	OriginalAmount decimal.Decimal
	FinalAmount    decimal.Decimal
	CartItemCount  int
}

// UsageRecorder appends redemption analytics rows and keeps the promotion's
// usage counter in step. The derived fields (segment, first-time flag,
// time-to-conversion) are computed at write time from current history; they
// are point-in-time facts, not stored redundantly elsewhere.
type UsageRecorder struct {
	promotions Repository
	orders     OrderCounter
	now        func() time.Time
}

// NewUsageRecorder creates a UsageRecorder backed by the given repositories.
func NewUsageRecorder(promotions Repository, orders OrderCounter) *UsageRecorder {
	return &UsageRecorder{
		promotions: promotions,
		orders:     orders,
		now:        time.Now,
	}
}

// Record writes one Usage row and atomically increments the promotion's
// usage counter. It returns the new usage row's ID.
func (r *UsageRecorder) Record(ctx context.Context, in UsageInput) (string, error) {
	p, err := r.promotions.FindByID(ctx, in.PromotionID)
	if err != nil {
		return "", errors.Wrap(err, "find promotion")
	}

	priorUses, err := r.promotions.CountUsageByUser(ctx, in.PromotionID, in.UserID)
	if err != nil {
		return "", errors.Wrap(err, "count prior usage")
	}

	priorOrders, err := r.orders.CountByUser(ctx, in.UserID)
	if err != nil {
		return "", errors.Wrap(err, "count prior orders")
	}

	now := r.now()
	u := &Usage{
		ID:                  uuid.New().String(),
		PromotionID:         in.PromotionID,
		UserID:              in.UserID,
		OrderID:             in.OrderID,
		CouponCode:          in.CouponCode,
		DiscountAmount:      in.DiscountAmount,
		OriginalAmount:      in.OriginalAmount,
		FinalAmount:         in.FinalAmount,
		CustomerSegment:     segmentFor(priorOrders),
		IsFirstTimeUse:      priorUses == 0,
		TimeToConversionMin: int64(now.Sub(p.StartDate).Minutes()),
		CartItemCount:       in.CartItemCount,
		UsedAt:              now,
	}

	if err := r.promotions.CreateUsage(ctx, u); err != nil {
		return "", errors.Wrap(err, "create usage row")
	}
	if err := r.promotions.IncrementUsage(ctx, in.PromotionID); err != nil {
		return "", errors.Wrap(err, "increment usage count")
	}

	return u.ID, nil
}

// segmentFor classifies a customer by prior order count: 0 orders is a new
// customer, more than 10 is a VIP, anything else is returning.
func segmentFor(priorOrders int) Segment {
	switch {
	case priorOrders == 0:
		return SegmentNew
	case priorOrders > 10:
		return SegmentVIP
	default:
		return SegmentReturning
	}
}
