package promotion

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Type enumerates the supported promotion strategies.
type Type string

const (
	// TypePercentage discounts a percentage of the eligible subtotal.
	TypePercentage Type = "percentage"
	// TypeFixedAmount discounts a fixed amount, capped at the cart total.
	TypeFixedAmount Type = "fixed_amount"
	// TypeFreeItem discounts the price of a linked free item.
	TypeFreeItem Type = "free_item"
	// TypeBuyOneGetOne discounts the cheapest unit of every eligible item
	// the cart holds two or more units of.
	TypeBuyOneGetOne Type = "buy_one_get_one"
)

var (
	// ErrNotFound is returned when no promotion matches a coupon code or ID.
	ErrNotFound = errors.New("promotion not found")
	// ErrInactive is returned when a promotion exists but is disabled.
	ErrInactive = errors.New("promotion is not active")
	// ErrExpired is returned when a promotion is outside its valid time window.
	ErrExpired = errors.New("promotion expired")
	// ErrUsageLimitReached is returned when a promotion has exhausted its uses.
	ErrUsageLimitReached = errors.New("promotion usage limit reached")
	// ErrNoEligibleItems is returned when no cart item qualifies for the promotion.
	ErrNoEligibleItems = errors.New("no eligible items in cart")
	// ErrAlreadyApplied is returned when an order already carries a promotion.
	ErrAlreadyApplied = errors.New("order already has a promotion applied")
)

// BelowMinimumError rejects a cart below the promotion's minimum order
// value. The minimum is carried so callers can echo it back.
type BelowMinimumError struct {
	Minimum decimal.Decimal
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("cart total below minimum order value of %s", e.Minimum.StringFixed(2))
}

// Promotion is a coupon/discount rule.
type Promotion struct {
	ID                 string
	Name               string
	Description        string
	CouponCode         string
	Type               Type
	Value              decimal.Decimal
	MinimumOrderValue  *decimal.Decimal
	UsageLimit         int // 0 means unlimited
	UsageCount         int
	EligibleItemIDs    []string
	EligibleCategories []string
	ApplyToAllItems    bool
	FreeItemID         string
	FreeItemName       string
	FreeItemPrice      *decimal.Decimal
	StartDate          time.Time
	EndDate            time.Time
	Active             bool
}

// Usage is one successful redemption, recorded for analytics. Append-only.
type Usage struct {
	ID                  string
	PromotionID         string
	UserID              string
	OrderID             string
	CouponCode          string
	DiscountAmount      decimal.Decimal
	OriginalAmount      decimal.Decimal
	FinalAmount         decimal.Decimal
	CustomerSegment     Segment
	IsFirstTimeUse      bool
	TimeToConversionMin int64
	CartItemCount       int
	UsedAt              time.Time
}

// Segment classifies a customer by prior order count at redemption time.
type Segment string

const (
	SegmentNew       Segment = "new"
	SegmentReturning Segment = "returning"
	SegmentVIP       Segment = "vip"
)

// Repository provides lookup and mutation of promotions and their usage rows.
type Repository interface {
	// FindActiveByCode looks up an active promotion by coupon code,
	// case-insensitively. Returns ErrNotFound when absent or inactive.
	FindActiveByCode(ctx context.Context, code string) (*Promotion, error)
	FindByID(ctx context.Context, id string) (*Promotion, error)

	// IncrementUsage bumps usage_count atomically (single UPDATE), never
	// read-modify-write, so concurrent redemptions cannot lose updates.
	IncrementUsage(ctx context.Context, id string) error

	CreateUsage(ctx context.Context, u *Usage) error
	CountUsageByUser(ctx context.Context, promotionID, userID string) (int, error)
}
