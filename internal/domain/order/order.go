package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a requested order does not exist.
var ErrNotFound = errors.New("order not found")

// ErrDuplicateIntent is returned by Create when another order already holds
// the same payment intent correlation. Callers should re-fetch by intent ID.
var ErrDuplicateIntent = errors.New("order with this payment intent already exists")

// ErrPromotionApplied is returned by ApplyPromotion when the order already
// carries a promotion.
var ErrPromotionApplied = errors.New("order already has a promotion applied")

// Status is the fulfillment lifecycle of an order.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusPreparing Status = "PREPARING"
	StatusReady     Status = "READY"
	StatusCompleted Status = "COMPLETED"
	StatusCanceled  Status = "CANCELED"
)

// PaymentStatus tracks payment settlement separately from fulfillment.
// PAID is terminal; FAILED may re-enter PENDING on a retried payment.
type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Item is a single order line. Name and UnitPrice are snapshots taken at
// order creation and are never recomputed from the live menu.
type Item struct {
	MenuItemID string          `json:"menu_item_id"`
	Name       string          `json:"name"`
	Category   string          `json:"category,omitempty"`
	Quantity   int             `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

// Order is the authoritative record a payment event is reconciled into.
type Order struct {
	ID              string
	UserID          string
	Items           []Item
	Subtotal        decimal.Decimal
	DiscountAmount  decimal.Decimal
	Total           decimal.Decimal
	Status          Status
	PaymentStatus   PaymentStatus
	PaymentIntentID string
	ChargeID        string
	PromotionID     string
	OrderType       string
	PickupTime      string
	StatusNotes     []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Correlation carries the payment provider identifiers persisted when an
// order settles.
type Correlation struct {
	PaymentIntentID string
	ChargeID        string
}

// SettleResult reports what MarkPaid actually did.
type SettleResult struct {
	// AlreadyPaid is true when the order was PAID before this call; the
	// repository performed no writes. Callers must treat this as success.
	AlreadyPaid bool
	Order       *Order
}

// Repository defines persistence operations for orders. Implementations
// must serialize payment-status transitions per order (row-level lock or
// equivalent) so concurrent events for the same order cannot interleave.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByPaymentIntentID(ctx context.Context, intentID string) (*Order, error)

	// MarkPaid transitions the order to PAID under the row lock, persists
	// provider correlation IDs, and appends note. When the order is already
	// PAID it is a no-op reported via SettleResult.AlreadyPaid.
	MarkPaid(ctx context.Context, id string, corr Correlation, note string) (*SettleResult, error)

	// MarkFailed transitions payment to FAILED and keeps fulfillment at
	// PENDING. A failure arriving after the order is PAID is stale: the
	// repository leaves the row untouched and returns stale=true.
	MarkFailed(ctx context.Context, id string, note string) (stale bool, err error)

	// ApplyPromotion links a promotion and its discount to the order.
	ApplyPromotion(ctx context.Context, id, promotionID string, discount decimal.Decimal) error

	// CountByUser returns the number of orders a user has placed, used for
	// customer segmentation.
	CountByUser(ctx context.Context, userID string) (int, error)
}
