package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dishpatch/dishpatch/internal/domain/order"
)

// SaleStatus models the lifecycle of a settlement row. Sales are never
// physically deleted; corrections happen through voiding and refunds.
type SaleStatus string

const (
	SaleCompleted SaleStatus = "completed"
	SaleVoided    SaleStatus = "voided"
	SaleRefunded  SaleStatus = "refunded"
)

// Sale is an immutable settlement ledger row, distinct from the mutable
// Order it references.
type Sale struct {
	ID              string
	OrderID         string
	PaymentIntentID string
	Subtotal        decimal.Decimal
	Tax             decimal.Decimal
	Tip             decimal.Decimal
	Discount        decimal.Decimal
	Total           decimal.Decimal
	PaymentMethod   string
	ProcessedBy     string
	Status          SaleStatus
	CreatedAt       time.Time
}

// SaleRepository persists settlement rows.
type SaleRepository interface {
	// Record inserts the sale and redundantly flips the order's payment
	// status to PAID in the same transaction. A live sale already existing
	// for the order makes this a no-op: created is false and no error is
	// returned, so at-least-once delivery cannot double-book.
	Record(ctx context.Context, s *Sale) (created bool, err error)
}

// LedgerWriter appends settlement records once funds are confirmed. The
// subtotal/tax split is back-computed from the gross amount at a fixed rate
// because the provider reports only the gross.
type LedgerWriter struct {
	sales   SaleRepository
	taxRate decimal.Decimal
}

// NewLedgerWriter creates a LedgerWriter. taxRate is a fraction, e.g. 0.08.
func NewLedgerWriter(sales SaleRepository, taxRate decimal.Decimal) *LedgerWriter {
	return &LedgerWriter{sales: sales, taxRate: taxRate}
}

// RecordSale writes one settlement row for the order. It is safe to call
// redundantly: replays return the existing outcome without a second row.
func (w *LedgerWriter) RecordSale(ctx context.Context, o *order.Order, gross decimal.Decimal, paymentMethod, actor string) (string, error) {
	subtotal, tax := w.splitGross(gross)

	s := &Sale{
		ID:              uuid.New().String(),
		OrderID:         o.ID,
		PaymentIntentID: o.PaymentIntentID,
		Subtotal:        subtotal,
		Tax:             tax,
		Tip:             decimal.Zero,
		Discount:        o.DiscountAmount,
		Total:           gross.Round(2),
		PaymentMethod:   paymentMethod,
		ProcessedBy:     actor,
		Status:          SaleCompleted,
	}

	created, err := w.sales.Record(ctx, s)
	if err != nil {
		return "", errors.Wrapf(err, "record sale for order %s", o.ID)
	}
	if !created {
		return "", nil
	}
	return s.ID, nil
}

// splitGross back-computes the pre-tax subtotal and the tax portion from a
// tax-inclusive gross amount.
func (w *LedgerWriter) splitGross(gross decimal.Decimal) (subtotal, tax decimal.Decimal) {
	divisor := decimal.NewFromInt(1).Add(w.taxRate)
	subtotal = gross.Div(divisor).Round(2)
	tax = gross.Sub(subtotal).Round(2)
	return subtotal, tax
}
