package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dishpatch/dishpatch/internal/domain/payment"
)

const (
	// The partial unique index sales_order_id_live_key makes the insert a
	// no-op when a live sale already exists for the order.
	createSaleSQL = `INSERT INTO sales
		(id, order_id, payment_intent_id, subtotal, tax, tip, discount,
		 total, payment_method, processed_by, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (order_id) WHERE status <> 'voided' DO NOTHING`

	// Redundant with the reconciler's own transition, and deliberately so:
	// recordSale must be safe to call on its own (e.g. staff-entered cash
	// sales) and still leave the order settled.
	settleOrderSQL = `UPDATE orders SET
		payment_status = 'PAID',
		updated_at = now()
		WHERE id = $1 AND payment_status <> 'PAID'`
)

var _ payment.SaleRepository = (*SaleRepository)(nil)

// SaleRepository implements payment.SaleRepository backed by PostgreSQL.
type SaleRepository struct {
	pool *pgxpool.Pool
}

// NewSaleRepository returns a SaleRepository that uses the given pool.
func NewSaleRepository(pool *pgxpool.Pool) *SaleRepository {
	return &SaleRepository{pool: pool}
}

// Record inserts the sale and flips the order's payment status to PAID in
// one transaction. Returns created=false when a live sale already exists.
func (r *SaleRepository) Record(ctx context.Context, s *payment.Sale) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, createSaleSQL,
		s.ID, s.OrderID, nullable(s.PaymentIntentID),
		s.Subtotal, s.Tax, s.Tip, s.Discount, s.Total,
		s.PaymentMethod, s.ProcessedBy, string(s.Status),
	)
	if err != nil {
		return false, fmt.Errorf("creating sale for order %q: %w", s.OrderID, err)
	}
	created := tag.RowsAffected() > 0

	if created {
		if _, err := tx.Exec(ctx, settleOrderSQL, s.OrderID); err != nil {
			return false, fmt.Errorf("settling order %q: %w", s.OrderID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return created, nil
}
