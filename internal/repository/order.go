package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dishpatch/dishpatch/internal/domain/order"
)

const pgUniqueViolation = "23505"

const (
	orderColumns = `id, user_id, items, subtotal, discount_amount, total,
		status, payment_status, payment_intent_id, charge_id, promotion_id,
		order_type, pickup_time, status_notes, created_at, updated_at`

	// Column list for deployments whose orders table predates the provider
	// correlation columns. The NULL placeholders keep a single row scanner.
	orderColumnsLegacy = `id, user_id, items, subtotal, discount_amount, total,
		status, payment_status, NULL::text AS payment_intent_id,
		NULL::text AS charge_id, promotion_id,
		order_type, pickup_time, status_notes, created_at, updated_at`

	// The correlation columns arrived in a later migration, so their
	// presence is probed up front. Catching undefined-column errors
	// mid-transaction cannot work: the failed statement leaves the
	// transaction aborted and any retry inside it fails with 25P02.
	probeCorrelationSQL = `SELECT COUNT(*) FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = 'orders'
		AND column_name IN ('payment_intent_id', 'charge_id')`

	createOrderSQL = `INSERT INTO orders
		(id, user_id, items, subtotal, discount_amount, total, status,
		 payment_status, payment_intent_id, charge_id, promotion_id,
		 order_type, pickup_time, status_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	createOrderLegacySQL = `INSERT INTO orders
		(id, user_id, items, subtotal, discount_amount, total, status,
		 payment_status, promotion_id, order_type, pickup_time, status_notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	lockOrderSQL = `SELECT payment_status, status_notes FROM orders
		WHERE id = $1 FOR UPDATE`

	markPaidSQL = `UPDATE orders SET
		payment_status = 'PAID',
		status = CASE WHEN status = 'PENDING' THEN 'CONFIRMED' ELSE status END,
		payment_intent_id = COALESCE(NULLIF($2, ''), payment_intent_id),
		charge_id = COALESCE(NULLIF($3, ''), charge_id),
		status_notes = $4,
		updated_at = now()
		WHERE id = $1`

	// Fallback for deployments whose orders table predates the provider
	// correlation columns.
	markPaidLegacySQL = `UPDATE orders SET
		payment_status = 'PAID',
		status = CASE WHEN status = 'PENDING' THEN 'CONFIRMED' ELSE status END,
		status_notes = $2,
		updated_at = now()
		WHERE id = $1`

	markFailedSQL = `UPDATE orders SET
		payment_status = 'FAILED',
		status = 'PENDING',
		status_notes = $2,
		updated_at = now()
		WHERE id = $1`

	applyPromotionSQL = `UPDATE orders SET
		promotion_id = $2,
		discount_amount = $3,
		total = GREATEST(subtotal - $3, 0),
		updated_at = now()
		WHERE id = $1 AND promotion_id IS NULL`

	countOrdersByUserSQL = `SELECT COUNT(*) FROM orders WHERE user_id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Payment
// state transitions run inside a transaction holding the order's row lock,
// so two concurrently processed events for one order serialize.
type OrderRepository struct {
	pool *pgxpool.Pool

	mu          sync.Mutex
	corrColumns *bool // nil until the schema has been probed
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// correlationSupported reports whether the orders table carries the
// provider correlation columns. Deployments that predate them go through
// the legacy statements instead of losing events. The answer is probed
// once and cached for the life of the repository.
func (r *OrderRepository) correlationSupported(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.corrColumns != nil {
		return *r.corrColumns, nil
	}

	var n int
	if err := r.pool.QueryRow(ctx, probeCorrelationSQL).Scan(&n); err != nil {
		return false, fmt.Errorf("probing orders schema: %w", err)
	}
	supported := n == 2
	r.corrColumns = &supported
	return supported, nil
}

func (r *OrderRepository) columns(ctx context.Context) (string, error) {
	supported, err := r.correlationSupported(ctx)
	if err != nil {
		return "", err
	}
	if !supported {
		return orderColumnsLegacy, nil
	}
	return orderColumns, nil
}

// Create persists a new order. Items and status notes are serialized to
// JSONB. A conflicting payment intent yields order.ErrDuplicateIntent.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}
	notesJSON, err := json.Marshal(notesOrEmpty(o.StatusNotes))
	if err != nil {
		return fmt.Errorf("marshaling status notes: %w", err)
	}

	corrSupported, err := r.correlationSupported(ctx)
	if err != nil {
		return err
	}
	if corrSupported {
		_, err = r.pool.Exec(ctx, createOrderSQL,
			o.ID, o.UserID, itemsJSON, o.Subtotal, o.DiscountAmount, o.Total,
			string(o.Status), string(o.PaymentStatus),
			nullable(o.PaymentIntentID), nullable(o.ChargeID), nullable(o.PromotionID),
			o.OrderType, o.PickupTime, notesJSON,
		)
	} else {
		_, err = r.pool.Exec(ctx, createOrderLegacySQL,
			o.ID, o.UserID, itemsJSON, o.Subtotal, o.DiscountAmount, o.Total,
			string(o.Status), string(o.PaymentStatus), nullable(o.PromotionID),
			o.OrderType, o.PickupTime, notesJSON,
		)
	}
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return order.ErrDuplicateIntent
		}
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// GetByID fetches an order by its ID.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	cols, err := r.columns(ctx)
	if err != nil {
		return nil, err
	}
	return r.getBy(ctx, `SELECT `+cols+` FROM orders WHERE id = $1`, id)
}

// GetByPaymentIntentID fetches an order by its provider intent correlation.
// A schema without the correlation columns has nothing to correlate on, so
// the lookup reports not-found and callers fall back to metadata
// resolution or synthesis.
func (r *OrderRepository) GetByPaymentIntentID(ctx context.Context, intentID string) (*order.Order, error) {
	corrSupported, err := r.correlationSupported(ctx)
	if err != nil {
		return nil, err
	}
	if !corrSupported {
		return nil, order.ErrNotFound
	}
	return r.getBy(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_intent_id = $1`, intentID)
}

func (r *OrderRepository) getBy(ctx context.Context, query, arg string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("scanning order: %w", err)
	}
	return &o, nil
}

// MarkPaid settles the order under its row lock. Already-PAID orders are
// left untouched and reported via SettleResult.AlreadyPaid. When the
// correlation columns are missing from the schema, the same transition is
// persisted without them instead of the event being lost.
func (r *OrderRepository) MarkPaid(ctx context.Context, id string, corr order.Correlation, note string) (*order.SettleResult, error) {
	corrSupported, err := r.correlationSupported(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	status, notes, err := lockOrder(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if status == string(order.PaymentPaid) {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("committing transaction: %w", err)
		}
		o, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		return &order.SettleResult{AlreadyPaid: true, Order: o}, nil
	}

	notesJSON, err := json.Marshal(append(notes, note))
	if err != nil {
		return nil, fmt.Errorf("marshaling status notes: %w", err)
	}

	if corrSupported {
		_, err = tx.Exec(ctx, markPaidSQL, id, corr.PaymentIntentID, corr.ChargeID, notesJSON)
	} else {
		_, err = tx.Exec(ctx, markPaidLegacySQL, id, notesJSON)
	}
	if err != nil {
		return nil, fmt.Errorf("marking order %q paid: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	o, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &order.SettleResult{Order: o}, nil
}

// MarkFailed records a failed payment attempt. A failure arriving after
// the order settled is stale: the row stays PAID and stale=true is
// returned.
func (r *OrderRepository) MarkFailed(ctx context.Context, id string, note string) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	status, notes, err := lockOrder(ctx, tx, id)
	if err != nil {
		return false, err
	}

	if status == string(order.PaymentPaid) {
		return true, tx.Commit(ctx)
	}

	notesJSON, err := json.Marshal(append(notes, note))
	if err != nil {
		return false, fmt.Errorf("marshaling status notes: %w", err)
	}
	if _, err := tx.Exec(ctx, markFailedSQL, id, notesJSON); err != nil {
		return false, fmt.Errorf("marking order %q failed: %w", id, err)
	}
	return false, tx.Commit(ctx)
}

// ApplyPromotion links a promotion to an order that does not have one yet.
func (r *OrderRepository) ApplyPromotion(ctx context.Context, id, promotionID string, discount decimal.Decimal) error {
	tag, err := r.pool.Exec(ctx, applyPromotionSQL, id, promotionID, discount)
	if err != nil {
		return fmt.Errorf("applying promotion to order %q: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing updated: distinguish a missing order from one that already
	// carries a promotion.
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return order.ErrPromotionApplied
}

// CountByUser returns the number of orders the user has placed.
func (r *OrderRepository) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countOrdersByUserSQL, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting orders for user %q: %w", userID, err)
	}
	return n, nil
}

// lockOrder takes the row lock and returns the current payment status and
// status notes.
func lockOrder(ctx context.Context, tx pgx.Tx, id string) (string, []string, error) {
	var (
		status    string
		notesJSON []byte
	)
	err := tx.QueryRow(ctx, lockOrderSQL, id).Scan(&status, &notesJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, order.ErrNotFound
		}
		return "", nil, fmt.Errorf("locking order %q: %w", id, err)
	}

	var notes []string
	if len(notesJSON) > 0 {
		if err := json.Unmarshal(notesJSON, &notes); err != nil {
			return "", nil, fmt.Errorf("unmarshaling status notes: %w", err)
		}
	}
	return status, notes, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o          order.Order
		itemsJSON  []byte
		notesJSON  []byte
		intentID   *string
		chargeID   *string
		promoID    *string
		status     string
		payStatus  string
	)
	err := row.Scan(
		&o.ID, &o.UserID, &itemsJSON, &o.Subtotal, &o.DiscountAmount, &o.Total,
		&status, &payStatus, &intentID, &chargeID, &promoID,
		&o.OrderType, &o.PickupTime, &notesJSON, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return order.Order{}, err
	}

	o.Status = order.Status(status)
	o.PaymentStatus = order.PaymentStatus(payStatus)
	o.PaymentIntentID = deref(intentID)
	o.ChargeID = deref(chargeID)
	o.PromotionID = deref(promoID)

	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
			return order.Order{}, fmt.Errorf("unmarshaling order items: %w", err)
		}
	}
	if len(notesJSON) > 0 {
		if err := json.Unmarshal(notesJSON, &o.StatusNotes); err != nil {
			return order.Order{}, fmt.Errorf("unmarshaling status notes: %w", err)
		}
	}
	return o, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func notesOrEmpty(notes []string) []string {
	if notes == nil {
		return []string{}
	}
	return notes
}
