//go:build integration

package integration

// Repository-level tests against an orders table that predates the
// provider correlation columns. The legacy shape has to be built by hand
// in a scratch schema, so unlike the HTTP tests these go through the
// repositories directly.

import (
	"context"
	"testing"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dishpatch/dishpatch/internal/domain/order"
	"github.com/dishpatch/dishpatch/internal/domain/payment"
	"github.com/dishpatch/dishpatch/internal/domain/promotion"
	"github.com/dishpatch/dishpatch/internal/repository"
)

// The orders table as deployments had it before the provider correlation
// columns landed: no payment_intent_id, no charge_id.
const legacySchemaDDL = `
CREATE TABLE orders (
    id                TEXT PRIMARY KEY,
    user_id           TEXT NOT NULL DEFAULT '',
    items             JSONB NOT NULL DEFAULT '[]',
    subtotal          NUMERIC(12, 2) NOT NULL DEFAULT 0,
    discount_amount   NUMERIC(12, 2) NOT NULL DEFAULT 0,
    total             NUMERIC(12, 2) NOT NULL DEFAULT 0,
    status            TEXT NOT NULL DEFAULT 'PENDING',
    payment_status    TEXT NOT NULL DEFAULT 'PENDING',
    promotion_id      TEXT,
    order_type        TEXT NOT NULL DEFAULT 'pickup',
    pickup_time       TEXT NOT NULL DEFAULT '',
    status_notes      JSONB NOT NULL DEFAULT '[]',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE sales (
    id                TEXT PRIMARY KEY,
    order_id          TEXT NOT NULL REFERENCES orders (id),
    payment_intent_id TEXT,
    subtotal          NUMERIC(12, 2) NOT NULL DEFAULT 0,
    tax               NUMERIC(12, 2) NOT NULL DEFAULT 0,
    tip               NUMERIC(12, 2) NOT NULL DEFAULT 0,
    discount          NUMERIC(12, 2) NOT NULL DEFAULT 0,
    total             NUMERIC(12, 2) NOT NULL DEFAULT 0,
    payment_method    TEXT NOT NULL DEFAULT 'card',
    processed_by      TEXT NOT NULL DEFAULT 'system',
    status            TEXT NOT NULL DEFAULT 'completed',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX sales_order_id_live_key
    ON sales (order_id)
    WHERE status <> 'voided';
`

// legacyPool connects to the compose database with search_path pointed at
// a scratch schema holding the legacy table shape.
func legacyPool(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()

	cfg, err := pgxpool.ParseConfig(postgresDSN)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = "legacy_orders"
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `DROP SCHEMA IF EXISTS legacy_orders CASCADE`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `CREATE SCHEMA legacy_orders`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, legacySchemaDDL)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DROP SCHEMA IF EXISTS legacy_orders CASCADE`)
	})

	return pool
}

type discardUsage struct{}

func (discardUsage) Record(context.Context, promotion.UsageInput) (string, error) {
	return "", nil
}

func TestSettleOnSchemaWithoutCorrelationColumns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool := legacyPool(ctx, t)
	orders := repository.NewOrderRepository(pool)
	ledger := payment.NewLedgerWriter(repository.NewSaleRepository(pool), decimal.NewFromFloat(0.08))
	rec := payment.NewReconciler(orders, ledger, discardUsage{})

	total := decimal.NewFromFloat(12.50)
	o := &order.Order{
		ID:            "ord-legacy-1",
		UserID:        "user-legacy",
		Items:         []order.Item{{MenuItemID: "item-1", Name: "Burger", Quantity: 1, UnitPrice: total}},
		Subtotal:      total,
		Total:         total,
		Status:        order.StatusPending,
		PaymentStatus: order.PaymentPending,
	}
	require.NoError(t, orders.Create(ctx, o))

	ev := &payment.Event{
		ID:              "evt_legacy_1",
		Type:            payment.EventChargeSucceeded,
		Amount:          total,
		Created:         time.Now(),
		PaymentIntentID: "pi_legacy_1",
		ChargeID:        "ch_legacy_1",
		Metadata:        payment.Metadata{OrderID: o.ID, UserID: o.UserID},
	}

	out, err := rec.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, out.AlreadyProcessed)
	assert.Empty(t, out.Warnings)
	assert.NotEmpty(t, out.SaleID)

	got, err := orders.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, order.StatusConfirmed, got.Status)

	// Replay is exactly as idempotent on the old shape.
	out, err = rec.HandleEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, out.AlreadyProcessed)

	var sales int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sales WHERE order_id = $1`, o.ID).Scan(&sales))
	assert.Equal(t, 1, sales)
}

func TestMarkPaidOnLegacySchemaKeepsNotes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool := legacyPool(ctx, t)
	orders := repository.NewOrderRepository(pool)

	o := &order.Order{
		ID:            "ord-legacy-2",
		UserID:        "user-legacy",
		Subtotal:      decimal.NewFromInt(9),
		Total:         decimal.NewFromInt(9),
		Status:        order.StatusPending,
		PaymentStatus: order.PaymentPending,
		StatusNotes:   []string{"Order placed"},
	}
	require.NoError(t, orders.Create(ctx, o))

	res, err := orders.MarkPaid(ctx, o.ID, order.Correlation{
		PaymentIntentID: "pi_legacy_2",
		ChargeID:        "ch_legacy_2",
	}, "Payment confirmed")
	require.NoError(t, err)
	require.False(t, res.AlreadyPaid)

	assert.Equal(t, order.PaymentPaid, res.Order.PaymentStatus)
	assert.Equal(t, []string{"Order placed", "Payment confirmed"}, res.Order.StatusNotes)
	// The legacy shape simply has nowhere to keep the correlation.
	assert.Empty(t, res.Order.PaymentIntentID)
	assert.Empty(t, res.Order.ChargeID)
}
