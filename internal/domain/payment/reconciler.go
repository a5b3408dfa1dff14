package payment

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dishpatch/dishpatch/internal/domain/order"
	"github.com/dishpatch/dishpatch/internal/domain/promotion"
)

// ReconcileError marks a permanent reconciliation defect: an order that
// cannot be located or synthesized, or metadata the provider will keep
// re-sending unchanged. The ingress acknowledges these (no retry will fix
// them) and surfaces them through logs.
type ReconcileError struct {
	EventID string
	Reason  string
	Err     error
}

func (e *ReconcileError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reconcile event %s: %s: %v", e.EventID, e.Reason, e.Err)
	}
	return fmt.Sprintf("reconcile event %s: %s", e.EventID, e.Reason)
}

func (e *ReconcileError) Unwrap() error { return e.Err }

// Outcome reports what processing an event actually did. Warnings is the
// explicit channel for best-effort side effects that failed after the
// primary state transition committed; tests assert on it directly instead
// of scraping logs.
type Outcome struct {
	OrderID          string
	AlreadyProcessed bool
	Ignored          bool
	StaleFailure     bool
	Synthesized      bool
	SaleID           string
	UsageID          string
	Warnings         []error
}

// SaleWriter appends a settlement record. Satisfied by *LedgerWriter.
type SaleWriter interface {
	RecordSale(ctx context.Context, o *order.Order, gross decimal.Decimal, paymentMethod, actor string) (string, error)
}

// UsageWriter records a promotion redemption. Satisfied by
// *promotion.UsageRecorder.
type UsageWriter interface {
	Record(ctx context.Context, in promotion.UsageInput) (string, error)
}

var tracer = otel.Tracer("dishpatch.payment")

// Reconciler folds inbound payment events into order state exactly once.
// It only ever drives payment status; fulfillment progression past
// CONFIRMED belongs to staff tooling.
type Reconciler struct {
	orders order.Repository
	ledger SaleWriter
	usage  UsageWriter
}

// NewReconciler creates a Reconciler with its collaborators.
func NewReconciler(orders order.Repository, ledger SaleWriter, usage UsageWriter) *Reconciler {
	return &Reconciler{
		orders: orders,
		ledger: ledger,
		usage:  usage,
	}
}

// HandleEvent processes one provider event. It is idempotent per event:
// replaying a success for an already-PAID order produces no second sale,
// usage row, or counter bump. Events of unknown type are acknowledged as
// no-ops so the provider stops retrying.
func (r *Reconciler) HandleEvent(ctx context.Context, ev *Event) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "payment.reconcile",
		trace.WithAttributes(
			attribute.String("payment.event_id", ev.ID),
			attribute.String("payment.event_type", string(ev.Type)),
		))
	defer span.End()

	if !ev.Type.IsKnown() {
		zctx.From(ctx).Info("ignoring unrecognized payment event",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
		)
		return &Outcome{Ignored: true}, nil
	}

	if ev.Type == EventIntentFailed {
		return r.handleFailure(ctx, ev)
	}
	return r.handleSuccess(ctx, ev)
}

func (r *Reconciler) handleSuccess(ctx context.Context, ev *Event) (*Outcome, error) {
	lg := zctx.From(ctx)
	out := &Outcome{}

	o, err := r.resolveOrder(ctx, ev)
	if errors.Is(err, order.ErrNotFound) {
		o, err = r.synthesizeOrder(ctx, ev)
		if err != nil {
			return nil, err
		}
		out.Synthesized = true
	} else if err != nil {
		return nil, errors.Wrap(err, "resolve order")
	}
	out.OrderID = o.ID

	note := fmt.Sprintf("Payment confirmed via %s (%s)", ev.Type, ev.ID)
	res, err := r.orders.MarkPaid(ctx, o.ID, order.Correlation{
		PaymentIntentID: ev.PaymentIntentID,
		ChargeID:        ev.ChargeID,
	}, note)
	if err != nil {
		return nil, errors.Wrapf(err, "mark order %s paid", o.ID)
	}
	if res.AlreadyPaid {
		lg.Info("payment event already processed",
			zap.String("event_id", ev.ID),
			zap.String("order_id", o.ID),
		)
		out.AlreadyProcessed = true
		return out, nil
	}
	o = res.Order

	// The order is settled. Everything below is best-effort: a failure is
	// collected as a warning and must never unwind the committed transition.
	saleID, err := r.ledger.RecordSale(ctx, o, ev.Amount, "card", "system")
	if err != nil {
		lg.Error("sale ledger write failed",
			zap.String("order_id", o.ID), zap.Error(err))
		out.Warnings = append(out.Warnings, errors.Wrap(err, "record sale"))
	} else {
		out.SaleID = saleID
	}

	if ev.Metadata.PromotionID != "" && ev.Metadata.DiscountAmount.IsPositive() {
		usageID, err := r.usage.Record(ctx, promotion.UsageInput{
			PromotionID:    ev.Metadata.PromotionID,
			UserID:         o.UserID,
			OrderID:        o.ID,
			CouponCode:     ev.Metadata.CouponCode,
			DiscountAmount: ev.Metadata.DiscountAmount,
			OriginalAmount: o.Subtotal,
			FinalAmount:    ev.Amount,
			CartItemCount:  countUnits(o.Items),
		})
		if err != nil {
			lg.Error("promotion usage write failed",
				zap.String("order_id", o.ID),
				zap.String("promotion_id", ev.Metadata.PromotionID),
				zap.Error(err))
			out.Warnings = append(out.Warnings, errors.Wrap(err, "record promotion usage"))
		} else {
			out.UsageID = usageID
		}
	}

	return out, nil
}

func (r *Reconciler) handleFailure(ctx context.Context, ev *Event) (*Outcome, error) {
	o, err := r.resolveOrder(ctx, ev)
	if errors.Is(err, order.ErrNotFound) {
		// Nothing local to fail; a later success event will synthesize.
		return nil, &ReconcileError{EventID: ev.ID, Reason: "order not found for failure event"}
	}
	if err != nil {
		return nil, errors.Wrap(err, "resolve order")
	}

	note := "Payment failed"
	if ev.FailureMessage != "" {
		note = fmt.Sprintf("Payment failed: %s", ev.FailureMessage)
	}

	stale, err := r.orders.MarkFailed(ctx, o.ID, note)
	if err != nil {
		return nil, errors.Wrapf(err, "mark order %s failed", o.ID)
	}
	if stale {
		// A failure racing in after settlement never regresses PAID.
		zctx.From(ctx).Info("ignoring stale failure for settled order",
			zap.String("event_id", ev.ID),
			zap.String("order_id", o.ID),
		)
	}
	return &Outcome{OrderID: o.ID, StaleFailure: stale}, nil
}

// resolveOrder locates the order the event refers to: the client-supplied
// metadata order ID first, then the provider's intent correlation.
func (r *Reconciler) resolveOrder(ctx context.Context, ev *Event) (*order.Order, error) {
	if ev.Metadata.OrderID != "" {
		o, err := r.orders.GetByID(ctx, ev.Metadata.OrderID)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, order.ErrNotFound) {
			return nil, err
		}
	}
	if ev.PaymentIntentID != "" {
		return r.orders.GetByPaymentIntentID(ctx, ev.PaymentIntentID)
	}
	return nil, order.ErrNotFound
}

// synthesizeOrder creates an order on first sight of a payment event whose
// local record was never durably created before payment. The unique intent
// index makes two racing first-sight events converge on one row.
func (r *Reconciler) synthesizeOrder(ctx context.Context, ev *Event) (*order.Order, error) {
	md := ev.Metadata
	if md.UserID == "" || len(md.Items) == 0 {
		return nil, &ReconcileError{
			EventID: ev.ID,
			Reason:  "order not found and metadata is insufficient to synthesize",
		}
	}

	sub := decimal.Zero
	for _, it := range md.Items {
		sub = sub.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	total := sub.Sub(md.DiscountAmount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	o := &order.Order{
		ID:              uuid.New().String(),
		UserID:          md.UserID,
		Items:           md.Items,
		Subtotal:        sub.Round(2),
		DiscountAmount:  md.DiscountAmount.Round(2),
		Total:           total.Round(2),
		Status:          order.StatusConfirmed,
		PaymentStatus:   order.PaymentPending,
		PaymentIntentID: ev.PaymentIntentID,
		PromotionID:     md.PromotionID,
		OrderType:       md.OrderType,
		PickupTime:      md.PickupTime,
		StatusNotes:     []string{fmt.Sprintf("Synthesized from payment event %s", ev.ID)},
	}

	err := r.orders.Create(ctx, o)
	if errors.Is(err, order.ErrDuplicateIntent) {
		// Lost the race: another event already created the order.
		return r.orders.GetByPaymentIntentID(ctx, ev.PaymentIntentID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "create synthesized order")
	}

	zctx.From(ctx).Info("synthesized order from payment event",
		zap.String("event_id", ev.ID),
		zap.String("order_id", o.ID),
	)
	return o, nil
}

func countUnits(items []order.Item) int {
	n := 0
	for _, it := range items {
		n += it.Quantity
	}
	return n
}
