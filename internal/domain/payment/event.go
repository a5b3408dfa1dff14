package payment

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dishpatch/dishpatch/internal/domain/order"
)

// EventType is the closed set of provider notifications the reconciler
// understands. Anything else is acknowledged as a no-op.
type EventType string

const (
	EventChargeSucceeded   EventType = "charge.succeeded"
	EventIntentSucceeded   EventType = "payment_intent.succeeded"
	EventCheckoutCompleted EventType = "checkout.session.completed"
	EventIntentFailed      EventType = "payment_intent.payment_failed"
)

// IsSuccess reports whether the event confirms payment.
func (t EventType) IsSuccess() bool {
	switch t {
	case EventChargeSucceeded, EventIntentSucceeded, EventCheckoutCompleted:
		return true
	}
	return false
}

// IsKnown reports whether the event type belongs to the handled set.
func (t EventType) IsKnown() bool {
	return t.IsSuccess() || t == EventIntentFailed
}

// MetadataError is a typed decoding failure for the event's metadata bag.
// Metadata is client-supplied and must never be trusted for identity, so a
// malformed bag is a permanent defect: the ingress acknowledges the event
// and surfaces this through logs rather than triggering provider retries.
type MetadataError struct {
	Field  string
	Reason string
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("invalid event metadata: field %q: %s", e.Field, e.Reason)
}

// Metadata is the typed projection of the provider's free-form metadata
// map, decoded exactly once at the ingress boundary.
type Metadata struct {
	OrderID        string
	UserID         string
	Items          []order.Item
	OrderType      string
	PickupTime     string
	PromotionID    string
	CouponCode     string
	DiscountAmount decimal.Decimal
}

// Event is a single provider payment notification.
type Event struct {
	ID              string
	Type            EventType
	Amount          decimal.Decimal
	Created         time.Time
	PaymentIntentID string
	ChargeID        string
	FailureMessage  string
	Metadata        Metadata
}

// envelope mirrors the provider wire format. Monetary amounts arrive in the
// smallest currency unit.
type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID             string            `json:"id"`
			PaymentIntent  string            `json:"payment_intent"`
			Amount         int64             `json:"amount"`
			AmountTotal    int64             `json:"amount_total"`
			FailureMessage string            `json:"failure_message"`
			LastPaymentErr *struct {
				Message string `json:"message"`
			} `json:"last_payment_error"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// DecodeEvent parses a verified event body into a typed Event. The metadata
// bag is decoded here, once, so the reconciler never touches raw JSON.
func DecodeEvent(body []byte) (*Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &MetadataError{Field: "envelope", Reason: err.Error()}
	}
	if env.ID == "" {
		return nil, &MetadataError{Field: "id", Reason: "missing event id"}
	}
	if env.Type == "" {
		return nil, &MetadataError{Field: "type", Reason: "missing event type"}
	}

	obj := env.Data.Object
	ev := &Event{
		ID:      env.ID,
		Type:    EventType(env.Type),
		Created: time.Unix(env.Created, 0).UTC(),
	}

	// Cents to currency units.
	amount := obj.Amount
	if amount == 0 {
		amount = obj.AmountTotal
	}
	ev.Amount = decimal.New(amount, -2)

	switch ev.Type {
	case EventChargeSucceeded:
		ev.ChargeID = obj.ID
		ev.PaymentIntentID = obj.PaymentIntent
	default:
		ev.PaymentIntentID = obj.ID
		if obj.PaymentIntent != "" {
			ev.PaymentIntentID = obj.PaymentIntent
		}
	}

	ev.FailureMessage = obj.FailureMessage
	if ev.FailureMessage == "" && obj.LastPaymentErr != nil {
		ev.FailureMessage = obj.LastPaymentErr.Message
	}

	md, err := decodeMetadata(obj.Metadata)
	if err != nil {
		return nil, err
	}
	ev.Metadata = md

	return ev, nil
}

// decodeMetadata converts the untyped string map into the typed Metadata.
// The items value is a JSON-serialized cart list, set by the client at
// payment-creation time.
func decodeMetadata(m map[string]string) (Metadata, error) {
	md := Metadata{
		OrderID:     m["orderId"],
		UserID:      m["userId"],
		OrderType:   m["orderType"],
		PickupTime:  m["pickupTime"],
		PromotionID: m["promotionId"],
		CouponCode:  m["couponCode"],
	}

	if raw, ok := m["items"]; ok && raw != "" {
		var items []metadataItem
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return Metadata{}, &MetadataError{Field: "items", Reason: err.Error()}
		}
		md.Items = make([]order.Item, len(items))
		for i, it := range items {
			if it.Quantity <= 0 {
				return Metadata{}, &MetadataError{
					Field:  "items",
					Reason: fmt.Sprintf("non-positive quantity for item %q", it.ID),
				}
			}
			md.Items[i] = order.Item{
				MenuItemID: it.ID,
				Name:       it.Name,
				Category:   it.Category,
				Quantity:   it.Quantity,
				UnitPrice:  it.Price,
			}
		}
	}

	if raw, ok := m["discount"]; ok && raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return Metadata{}, &MetadataError{Field: "discount", Reason: err.Error()}
		}
		md.DiscountAmount = d
	}

	return md, nil
}

// metadataItem is the client-side cart item shape inside metadata["items"].
type metadataItem struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}
