package handler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/dishpatch/dishpatch/internal/domain/payment"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// maxWebhookBody bounds the request body read. Provider events are a few KB.
const maxWebhookBody = 1 << 20

// webhookDeliveries counts deliveries by result: settled, replay, rejected
// signature, malformed, failed.
var webhookDeliveries, _ = otel.Meter("dishpatch.handler").Int64Counter(
	"webhook.deliveries",
	metric.WithDescription("Payment webhook deliveries by result"),
)

func countDelivery(ctx context.Context, result string) {
	webhookDeliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// PaymentWebhook ingests provider payment notifications. The signature is
// verified against the raw, unparsed bytes before any JSON decoding. A bad
// signature gets 400 so the provider retries with a corrected one; every
// other path, including reconciliation defects, is acknowledged with 200:
// retries cannot fix a permanent defect.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	lg := zctx.From(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, "unable to read request body")
		return
	}

	if err := h.verifySignature(body, r.Header.Get(SignatureHeader)); err != nil {
		lg.Warn("webhook signature verification failed", zap.Error(err))
		countDelivery(ctx, "rejected_signature")
		respondError(w, r, http.StatusBadRequest, "signature verification failed: "+err.Error())
		return
	}

	ev, err := payment.DecodeEvent(body)
	if err != nil {
		// Verified but malformed: retrying cannot fix the sender's payload,
		// so acknowledge and surface through logs.
		lg.Error("webhook event decode failed", zap.Error(err))
		countDelivery(ctx, "malformed")
		writeWebhookAck(w, "unknown", "malformed event payload")
		return
	}

	if h.dedup.seen(ev.ID) {
		// Advisory only: bloom positives can be false, so the event still
		// runs through the reconciler's authoritative idempotency check.
		lg.Debug("event id seen before, likely provider retry",
			zap.String("event_id", ev.ID))
	}

	out, err := h.reconciler.HandleEvent(ctx, ev)
	if err != nil {
		lg.Error("payment event reconciliation failed",
			zap.String("event_id", ev.ID),
			zap.String("event_type", string(ev.Type)),
			zap.Error(err),
		)
		countDelivery(ctx, "failed")
		writeWebhookAck(w, string(ev.Type), "event received, processing failed")
		return
	}

	result := "processed"
	if out.AlreadyProcessed {
		result = "replay"
	}
	countDelivery(ctx, result)

	warning := ""
	if len(out.Warnings) > 0 {
		warning = out.Warnings[0].Error()
	}
	writeWebhookAck(w, string(ev.Type), warning)
}

// verifySignature checks the hex HMAC-SHA256 of body against the header
// value in constant time.
func (h *Handler) verifySignature(body []byte, header string) error {
	if header == "" {
		return errMissingSignature
	}
	provided, err := hex.DecodeString(header)
	if err != nil {
		return errMalformedSignature
	}

	mac := hmac.New(sha256.New, h.webhookSecret)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return errSignatureMismatch
	}
	return nil
}

var (
	errMissingSignature   = signatureError("missing signature header")
	errMalformedSignature = signatureError("signature is not valid hex")
	errSignatureMismatch  = signatureError("signature mismatch")
)

type signatureError string

func (e signatureError) Error() string { return string(e) }

// writeWebhookAck emits the 200 acknowledgement body. Success and warning
// are mutually exclusive per the response contract.
func writeWebhookAck(w http.ResponseWriter, eventType, warning string) {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("received")
	e.Bool(true)
	e.FieldStart("type")
	e.Str(eventType)
	if warning != "" {
		e.FieldStart("warning")
		e.Str(warning)
	} else {
		e.FieldStart("success")
		e.Bool(true)
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(e.Bytes())
}

// eventDedup is a fast-path duplicate suppressor over provider event IDs.
// It only trims log noise for hot retries; correctness always comes from
// the reconciler's own idempotency check.
type eventDedup struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

func newEventDedup() *eventDedup {
	return &eventDedup{
		filter: bloom.NewWithEstimates(1_000_000, 0.001),
	}
}

// seen reports whether the event ID was probably observed before, and
// records it.
func (d *eventDedup) seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.filter.TestOrAddString(id)
}
