// Package validatorsvc implements the Validator stage: consume raw events
// from validator_input_queue, schema-check them, forward valid bodies to
// processing_exchange, and DLQ the rest — retrying transient failures with
// exponential backoff first.
//
// The business logic lives in a pure processWithRetry method, called from a
// thin HandleDelivery wrapper that only knows about acks, so the state
// machine is unit-testable without a broker connection.
package validatorsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/xshift007/eventpipe/internal/broker"
	"github.com/xshift007/eventpipe/internal/event"
	"github.com/xshift007/eventpipe/internal/middleware"
	"github.com/xshift007/eventpipe/internal/schema"
)

// PermanentError marks a delivery that can never succeed on retry — bad
// JSON or a schema violation. The caller DLQs it and acks, never nacks.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return e.Reason }

// Publisher is the subset of *broker.Publisher the Validator needs. Defined
// as an interface so tests can substitute a fake instead of a live channel.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, persistent bool, headers amqp.Table) error
}

// Validator consumes validator_input_queue and enforces the schema registry.
type Validator struct {
	registry  *schema.Registry
	publisher Publisher
	log       *zap.Logger

	maxRetries     int
	baseBackoff    time.Duration
	simulateErrors bool

	// rand and sleep are overridden in tests so the 0.3-probability chaos
	// hook and the backoff schedule are deterministic instead of flaky.
	rand  func() float64
	sleep func(time.Duration)
}

// New builds a Validator. maxRetries/baseBackoff/simulateErrors come from
// config.Settings (MAX_RETRIES, BASE_BACKOFF, SIMULATE_ERRORS).
func New(registry *schema.Registry, pub Publisher, log *zap.Logger, maxRetries int, baseBackoff time.Duration, simulateErrors bool) *Validator {
	return &Validator{
		registry:       registry,
		publisher:      pub,
		log:            log,
		maxRetries:     maxRetries,
		baseBackoff:    baseBackoff,
		simulateErrors: simulateErrors,
		rand:           rand.Float64,
		sleep:          time.Sleep,
	}
}

// HandleDelivery runs the full received→parsing→validating→(forwarded|dlq|retrying)→acked
// state machine for one broker delivery and issues exactly one ack/nack.
func (v *Validator) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	if err := v.processWithRetry(ctx, d.Body, d.RoutingKey); err != nil {
		fields := []zap.Field{zap.Error(err), zap.String("routing_key", d.RoutingKey)}
		if cid := correlationIDFromBody(d.Body); cid != "" {
			fields = append(fields, zap.String("correlation_id", cid))
		}
		v.log.Error("delivery dropped after DLQ publish failure", fields...)
	}
	if err := d.Ack(false); err != nil {
		v.log.Error("ack failed", zap.Error(err))
	}
}

// processWithRetry implements the retry policy: up to maxRetries additional
// attempts on transient errors, backoff
// baseBackoff*2^(k-1) before attempt k, DLQ on permanent failure or
// exhaustion. It always resolves to a DLQ publish or a processing_exchange
// forward — never leaves the message in limbo — so the caller can always ack.
func (v *Validator) processWithRetry(ctx context.Context, body []byte, routingKey string) error {
	if cid := correlationIDFromBody(body); cid != "" {
		ctx = middleware.WithCorrelationID(ctx, cid)
	}

	var lastErr error
	for attempt := 0; attempt <= v.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(v.baseBackoff) * float64(uint(1)<<uint(attempt-1)))
			v.sleep(backoff)
		}

		err := v.attempt(ctx, body, routingKey, attempt)
		if err == nil {
			return nil
		}

		var perm *PermanentError
		if ok := asPermanent(err, &perm); ok {
			return v.dlq(ctx, body, perm.Reason)
		}
		lastErr = err
		v.log.Warn("transient validator error, will retry",
			append(correlationFields(ctx), zap.Int("attempt", attempt+1), zap.Error(err))...,
		)
	}
	return v.dlq(ctx, body, fmt.Sprintf("Max retries exceeded: %v", lastErr))
}

// correlationIDFromBody best-effort extracts correlation_id (falling back
// to event_id) from an undecoded delivery body, so even a delivery that
// later fails full envelope validation still logs and publishes with its
// correlation ID attached.
func correlationIDFromBody(body []byte) string {
	var partial struct {
		CorrelationID string `json:"correlation_id"`
		EventID       string `json:"event_id"`
	}
	if err := json.Unmarshal(body, &partial); err != nil {
		return ""
	}
	if partial.CorrelationID != "" {
		return partial.CorrelationID
	}
	return partial.EventID
}

// correlationFields returns a zap field carrying ctx's correlation ID, if
// one was attached, or nil otherwise.
func correlationFields(ctx context.Context) []zap.Field {
	if cid, ok := middleware.CorrelationID(ctx); ok {
		return []zap.Field{zap.String("correlation_id", cid)}
	}
	return nil
}

// attempt runs one parse/validate/forward cycle, including the chaos hook.
func (v *Validator) attempt(ctx context.Context, body []byte, routingKey string, attemptIndex int) error {
	if v.simulateErrors && attemptIndex < 2 && v.rand() < 0.3 {
		return fmt.Errorf("simulated transient error (attempt %d)", attemptIndex+1)
	}

	var env event.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return &PermanentError{Reason: fmt.Sprintf("Formato inválido de JSON: %v", err)}
	}

	if verr := v.registry.Validate(&env); verr != nil {
		return &PermanentError{Reason: verr.Reason}
	}

	if err := v.publisher.Publish(ctx, broker.ExchangeProcessing, routingKey, body, true, nil); err != nil {
		return fmt.Errorf("publish to processing_exchange: %w", err)
	}
	return nil
}

// dlq wraps body in a DLQEnvelope and publishes it to dlq_exchange. original
// is kept as raw JSON when body parses, or the raw string body otherwise.
func (v *Validator) dlq(ctx context.Context, body []byte, reason string) error {
	var original json.RawMessage
	if json.Valid(body) {
		original = json.RawMessage(body)
	} else {
		raw, _ := json.Marshal(string(body))
		original = json.RawMessage(raw)
	}

	env := event.NewDLQEnvelope(original, reason, "validator")
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal DLQ envelope: %w", err)
	}

	if err := v.publisher.Publish(ctx, broker.ExchangeDLQ, broker.RoutingKeyDeadLetter, payload, true, nil); err != nil {
		return fmt.Errorf("publish to dlq_exchange: %w", err)
	}
	v.log.Info("routed to DLQ", append(correlationFields(ctx), zap.String("reason", reason))...)
	return nil
}

func asPermanent(err error, out **PermanentError) bool {
	pe, ok := err.(*PermanentError)
	if ok {
		*out = pe
	}
	return ok
}
