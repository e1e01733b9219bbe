package auditsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/xshift007/eventpipe/internal/event"
	"github.com/xshift007/eventpipe/internal/middleware"
)

// Consumer wires the Store to the two independent broker queues audit
// listens on: audit_queue for events, audit_metrics_queue for metrics. It
// also appends a best-effort JSON-Lines copy of every ingested event to
// LogFilePath.
type Consumer struct {
	store       *Store
	log         *zap.Logger
	logFilePath string

	logMu sync.Mutex
	now   func() time.Time
}

// NewConsumer builds a Consumer backed by store, appending to logFilePath.
func NewConsumer(store *Store, log *zap.Logger, logFilePath string) *Consumer {
	return &Consumer{store: store, log: log, logFilePath: logFilePath, now: time.Now}
}

// HandleEvent implements the events_in ingestion path and its ack/nack
// taxonomy: poison input is acked and dropped; a DB error is nacked with
// requeue.
func (c *Consumer) HandleEvent(ctx context.Context, d amqp.Delivery) {
	if cid := correlationIDFromBody(d.Body); cid != "" {
		ctx = middleware.WithCorrelationID(ctx, cid)
	}
	err := c.ingestEvent(ctx, d)
	switch {
	case err == nil:
		d.Ack(false)
	case isPoison(err):
		c.log.Warn("dropping poison event delivery", append(correlationFields(ctx), zap.Error(err))...)
		d.Ack(false)
	default:
		c.log.Error("requeueing event delivery after storage error", append(correlationFields(ctx), zap.Error(err))...)
		d.Nack(false, true)
	}
}

// correlationIDFromBody best-effort extracts correlation_id (falling back to
// event_id) from an undecoded delivery body.
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

// correlationFields returns a zap field carrying ctx's correlation ID, if one
// was attached, or nil otherwise.
func correlationFields(ctx context.Context) []zap.Field {
	if cid, ok := middleware.CorrelationID(ctx); ok {
		return []zap.Field{zap.String("correlation_id", cid)}
	}
	return nil
}

func (c *Consumer) ingestEvent(ctx context.Context, d amqp.Delivery) error {
	var env event.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return &PoisonError{Reason: fmt.Sprintf("decode event: %v", err)}
	}
	if env.EventID == "" || env.Timestamp == "" || env.Region == "" || env.Source == "" {
		return &PoisonError{Reason: "missing required envelope field"}
	}

	runID := resolveRunID(d.Headers, d.Body)

	rec := EventRecord{
		EventID:       env.EventID,
		Timestamp:     env.Timestamp,
		Region:        env.Region,
		Source:        env.Source,
		SchemaVersion: env.SchemaVersion,
		CorrelationID: env.CorrelationID,
		PayloadJSON:   string(env.Payload),
		RunID:         runID,
		InsertedAt:    c.now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	if err := c.store.InsertEvent(ctx, rec); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	c.appendLogLine(d.Body, rec.InsertedAt)
	return nil
}

// metricEnvelope mirrors event.RegionMetric for decoding an incoming
// metrics.daily delivery.
type metricEnvelope struct {
	MetricID      string         `json:"metric_id"`
	Date          string         `json:"date"`
	Region        string         `json:"region"`
	RunID         string         `json:"run_id"`
	Metrics       map[string]int `json:"metrics"`
	InputEventIDs []string       `json:"input_event_ids"`
}

// HandleMetric implements the metrics_out/trace ingestion path.
func (c *Consumer) HandleMetric(ctx context.Context, d amqp.Delivery) {
	if cid := correlationIDFromMetricBody(d.Body); cid != "" {
		ctx = middleware.WithCorrelationID(ctx, cid)
	}
	err := c.ingestMetric(ctx, d)
	switch {
	case err == nil:
		d.Ack(false)
	case isPoison(err):
		c.log.Warn("dropping poison metric delivery", append(correlationFields(ctx), zap.Error(err))...)
		d.Ack(false)
	default:
		c.log.Error("requeueing metric delivery after storage/lineage error", append(correlationFields(ctx), zap.Error(err))...)
		d.Nack(false, true)
	}
}

// correlationIDFromMetricBody anchors a metrics.daily delivery's correlation
// field to its metric_id — metrics have no correlation_id of their own, so
// metric_id is the closest stable identity to carry through logging.
func correlationIDFromMetricBody(body []byte) string {
	var partial struct {
		MetricID string `json:"metric_id"`
	}
	if err := json.Unmarshal(body, &partial); err != nil {
		return ""
	}
	return partial.MetricID
}

func (c *Consumer) ingestMetric(ctx context.Context, d amqp.Delivery) error {
	var m metricEnvelope
	if err := json.Unmarshal(d.Body, &m); err != nil {
		return &PoisonError{Reason: fmt.Sprintf("decode metric: %v", err)}
	}
	if m.MetricID == "" || m.Region == "" {
		return &PoisonError{Reason: "missing required metric field"}
	}

	runID := "default"
	if m.RunID != "" {
		runID = m.RunID
	}
	if d.Headers != nil {
		if v, ok := d.Headers["run_id"]; ok {
			if s, ok := v.(string); ok && s != "" {
				runID = s
			}
		}
	}

	metricsJSON, err := json.Marshal(m.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	rec := MetricRecord{
		MetricID:      m.MetricID,
		Date:          m.Date,
		Region:        m.Region,
		RunID:         runID,
		MetricsJSON:   string(metricsJSON),
		CreatedAt:     c.now().UTC().Format("2006-01-02T15:04:05Z"),
		InputEventIDs: m.InputEventIDs,
	}
	// A FOREIGN KEY failure here (an input event_id not yet in events_in)
	// surfaces as a plain error, which HandleMetric treats as requeue-able —
	// not poison — so a metric that outruns its events gets redelivered
	// once the event writer catches up.
	if err := c.store.InsertMetric(ctx, rec); err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// resolveRunID implements a header > payload > "default" precedence for the
// event path; a nil body skips the payload step. The metric path does not
// call it: ingestMetric applies the same precedence inline, reading run_id
// from its own decoded struct.
func resolveRunID(headers amqp.Table, body []byte) string {
	if headers != nil {
		if v, ok := headers["run_id"]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	if body != nil {
		var payload struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.RunID != "" {
			return payload.RunID
		}
	}
	return "default"
}

// appendLogLine best-effort appends {audit_timestamp, event_content} to
// LogFilePath. Write failures are logged but never block the DB path.
func (c *Consumer) appendLogLine(eventContent []byte, auditTimestamp string) {
	c.logMu.Lock()
	defer c.logMu.Unlock()

	var raw json.RawMessage = eventContent
	line, err := json.Marshal(struct {
		AuditTimestamp string          `json:"audit_timestamp"`
		EventContent   json.RawMessage `json:"event_content"`
	}{auditTimestamp, raw})
	if err != nil {
		c.log.Warn("failed to marshal audit log line", zap.Error(err))
		return
	}

	f, err := os.OpenFile(c.logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		c.log.Warn("failed to open audit log file", zap.String("path", c.logFilePath), zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		c.log.Warn("failed to append audit log line", zap.Error(err))
	}
}

func isPoison(err error) bool {
	_, ok := err.(*PoisonError)
	return ok
}
