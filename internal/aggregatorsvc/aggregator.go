// Package aggregatorsvc implements the Aggregator stage: tumbling-window
// counters per region/source, event-id dedup, and dual-output publication
// (one window_summary plus one metrics.daily per region) at flush.
//
// The window is process-local mutable state owned exclusively by the
// consumer loop — modeled here as a plain struct mutated only between
// deliveries, never shared, so no mutex is needed.
package aggregatorsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xshift007/eventpipe/internal/broker"
	"github.com/xshift007/eventpipe/internal/event"
	"github.com/xshift007/eventpipe/internal/middleware"
)

// Publisher is the subset of *broker.Publisher the Aggregator needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, persistent bool, headers amqp.Table) error
}

const unknownTag = "unknown"

// window is the process-local state tracked for one tumbling window.
type window struct {
	start          time.Time
	processedIDs   map[string]struct{}
	stats          map[string]map[string]int
	eventsByRegion map[string]map[string]struct{}
}

func newWindow(now time.Time) *window {
	return &window{
		start:          now,
		processedIDs:   make(map[string]struct{}),
		stats:          make(map[string]map[string]int),
		eventsByRegion: make(map[string]map[string]struct{}),
	}
}

// Aggregator owns one window and flushes it lazily on delivery.
type Aggregator struct {
	publisher Publisher
	log       *zap.Logger

	windowLength time.Duration
	w            *window

	now    func() time.Time
	uuidFn func() string
	dateFn func(time.Time) string
}

// New builds an Aggregator with its first window opened at construction time.
func New(pub Publisher, log *zap.Logger, windowLength time.Duration) *Aggregator {
	now := time.Now
	return &Aggregator{
		publisher:    pub,
		log:          log,
		windowLength: windowLength,
		w:            newWindow(now()),
		now:          now,
		uuidFn:       uuid.NewString,
		dateFn:       func(t time.Time) string { return t.Local().Format("2006-01-02") },
	}
}

// HandleDelivery applies dedup, counting and the lazy flush check for one
// delivery, then always acks — errors are logged and swallowed, favoring
// liveness over windowed exactness.
func (a *Aggregator) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	if err := a.process(ctx, d.Body); err != nil {
		fields := []zap.Field{zap.Error(err)}
		if cid := correlationIDFromBody(d.Body); cid != "" {
			fields = append(fields, zap.String("correlation_id", cid))
		}
		a.log.Error("aggregator processing error, dropping and continuing", fields...)
	}
	if err := d.Ack(false); err != nil {
		a.log.Error("ack failed", zap.Error(err))
	}
}

// correlationIDFromBody best-effort extracts correlation_id (falling back
// to event_id) from a raw delivery body, threading the same ID the
// Validator and Audit stages attach to this event.
func correlationIDFromBody(body []byte) string {
	var env struct {
		CorrelationID string `json:"correlation_id"`
		EventID       string `json:"event_id"`
	}
	if json.Unmarshal(body, &env) != nil {
		return ""
	}
	if env.CorrelationID != "" {
		return env.CorrelationID
	}
	return env.EventID
}

func (a *Aggregator) process(ctx context.Context, body []byte) error {
	var env event.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	if cid := env.CorrelationID; cid != "" {
		ctx = middleware.WithCorrelationID(ctx, cid)
	} else if env.EventID != "" {
		ctx = middleware.WithCorrelationID(ctx, env.EventID)
	}

	if env.EventID != "" {
		if _, dup := a.w.processedIDs[env.EventID]; dup {
			return nil
		}
		a.w.processedIDs[env.EventID] = struct{}{}
	}

	region := env.Region
	if region == "" {
		region = unknownTag
	}
	source := env.Source
	if source == "" {
		source = unknownTag
	}
	if a.w.stats[region] == nil {
		a.w.stats[region] = make(map[string]int)
	}
	a.w.stats[region][source]++

	if env.EventID != "" {
		if a.w.eventsByRegion[region] == nil {
			a.w.eventsByRegion[region] = make(map[string]struct{})
		}
		a.w.eventsByRegion[region][env.EventID] = struct{}{}
	}

	if a.now().Sub(a.w.start) >= a.windowLength {
		return a.flush(ctx)
	}
	return nil
}

// flush builds and publishes the window summary and per-region metrics,
// then atomically resets all four window fields.
func (a *Aggregator) flush(ctx context.Context) error {
	closing := a.w
	now := a.now()

	if len(closing.stats) == 0 {
		a.w = newWindow(now)
		return nil
	}

	summary := event.WindowSummary{
		Type:           "window_summary",
		WindowStartISO: closing.start.UTC().Format("2006-01-02T15:04:05Z"),
		WindowEndISO:   now.UTC().Format("2006-01-02T15:04:05Z"),
		TotalProcessed: len(closing.processedIDs),
		StatsByRegion:  closing.stats,
	}
	summaryBody, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal window_summary: %w", err)
	}
	if err := a.publisher.Publish(ctx, broker.ExchangeAnalytics, broker.RoutingKeyAnalyticsWin, summaryBody, true, nil); err != nil {
		return fmt.Errorf("publish window_summary: %w", err)
	}

	date := a.dateFn(now)
	for region, metrics := range closing.stats {
		ids := closing.eventsByRegion[region]
		sorted := make([]string, 0, len(ids))
		for id := range ids {
			sorted = append(sorted, id)
		}
		sort.Strings(sorted)

		metric := event.RegionMetric{
			MetricID:      a.uuidFn(),
			Date:          date,
			Region:        region,
			RunID:         "default",
			Metrics:       metrics,
			InputEventIDs: sorted,
		}
		metricBody, err := json.Marshal(metric)
		if err != nil {
			return fmt.Errorf("marshal metric for region %s: %w", region, err)
		}
		if err := a.publisher.Publish(ctx, broker.ExchangeAnalytics, broker.RoutingKeyMetricsDaily, metricBody, true, nil); err != nil {
			return fmt.Errorf("publish metric for region %s: %w", region, err)
		}
	}

	a.w = newWindow(now)
	return nil
}
