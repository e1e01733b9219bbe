// Package replaysvc implements the Replay reader: stream the persisted
// JSON-Lines audit log back onto events_exchange so history can be
// reprocessed. The inner-event recovery order and the ~50ms publish
// throttle match the original recovery script this reader replaces.
package replaysvc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/xshift007/eventpipe/internal/broker"
)

// Publisher is the subset of *broker.Publisher the Reader needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, persistent bool, headers amqp.Table) error
}

// Throttle is the pause between publishes, to avoid overwhelming the broker
// during a bulk replay.
const Throttle = 50 * time.Millisecond

const defaultRoutingKey = "replay.generic"

// Reader streams a JSON-Lines file and republishes each recovered event.
type Reader struct {
	publisher Publisher
	log       *zap.Logger
	sleep     func(time.Duration)
}

// New builds a Reader.
func New(pub Publisher, log *zap.Logger) *Reader {
	return &Reader{publisher: pub, log: log, sleep: time.Sleep}
}

// Run streams every line from r, publishing a recovered event per line.
// Callers wanting a repeated scan reopen r and call Run again; Run itself
// always makes a single pass.
func (rd *Reader) Run(ctx context.Context, r io.Reader) (published int, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return published, skipped, ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		body, routingKey, ok := recoverEvent(line)
		if !ok {
			skipped++
			rd.log.Warn("skipping malformed replay line")
			continue
		}

		if err := rd.publisher.Publish(ctx, broker.ExchangeEvents, routingKey, body, true, amqp.Table{"x-replay": true}); err != nil {
			rd.log.Error("replay publish failed", zap.Error(err), zap.String("routing_key", routingKey))
			skipped++
			continue
		}
		published++
		rd.sleep(Throttle)
	}
	if err := scanner.Err(); err != nil {
		return published, skipped, fmt.Errorf("scan replay file: %w", err)
	}
	return published, skipped, nil
}

// recoverEvent recovers the original event from a log line, checking a
// top-level "event" key, then "original_event", then the record itself.
// The routing key is the recovered event's "source" field, defaulting to
// replay.generic.
func recoverEvent(line []byte) (body []byte, routingKey string, ok bool) {
	var record map[string]json.RawMessage
	if err := json.Unmarshal(line, &record); err != nil {
		return nil, "", false
	}

	inner := pickInner(record, line)
	if inner == nil {
		return nil, "", false
	}

	var withSource struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(inner, &withSource); err != nil {
		return nil, "", false
	}
	rk := withSource.Source
	if rk == "" {
		rk = defaultRoutingKey
	}
	return inner, rk, true
}

func pickInner(record map[string]json.RawMessage, whole []byte) json.RawMessage {
	if v, ok := record["event"]; ok {
		return v
	}
	if v, ok := record["original_event"]; ok {
		return v
	}
	return json.RawMessage(whole)
}
