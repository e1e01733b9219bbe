package aggregatorsvc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xshift007/eventpipe/internal/broker"
	"github.com/xshift007/eventpipe/internal/event"
)

type fakePublisher struct {
	calls []struct {
		exchange   string
		routingKey string
		body       []byte
	}
}

func (f *fakePublisher) Publish(_ context.Context, exchange, routingKey string, body []byte, _ bool, _ amqp.Table) error {
	f.calls = append(f.calls, struct {
		exchange   string
		routingKey string
		body       []byte
	}{exchange, routingKey, body})
	return nil
}

func eventBody(id, region, source string) []byte {
	env := event.Envelope{
		EventID:       id,
		Timestamp:     "2025-01-15T10:30:00Z",
		Region:        region,
		Source:        source,
		SchemaVersion: "1.0",
		Payload:       json.RawMessage(`{}`),
	}
	b, _ := json.Marshal(env)
	return b
}

// newTestAggregator builds an Aggregator whose clock is an explicit pointer
// the test advances manually, instead of relying on wall-clock sleeps.
func newTestAggregator(t *testing.T, windowLength time.Duration) (*Aggregator, *fakePublisher, *time.Time) {
	pub := &fakePublisher{}
	clock := time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC)
	a := New(pub, zaptest.NewLogger(t), windowLength)
	a.now = func() time.Time { return clock }
	a.uuidFn = func() string { return "00000000-0000-0000-0000-000000000001" }
	a.dateFn = func(time.Time) string { return "2025-01-15" }
	a.w = newWindow(clock)
	return a, pub, &clock
}

func TestAggregator_SingleEvent_NoFlushBeforeWindowElapses(t *testing.T) {
	a, pub, clock := newTestAggregator(t, 5*time.Second)

	require.NoError(t, a.process(context.Background(), eventBody("550e8400-e29b-41d4-a716-446655440000", "norte", "security.incident")))
	assert.Empty(t, pub.calls)

	*clock = clock.Add(2 * time.Second)
	require.NoError(t, a.process(context.Background(), eventBody("550e8400-e29b-41d4-a716-446655440001", "norte", "security.incident")))
	assert.Empty(t, pub.calls, "window should still be open before 5s elapse")
}

func TestAggregator_FlushesAfterWindowElapses(t *testing.T) {
	a, pub, clock := newTestAggregator(t, 5*time.Second)

	require.NoError(t, a.process(context.Background(), eventBody("550e8400-e29b-41d4-a716-446655440000", "norte", "security.incident")))
	*clock = clock.Add(6 * time.Second)
	require.NoError(t, a.process(context.Background(), eventBody("550e8400-e29b-41d4-a716-446655440001", "norte", "security.incident")))

	require.Len(t, pub.calls, 2) // one window_summary, one metric for "norte"
	assert.Equal(t, broker.RoutingKeyAnalyticsWin, pub.calls[0].routingKey)
	assert.Equal(t, broker.RoutingKeyMetricsDaily, pub.calls[1].routingKey)

	var summary event.WindowSummary
	require.NoError(t, json.Unmarshal(pub.calls[0].body, &summary))
	assert.Equal(t, 2, summary.TotalProcessed)
	assert.Equal(t, 2, summary.StatsByRegion["norte"]["security.incident"])
}

func TestAggregator_DedupWithinWindow(t *testing.T) {
	a, pub, _ := newTestAggregator(t, 5*time.Second)

	body := eventBody("550e8400-e29b-41d4-a716-446655440000", "norte", "security.incident")
	require.NoError(t, a.process(context.Background(), body))
	require.NoError(t, a.process(context.Background(), body)) // duplicate delivery

	assert.Len(t, a.w.processedIDs, 1)
	assert.Equal(t, 1, a.w.stats["norte"]["security.incident"])
	assert.Empty(t, pub.calls)
}

func TestAggregator_QuietWindow_NoPublishOnEmptyFlush(t *testing.T) {
	a, pub, clock := newTestAggregator(t, 5*time.Second)
	*clock = clock.Add(10 * time.Second)

	require.NoError(t, a.flush(context.Background()))
	assert.Empty(t, pub.calls)
}

func TestAggregator_MissingEventID_CountedButNoLineage(t *testing.T) {
	a, _, _ := newTestAggregator(t, 5*time.Second)

	env := event.Envelope{Timestamp: "2025-01-15T10:30:00Z", Region: "sur", Source: "migration.case", Payload: json.RawMessage(`{}`)}
	body, _ := json.Marshal(env)
	require.NoError(t, a.process(context.Background(), body))

	assert.Equal(t, 1, a.w.stats["sur"]["migration.case"])
	assert.Empty(t, a.w.eventsByRegion["sur"])
}

func TestAggregator_UnknownRegionAndSource_DefaultToUnknown(t *testing.T) {
	a, _, _ := newTestAggregator(t, 5*time.Second)

	env := event.Envelope{EventID: "550e8400-e29b-41d4-a716-446655440002", Timestamp: "2025-01-15T10:30:00Z", Payload: json.RawMessage(`{}`)}
	body, _ := json.Marshal(env)
	require.NoError(t, a.process(context.Background(), body))

	assert.Equal(t, 1, a.w.stats[unknownTag][unknownTag])
}

func TestAggregator_WindowResetAfterFlush(t *testing.T) {
	a, _, clock := newTestAggregator(t, 5*time.Second)

	require.NoError(t, a.process(context.Background(), eventBody("550e8400-e29b-41d4-a716-446655440000", "norte", "security.incident")))
	*clock = clock.Add(6 * time.Second)
	require.NoError(t, a.process(context.Background(), eventBody("550e8400-e29b-41d4-a716-446655440001", "norte", "security.incident")))

	assert.Len(t, a.w.processedIDs, 0)
	assert.Len(t, a.w.stats, 0)
	assert.Equal(t, *clock, a.w.start)
}
