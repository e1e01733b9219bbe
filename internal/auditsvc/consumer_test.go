package auditsvc

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestConsumer(t *testing.T) (*Consumer, *Store) {
	t.Helper()
	s := newTestStore(t)
	logPath := t.TempDir() + "/audit.jsonl"
	return NewConsumer(s, zaptest.NewLogger(t), logPath), s
}

func TestConsumer_IngestEvent_Success(t *testing.T) {
	c, s := newTestConsumer(t)

	body := []byte(`{"event_id":"550e8400-e29b-41d4-a716-446655440000","timestamp":"2025-01-15T10:30:00Z","region":"norte","source":"security.incident","schema_version":"1.0","payload":{}}`)
	err := c.ingestEvent(context.Background(), amqp.Delivery{Body: body})
	require.NoError(t, err)

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM events_in").Scan(&count))
	require.Equal(t, 1, count)

	logBytes, readErr := os.ReadFile(c.logFilePath)
	require.NoError(t, readErr)
	require.Contains(t, string(logBytes), "audit_timestamp")
}

func TestConsumer_IngestEvent_MalformedJSON_IsPoison(t *testing.T) {
	c, _ := newTestConsumer(t)
	err := c.ingestEvent(context.Background(), amqp.Delivery{Body: []byte(`{bad`)})
	require.Error(t, err)
	require.True(t, isPoison(err))
}

func TestConsumer_IngestEvent_MissingField_IsPoison(t *testing.T) {
	c, _ := newTestConsumer(t)
	body := []byte(`{"event_id":"550e8400-e29b-41d4-a716-446655440000","timestamp":"2025-01-15T10:30:00Z","source":"security.incident","payload":{}}`)
	err := c.ingestEvent(context.Background(), amqp.Delivery{Body: body})
	require.Error(t, err)
	require.True(t, isPoison(err))
}

func TestConsumer_IngestEvent_RunIDFromHeader(t *testing.T) {
	c, s := newTestConsumer(t)
	body := []byte(`{"event_id":"550e8400-e29b-41d4-a716-446655440000","timestamp":"2025-01-15T10:30:00Z","region":"norte","source":"security.incident","payload":{}}`)
	err := c.ingestEvent(context.Background(), amqp.Delivery{Body: body, Headers: amqp.Table{"run_id": "run-42"}})
	require.NoError(t, err)

	var runID string
	require.NoError(t, s.db.QueryRow("SELECT run_id FROM events_in WHERE event_id = ?", "550e8400-e29b-41d4-a716-446655440000").Scan(&runID))
	require.Equal(t, "run-42", runID)
}

func TestConsumer_IngestMetric_LineageRace_IsNotPoison(t *testing.T) {
	c, _ := newTestConsumer(t)
	body, _ := json.Marshal(metricEnvelope{
		MetricID: "m1", Date: "2025-01-15", Region: "norte", RunID: "default",
		Metrics: map[string]int{"security.incident": 1}, InputEventIDs: []string{"nonexistent-event"},
	})
	err := c.ingestMetric(context.Background(), amqp.Delivery{Body: body})
	require.Error(t, err)
	require.False(t, isPoison(err), "an FK/lineage race must be requeued, not dropped as poison")
}

func TestConsumer_IngestMetric_SucceedsAfterEventStored(t *testing.T) {
	c, s := newTestConsumer(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEvent(ctx, EventRecord{
		EventID: "550e8400-e29b-41d4-a716-446655440000", Timestamp: "2025-01-15T10:30:00Z",
		Region: "norte", Source: "security.incident", RunID: "default", InsertedAt: "2025-01-15T10:30:01Z",
	}))

	body, _ := json.Marshal(metricEnvelope{
		MetricID: "m1", Date: "2025-01-15", Region: "norte", RunID: "default",
		Metrics: map[string]int{"security.incident": 1}, InputEventIDs: []string{"550e8400-e29b-41d4-a716-446655440000"},
	})
	err := c.ingestMetric(ctx, amqp.Delivery{Body: body})
	require.NoError(t, err)
}
