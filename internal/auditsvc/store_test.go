package auditsvc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_InsertEvent_DuplicateIsIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := EventRecord{
		EventID: "550e8400-e29b-41d4-a716-446655440000", Timestamp: "2025-01-15T10:30:00Z",
		Region: "norte", Source: "security.incident", RunID: "default", InsertedAt: "2025-01-15T10:30:01Z",
	}
	require.NoError(t, s.InsertEvent(ctx, rec))
	require.NoError(t, s.InsertEvent(ctx, rec)) // redelivery

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM events_in WHERE event_id = ?", rec.EventID).Scan(&count))
	require.Equal(t, 1, count)
}

func TestStore_InsertMetric_MissingEventFailsFK(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.InsertMetric(ctx, MetricRecord{
		MetricID: "m1", Date: "2025-01-15", Region: "norte", RunID: "default",
		MetricsJSON: `{"security.incident":1}`, CreatedAt: "2025-01-15T10:30:05Z",
		InputEventIDs: []string{"550e8400-e29b-41d4-a716-446655440000"},
	})
	require.Error(t, err)

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM metrics_out").Scan(&count))
	require.Equal(t, 0, count, "transaction must roll back entirely on FK failure")
}

func TestStore_InsertMetric_SucceedsOnceEventPresent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	eventID := "550e8400-e29b-41d4-a716-446655440000"
	require.NoError(t, s.InsertEvent(ctx, EventRecord{
		EventID: eventID, Timestamp: "2025-01-15T10:30:00Z", Region: "norte",
		Source: "security.incident", RunID: "default", InsertedAt: "2025-01-15T10:30:01Z",
	}))

	require.NoError(t, s.InsertMetric(ctx, MetricRecord{
		MetricID: "m1", Date: "2025-01-15", Region: "norte", RunID: "default",
		MetricsJSON: `{"security.incident":1}`, CreatedAt: "2025-01-15T10:30:05Z",
		InputEventIDs: []string{eventID},
	}))

	var traceCount int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM trace WHERE metric_id = 'm1'").Scan(&traceCount))
	require.Equal(t, 1, traceCount)
}

func TestStore_InsertMetric_ResendReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	eventID := "550e8400-e29b-41d4-a716-446655440000"
	require.NoError(t, s.InsertEvent(ctx, EventRecord{
		EventID: eventID, Timestamp: "2025-01-15T10:30:00Z", Region: "norte",
		Source: "security.incident", RunID: "default", InsertedAt: "2025-01-15T10:30:01Z",
	}))

	rec := MetricRecord{
		MetricID: "m1", Date: "2025-01-15", Region: "norte", RunID: "default",
		MetricsJSON: `{"security.incident":1}`, CreatedAt: "2025-01-15T10:30:05Z",
		InputEventIDs: []string{eventID},
	}
	require.NoError(t, s.InsertMetric(ctx, rec))
	rec.MetricsJSON = `{"security.incident":2}`
	require.NoError(t, s.InsertMetric(ctx, rec)) // resend with updated counts

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM metrics_out").Scan(&count))
	require.Equal(t, 1, count)

	var metricsJSON string
	require.NoError(t, s.db.QueryRow("SELECT metrics_json FROM metrics_out WHERE metric_id = 'm1'").Scan(&metricsJSON))
	require.Equal(t, `{"security.incident":2}`, metricsJSON)
}
