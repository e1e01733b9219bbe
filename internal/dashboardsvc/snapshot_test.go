package dashboardsvc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotHolder_StartsWithWaitingPlaceholder(t *testing.T) {
	h := NewSnapshotHolder()
	assert.JSONEq(t, waitingPlaceholder, string(h.Load()))
}

func TestSnapshotHolder_StoreReplacesVerbatim(t *testing.T) {
	h := NewSnapshotHolder()
	body := []byte(`{"type":"window_summary","total_processed":3}`)
	h.Store(body)
	require.Equal(t, body, h.Load())
}

func TestSnapshotHolder_StoreIsIndependentOfCallerBuffer(t *testing.T) {
	h := NewSnapshotHolder()
	body := []byte(`{"type":"window_summary"}`)
	h.Store(body)
	body[0] = 'X' // mutate caller's buffer after Store
	assert.NotEqual(t, string(body), string(h.Load()))
}
