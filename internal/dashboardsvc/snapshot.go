// Package dashboardsvc implements the Dashboard: a last-window snapshot
// updated by a broker consumer and served read-only over HTTP. The HTTP
// responder and the broker consumer are the two concurrent actors; they
// share the snapshot only through an atomically replaced pointer, never by
// mutating it in place.
package dashboardsvc

import "sync/atomic"

// waitingPlaceholder is served verbatim by GET /data until the first
// window_summary arrives.
const waitingPlaceholder = `{"status":"waiting","last_update":null,"stats_by_region":{}}`

// SnapshotHolder wraps an atomic.Pointer[[]byte], replaced wholesale instead
// of mutated, so readers never observe a half-written snapshot.
type SnapshotHolder struct {
	ptr atomic.Pointer[[]byte]
}

// NewSnapshotHolder starts out serving the waiting placeholder.
func NewSnapshotHolder() *SnapshotHolder {
	h := &SnapshotHolder{}
	placeholder := []byte(waitingPlaceholder)
	h.ptr.Store(&placeholder)
	return h
}

// Load returns the raw JSON bytes of the most recent window_summary, or the
// waiting placeholder before the first one arrives.
func (h *SnapshotHolder) Load() []byte {
	return *h.ptr.Load()
}

// Store replaces the served snapshot with body verbatim — GET /data must
// return the most recent summary message exactly as published, unmodified.
func (h *SnapshotHolder) Store(body []byte) {
	cp := make([]byte, len(body))
	copy(cp, body)
	h.ptr.Store(&cp)
}
