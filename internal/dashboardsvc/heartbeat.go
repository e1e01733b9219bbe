package dashboardsvc

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Heartbeat logs the Dashboard's liveness and current snapshot status once
// a minute. It is purely ambient observability — adapted from the
// notification-service's cron scheduler — and must never be used to flush
// or otherwise mutate aggregation state, which the Aggregator owns
// exclusively via its own lazy-close logic.
type Heartbeat struct {
	cron *cron.Cron
	d    *Dashboard
	log  *zap.Logger
}

// NewHeartbeat builds a Heartbeat bound to d.
func NewHeartbeat(d *Dashboard, log *zap.Logger) *Heartbeat {
	return &Heartbeat{cron: cron.New(), d: d, log: log}
}

// Start schedules the once-a-minute tick and begins running it.
func (h *Heartbeat) Start() error {
	_, err := h.cron.AddFunc("@every 1m", h.tick)
	if err != nil {
		return err
	}
	h.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler, waiting for an in-flight tick.
func (h *Heartbeat) Stop() {
	ctx := h.cron.Stop()
	<-ctx.Done()
}

func (h *Heartbeat) tick() {
	snap := h.d.Snapshot().Load()
	h.log.Info("dashboard heartbeat", zap.ByteString("snapshot", snap))
}
