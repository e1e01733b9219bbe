package dashboardsvc

import (
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Dashboard glues the snapshot holder to the broker consumer; HTTP wiring
// lives in handler.go.
type Dashboard struct {
	snapshot *SnapshotHolder
	log      *zap.Logger
}

// New builds a Dashboard with an empty (waiting) snapshot.
func New(log *zap.Logger) *Dashboard {
	return &Dashboard{snapshot: NewSnapshotHolder(), log: log}
}

// HandleDelivery updates the snapshot from every analytics_exchange message
// whose routing key is analytics.window — metrics.daily deliveries (also
// routed to this queue by the "#" binding) are acked and ignored, since the
// Dashboard only ever serves the latest window_summary.
func (d *Dashboard) HandleDelivery(delivery amqp.Delivery) {
	if delivery.RoutingKey == "analytics.window" {
		d.snapshot.Store(delivery.Body)
	}
	if err := delivery.Ack(false); err != nil {
		d.log.Error("ack failed", zap.Error(err))
	}
}

// Snapshot exposes the holder for the HTTP handler.
func (d *Dashboard) Snapshot() *SnapshotHolder { return d.snapshot }
