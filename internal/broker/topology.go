package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange names.
const (
	ExchangeEvents     = "events_exchange"
	ExchangeProcessing = "processing_exchange"
	ExchangeAnalytics  = "analytics_exchange"
	ExchangeDLQ        = "dlq_exchange"
)

// Routing keys used across exchanges.
const (
	RoutingKeyDeadLetter     = "deadletter.validation"
	RoutingKeyAnalyticsWin   = "analytics.window"
	RoutingKeyMetricsDaily   = "metrics.daily"
)

// Queue names.
const (
	QueueValidatorInput  = "validator_input_queue"
	QueueAggregator      = "aggregator_queue"
	QueueAudit           = "audit_queue"
	QueueAuditMetrics    = "audit_metrics_queue"
	QueueDeadLetter      = "deadletter_queue"
)

// DeclareTopology idempotently declares every exchange and queue and binds
// them. Every service calls this on startup — redeclaring an identical
// topology is a no-op in RabbitMQ.
func DeclareTopology(ch *amqp.Channel) error {
	topicExchanges := []string{ExchangeEvents, ExchangeProcessing, ExchangeAnalytics}
	for _, ex := range topicExchanges {
		if err := ch.ExchangeDeclare(ex, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex, err)
		}
	}
	if err := ch.ExchangeDeclare(ExchangeDLQ, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", ExchangeDLQ, err)
	}

	if _, err := ch.QueueDeclare(QueueValidatorInput, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueValidatorInput, err)
	}
	for _, rk := range []string{"security.incident", "survey.victimization", "migration.case"} {
		if err := ch.QueueBind(QueueValidatorInput, rk, ExchangeEvents, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s/%s: %w", QueueValidatorInput, ExchangeEvents, rk, err)
		}
	}

	if _, err := ch.QueueDeclare(QueueAggregator, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueAggregator, err)
	}
	if err := ch.QueueBind(QueueAggregator, "#", ExchangeProcessing, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", QueueAggregator, err)
	}

	if _, err := ch.QueueDeclare(QueueAudit, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueAudit, err)
	}
	if err := ch.QueueBind(QueueAudit, "#", ExchangeProcessing, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", QueueAudit, err)
	}

	if _, err := ch.QueueDeclare(QueueAuditMetrics, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueAuditMetrics, err)
	}
	if err := ch.QueueBind(QueueAuditMetrics, RoutingKeyMetricsDaily, ExchangeAnalytics, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", QueueAuditMetrics, err)
	}

	// Without a queue bound here, every DLQ publish is unroutable: mandatory
	// delivery would bounce it back as a Return instead of landing anywhere.
	if _, err := ch.QueueDeclare(QueueDeadLetter, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", QueueDeadLetter, err)
	}
	if err := ch.QueueBind(QueueDeadLetter, RoutingKeyDeadLetter, ExchangeDLQ, false, nil); err != nil {
		return fmt.Errorf("bind %s: %w", QueueDeadLetter, err)
	}

	return nil
}

// DeclareDashboardQueue declares the dashboard's anonymous, exclusive,
// non-durable queue bound to analytics_exchange with "#". Summaries
// published while the dashboard is down are lost by design, since this
// queue does not survive a restart.
func DeclareDashboardQueue(ch *amqp.Channel) (string, error) {
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare dashboard queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, "#", ExchangeAnalytics, false, nil); err != nil {
		return "", fmt.Errorf("bind dashboard queue: %w", err)
	}
	return q.Name, nil
}
