package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// publishWait bounds how long Publish waits for the broker's ack/return
// before treating the publish as failed. Mirrors the confirm/return race in
// the retrieved rabbitmq retry-publisher reference.
const publishWait = 2 * time.Second

// Publisher wraps a channel in publisher-confirm mode so every Publish call
// observes either a broker ack or a returned (unroutable) message instead of
// firing blind — an at-least-once contract depends on publishes that
// silently vanish being treated as errors, not successes.
type Publisher struct {
	ch        *amqp.Channel
	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return
}

// NewPublisher puts ch into confirm mode and wires the notification
// channels. ch must not also be used for Consume — use a dedicated channel
// so a blocked publish can never stall delivery acking.
func NewPublisher(ch *amqp.Channel) (*Publisher, error) {
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &Publisher{
		ch:        ch,
		confirmCh: ch.NotifyPublish(make(chan amqp.Confirmation, 32)),
		returnCh:  ch.NotifyReturn(make(chan amqp.Return, 32)),
	}, nil
}

// Publish sends body to exchange/routingKey. persistent sets delivery mode
// 2, used for window_summary and metrics.daily and every durable queue in
// general.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, body []byte, persistent bool, headers amqp.Table) error {
	mode := uint8(amqp.Transient)
	if persistent {
		mode = amqp.Persistent
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: mode,
		Timestamp:    time.Now(),
		Headers:      headers,
	}
	// mandatory=true so an unroutable message comes back on returnCh instead
	// of being silently dropped by the broker.
	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, true, false, msg); err != nil {
		return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
	}
	return p.waitAckOrReturn(ctx, exchange, routingKey)
}

func (p *Publisher) waitAckOrReturn(ctx context.Context, exchange, routingKey string) error {
	timer := time.NewTimer(publishWait)
	defer timer.Stop()

	select {
	case r := <-p.returnCh:
		return fmt.Errorf("publish returned: reply=%d text=%q exchange=%q rk=%q",
			r.ReplyCode, r.ReplyText, r.Exchange, r.RoutingKey)
	case c := <-p.confirmCh:
		// The broker always writes an unroutable message's basic.return
		// before its basic.ack, so if one is already queued on returnCh the
		// confirm above simply won the select race, not the protocol race.
		// Drain non-blockingly to catch that before trusting the ack.
		select {
		case r := <-p.returnCh:
			return fmt.Errorf("publish returned: reply=%d text=%q exchange=%q rk=%q",
				r.ReplyCode, r.ReplyText, r.Exchange, r.RoutingKey)
		default:
		}
		if !c.Ack {
			return fmt.Errorf("publish nacked by broker (exchange=%q rk=%q)", exchange, routingKey)
		}
		return nil
	case <-timer.C:
		return errors.New("publish wait timeout (no confirm/return)")
	case <-ctx.Done():
		return ctx.Err()
	}
}
