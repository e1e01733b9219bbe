// Package broker wraps the AMQP 0-9-1 connection the pipeline's stages
// share: events_exchange / processing_exchange / analytics_exchange /
// dlq_exchange, all topic except dlq_exchange which is direct.
//
// Client wraps a connection and logger, built on amqp091-go since the exchange/queue
// vocabulary and env vars (RABBITMQ_HOST, RABBITMQ_PORT) are RabbitMQ's,
// not another broker's.
package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ReconnectDelay is the constant 5-second interval Dial waits between
// connection attempts at startup. Nothing redials after the broker is lost
// once connected: the services' consume loops exit when their delivery
// channel closes.
const ReconnectDelay = 5 * time.Second

// Client owns the AMQP connection used by one service process.
type Client struct {
	conn *amqp.Connection
	log  *zap.Logger
	url  string
}

// Dial connects to RabbitMQ, retrying every ReconnectDelay until it
// succeeds. There is no attempt cap and no cancellation: the broker is
// assumed to eventually come back.
func Dial(url string, logger *zap.Logger) (*Client, error) {
	for {
		conn, err := amqp.Dial(url)
		if err == nil {
			logger.Info("connected to broker", zap.String("url", redact(url)))
			return &Client{conn: conn, log: logger, url: url}, nil
		}
		logger.Warn("broker connection failed, retrying",
			zap.String("url", redact(url)),
			zap.Duration("retry_in", ReconnectDelay),
			zap.Error(err),
		)
		time.Sleep(ReconnectDelay)
	}
}

// Channel opens a new AMQP channel on the underlying connection.
func (c *Client) Channel() (*amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

// Close closes the connection. AMQP channels opened from it are closed
// implicitly; callers that need in-flight publishes to flush first should
// close their own channel before calling Close.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// NotifyClose exposes the connection's close notification so a service can
// detect broker loss and redial.
func (c *Client) NotifyClose() chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// redact strips credentials from an AMQP URL before logging it.
func redact(url string) string {
	at := -1
	for i := 0; i < len(url); i++ {
		if url[i] == '@' {
			at = i
		}
	}
	scheme := -1
	for i := 0; i+2 < len(url); i++ {
		if url[i] == ':' && url[i+1] == '/' && url[i+2] == '/' {
			scheme = i + 3
			break
		}
	}
	if at == -1 || scheme == -1 || at < scheme {
		return url
	}
	return url[:scheme] + "***@" + url[at+1:]
}
