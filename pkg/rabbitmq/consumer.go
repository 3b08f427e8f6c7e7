package rabbitmq

import (
	"fmt"
	"net/url"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Disposition tells the consumer loop what to do with a delivery.
type Disposition int

const (
	// Ack removes the message; the handler finished durably.
	Ack Disposition = iota
	// Requeue returns the message to the queue for another attempt.
	Requeue
	// Reject drops the message without requeueing (poison message).
	Reject
)

// Handler processes one delivery body.
type Handler func(body []byte) Disposition

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *zap.Logger
	done   chan struct{}
}

func sanitizeURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	parsed, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "amqp" && parsed.Scheme != "amqps" {
		return "", fmt.Errorf("invalid AMQP scheme: %s", parsed.Scheme)
	}
	return clean, nil
}

func NewConsumer(amqpURL string, logger *zap.Logger) (*Consumer, error) {
	cleanURL, err := sanitizeURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, logger: logger, done: make(chan struct{})}, nil
}

// ConsumeWithBindings declares the exchange and queue, binds every routing key
// and dispatches deliveries to their handler with manual acknowledgement.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]Handler) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]Handler)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	// One unacknowledged message at a time so a slow write does not hold a backlog.
	if err := c.ch.Qos(1, 0, false); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		defer close(c.done)
		for d := range msgs {
			handler, ok := handlers[d.RoutingKey]
			if !ok {
				c.logger.Warn("no handler for routing key; rejecting", zap.String("routing_key", d.RoutingKey))
				_ = d.Reject(false)
				continue
			}
			switch handler(d.Body) {
			case Ack:
				_ = d.Ack(false)
			case Reject:
				c.logger.Warn("handler rejected message; dropping", zap.String("routing_key", d.RoutingKey))
				_ = d.Reject(false)
			default:
				c.logger.Warn("handler failed; re-queuing", zap.String("routing_key", d.RoutingKey))
				_ = d.Nack(false, true)
			}
		}
	}()

	return nil
}

// Done is closed when the delivery channel closes, e.g. after a broker disconnect.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
