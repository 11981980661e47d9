package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes envelopes to a topic exchange with routing key
// "<tenant>.<event>".
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	logger   *logrus.Logger
}

// NewAMQPPublisher dials url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string, logger *logrus.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open RabbitMQ channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	logger.WithField("exchange", exchange).Info("RabbitMQ notifier connected")
	return &AMQPPublisher{conn: conn, channel: ch, exchange: exchange, logger: logger}, nil
}

func newAMQPPublisherWithChannel(ch amqpChannel, exchange string, logger *logrus.Logger) *AMQPPublisher {
	return &AMQPPublisher{channel: ch, exchange: exchange, logger: logger}
}

// RoutingKey builds the routing key for a tenant event.
func RoutingKey(tenantID, event string) string {
	return tenantID + "." + strings.ReplaceAll(event, ":", ".")
}

func (p *AMQPPublisher) Publish(ctx context.Context, tenantID, event string, payload interface{}) {
	body, err := json.Marshal(newEnvelope(tenantID, event, payload))
	if err != nil {
		p.logger.WithError(err).WithField("event", event).Error("Failed to encode notifier event")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(tenantID, event), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         body,
	})
	if err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"event":     event,
			"exchange":  p.exchange,
		}).Warn("Failed to publish to RabbitMQ")
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	chErr := p.channel.Close()
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return err
		}
	}
	return chErr
}
