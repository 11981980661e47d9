package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

type redisPubClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes envelopes on "<prefix><tenant>" so that several
// UI gateways can subscribe.
type RedisPublisher struct {
	client redisPubClient
	prefix string
	logger *logrus.Logger
}

// NewRedisPublisher connects using a redis:// URL and checks the connection.
func NewRedisPublisher(ctx context.Context, url, prefix string, logger *logrus.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisPublisher{client: client, prefix: prefix, logger: logger}, nil
}

// Channel returns the pub/sub channel for tenantID.
func (p *RedisPublisher) Channel(tenantID string) string {
	return p.prefix + tenantID
}

func (p *RedisPublisher) Publish(ctx context.Context, tenantID, event string, payload interface{}) {
	body, err := json.Marshal(newEnvelope(tenantID, event, payload))
	if err != nil {
		p.logger.WithError(err).WithField("event", event).Error("Failed to encode notifier event")
		return
	}
	if err := p.client.Publish(ctx, p.Channel(tenantID), body).Err(); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"event":     event,
		}).Warn("Failed to publish to redis")
	}
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
