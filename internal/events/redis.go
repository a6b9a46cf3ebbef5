package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "task-tracker:invalidations"

// RedisPublisher broadcasts invalidations to every instance subscribed to the
// channel. Origin tags each message so an instance can skip its own.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	origin  string
	timeout time.Duration
}

func NewRedisPublisher(client *redis.Client, channel, origin string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		origin:  origin,
		timeout: 3 * time.Second,
	}
}

func (p *RedisPublisher) Notify(ctx context.Context, inv Invalidation) error {
	inv.Origin = p.origin
	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

type HandlerFunc func(ctx context.Context, inv Invalidation)

// RedisSubscriber relays invalidations published by other instances to a
// local handler.
type RedisSubscriber struct {
	client  *redis.Client
	channel string
	origin  string
	handler HandlerFunc
	logger  *zap.Logger
}

func NewRedisSubscriber(client *redis.Client, channel, origin string, handler HandlerFunc, logger *zap.Logger) *RedisSubscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSubscriber{
		client:  client,
		channel: channel,
		origin:  origin,
		handler: handler,
		logger:  logger,
	}
}

// Run blocks until ctx is done. The subscription is confirmed before ready
// is closed, so messages published afterwards are not missed.
func (s *RedisSubscriber) Run(ctx context.Context, ready chan<- struct{}) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	s.logger.Info("invalidation relay subscribed", zap.String("channel", s.channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.dispatch(ctx, msg.Payload)
		}
	}
}

func (s *RedisSubscriber) dispatch(ctx context.Context, payload string) {
	var inv Invalidation
	if err := json.Unmarshal([]byte(payload), &inv); err != nil {
		s.logger.Warn("discarding malformed invalidation", zap.Error(err))
		return
	}
	if s.origin != "" && inv.Origin == s.origin {
		return
	}
	s.handler(ctx, inv)
}
