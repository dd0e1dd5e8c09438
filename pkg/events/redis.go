// Package events forwards registry lifecycle events to external sinks.
//
// Sinks attach through registry.Subscribe, so each one drains its own queue
// and a slow sink never delays registry mutations or requests.
//
//   - RedisPublisher publishes every event as JSON on Redis pub/sub
//   - journal.Store keeps an SQLite history of events with retention pruning
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"mercator-hq/meridian/pkg/registry"
)

// DefaultChannelPrefix prefixes every channel the publisher writes to.
const DefaultChannelPrefix = "meridian:events"

// Subscriber is implemented by *registry.Registry.
type Subscriber interface {
	Subscribe(handler registry.EventHandler) func()
}

// RedisOptions configures a RedisPublisher.
type RedisOptions struct {
	Address  string
	Password string
	DB       int

	// ChannelPrefix defaults to DefaultChannelPrefix.
	ChannelPrefix string

	// Timeout bounds one publish. Default: 2s
	Timeout time.Duration

	Logger *slog.Logger
}

// RedisPublisher publishes each event to two channels:
//
//	<prefix>:<service id>
//	<prefix>:all
type RedisPublisher struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	logger  *slog.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// NewRedisPublisher creates a publisher. The connection is established lazily.
func NewRedisPublisher(opts RedisOptions) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisPublisher(client, opts)
}

func newRedisPublisher(client *redis.Client, opts RedisOptions) *RedisPublisher {
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = DefaultChannelPrefix
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPublisher{
		client:  client,
		prefix:  opts.ChannelPrefix,
		timeout: opts.Timeout,
		logger:  logger.With("component", "events.redis"),
	}
}

// Ping checks the Redis connection.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Channel returns the channel events of serviceID are published on.
func (p *RedisPublisher) Channel(serviceID string) string {
	return p.prefix + ":" + serviceID
}

// AllChannel returns the channel every event is published on.
func (p *RedisPublisher) AllChannel() string {
	return p.prefix + ":all"
}

// Attach subscribes the publisher to src and returns the unsubscribe func.
func (p *RedisPublisher) Attach(src Subscriber) func() {
	return src.Subscribe(p.Handle)
}

// Handle publishes one event. Failures are logged and counted, never returned:
// events are fire-and-forget.
func (p *RedisPublisher) Handle(ev registry.ServiceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Publish(ctx, ev); err != nil {
		p.failed.Add(1)
		p.logger.Warn("failed to publish event",
			"event_type", ev.Type,
			"service_id", ev.ServiceID,
			"error", err,
		)
		return
	}
	p.published.Add(1)
}

// Publish sends ev to both channels in one pipeline.
func (p *RedisPublisher) Publish(ctx context.Context, ev registry.ServiceEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := p.client.Pipeline()
	if ev.ServiceID != "" {
		pipe.Publish(ctx, p.Channel(ev.ServiceID), payload)
	}
	pipe.Publish(ctx, p.AllChannel(), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Stats returns the number of published and failed events.
func (p *RedisPublisher) Stats() (published, failed int64) {
	return p.published.Load(), p.failed.Load()
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
