// Package redisrelay shares emissions between gateway instances over Redis
// pub/sub. Each instance publishes what it emits locally and delivers what
// other instances publish to its own connections, never re-publishing.
package redisrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/lorrc/farmlink-realtime/internal/core/domain"
	"github.com/lorrc/farmlink-realtime/internal/core/ports"
)

// DefaultChannel is the pub/sub channel shared by all instances
const DefaultChannel = "farmlink:realtime"

// ErrSubscriptionClosed is returned by Run when Redis closes the
// subscription channel.
var ErrSubscriptionClosed = errors.New("relay subscription closed")

// Relay publishes and receives relay envelopes
type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger

	readyOnce sync.Once
	ready     chan struct{}
}

// Ensure Relay implements the ports it serves.
var (
	_ ports.Relay         = (*Relay)(nil)
	_ ports.HealthChecker = (*Relay)(nil)
)

// NewClient creates a Redis client from a redis:// URL
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// New creates a relay with a fresh origin id
func New(client *redis.Client, channel string, logger *slog.Logger) *Relay {
	if channel == "" {
		channel = DefaultChannel
	}
	origin := uuid.NewString()
	return &Relay{
		client:  client,
		channel: channel,
		origin:  origin,
		logger:  logger.With("component", "redis_relay", "origin", origin),
		ready:   make(chan struct{}),
	}
}

// Origin identifies this instance in published envelopes
func (r *Relay) Origin() string {
	return r.origin
}

// Ready is closed once the subscription is confirmed
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Publish sends msg to the other instances
func (r *Relay) Publish(ctx context.Context, msg domain.RelayMessage) error {
	data, err := encodeEnvelope(r.origin, msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.channel, err)
	}
	return nil
}

// Ping checks the Redis connection
func (r *Relay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Run delivers envelopes from other instances to fanout until ctx is
// cancelled. The client resubscribes on its own after connection loss.
func (r *Relay) Run(ctx context.Context, fanout ports.Fanout) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe to %s: %w", r.channel, err)
	}
	r.logger.Info("relay subscribed", "channel", r.channel)
	r.readyOnce.Do(func() { close(r.ready) })

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return ErrSubscriptionClosed
			}
			r.deliver(fanout, []byte(msg.Payload))
		}
	}
}

func (r *Relay) deliver(fanout ports.Fanout, data []byte) {
	origin, msg, err := decodeEnvelope(data)
	if err != nil {
		r.logger.Warn("dropping malformed relay envelope", "error", err)
		return
	}
	if origin == r.origin {
		return
	}

	var attempts int
	if msg.Global {
		attempts = fanout.DeliverToAll(msg.Event)
	} else {
		attempts = fanout.DeliverToRoom(msg.Room, msg.Event)
	}

	r.logger.Debug("relayed event delivered",
		"from", origin,
		"event_type", msg.Event.Type,
		"room", msg.Room,
		"local_deliveries", attempts,
	)
}
