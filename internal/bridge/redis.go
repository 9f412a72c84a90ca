package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumerBuffer is the per-subscription channel depth.
const consumerBuffer = 256

// RedisBus carries bridge traffic over Redis pub/sub.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type RedisBus struct {
	rdb      redis.UniversalClient
	channels Channels
	logger   Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBus wraps an existing client. The bus does not own rdb; Close
// only tears down subscriptions.
func NewRedisBus(rdb redis.UniversalClient, channels Channels) *RedisBus {
	return &RedisBus{
		rdb:      rdb,
		channels: channels,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for decode failures.
func (b *RedisBus) SetLogger(logger Logger) {
	b.logger = logger
}

// PublishOutbound implements Publisher.
func (b *RedisBus) PublishOutbound(ctx context.Context, deviceID string, msg OutboundMessage) error {
	if deviceID == "" {
		return fmt.Errorf("%w: device id required", ErrInvalidMessage)
	}
	msg.DeviceID = deviceID
	if msg.Source == "" {
		msg.Source = SourceCore
	}
	return b.publish(ctx, b.channels.Outgoing, msg)
}

// PublishInbound implements BrokerSide.
func (b *RedisBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	if msg.Source == "" {
		msg.Source = SourceBridge
	}
	return b.publish(ctx, b.channels.Incoming, msg)
}

// PublishStatus publishes to the shared status channel and to the
// per-command channel when the update is about a command.
func (b *RedisBus) PublishStatus(ctx context.Context, update StatusUpdate) error {
	if err := b.publish(ctx, b.channels.Status, update); err != nil {
		return err
	}
	if update.Kind == UpdateCommand && update.ID != "" {
		return b.publish(ctx, CommandStatusChannel(update.ID), update)
	}
	return nil
}

func (b *RedisBus) publish(ctx context.Context, channel string, v any) error {
	if b.isClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encoding: %w", ErrInvalidMessage, err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("%w: publish %s: %w", ErrUnavailable, channel, err)
	}
	return nil
}

// ConsumeInbound implements Consumer.
func (b *RedisBus) ConsumeInbound(ctx context.Context) (<-chan InboundMessage, error) {
	return redisSubscribe[InboundMessage](ctx, b, b.channels.Incoming)
}

// ConsumeOutbound implements BrokerSide.
func (b *RedisBus) ConsumeOutbound(ctx context.Context) (<-chan OutboundMessage, error) {
	return redisSubscribe[OutboundMessage](ctx, b, b.channels.Outgoing)
}

// redisSubscribe confirms the subscription before returning so that nothing
// published after the call is missed, then decodes messages until ctx ends.
func redisSubscribe[T any](ctx context.Context, b *RedisBus, channel string) (<-chan T, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	ps := b.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: subscribe %s: %w", ErrUnavailable, channel, err)
	}
	b.track(ps)

	out := make(chan T, consumerBuffer)
	go func() {
		defer close(out)
		defer ps.Close() //nolint:errcheck // Subscription teardown

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				var v T
				if err := json.Unmarshal([]byte(m.Payload), &v); err != nil {
					b.logger.Warn("dropping undecodable bus message", "channel", channel, "error", err)
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) track(ps *redis.PubSub) {
	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Status pings Redis and reports subscriber counts for the bridge channels.
func (b *RedisBus) Status(ctx context.Context) (Health, error) {
	h := Health{Backend: "redis", CheckedAt: time.Now().UTC()}
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return h, fmt.Errorf("%w: ping: %w", ErrUnavailable, err)
	}
	h.Connected = true

	counts, err := b.rdb.PubSubNumSub(ctx, b.channels.Outgoing, b.channels.Incoming, b.channels.Status).Result()
	if err != nil {
		return h, fmt.Errorf("%w: numsub: %w", ErrUnavailable, err)
	}
	h.Subscribers = counts
	return h, nil
}

// Close tears down all subscriptions opened through this bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ps := range b.subs {
		_ = ps.Close() //nolint:errcheck // Already shutting down
	}
	b.subs = nil
	return nil
}
