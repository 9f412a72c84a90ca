package bridge

import (
	"context"
	"sync"
	"time"
)

// MemoryBus is an in-process Bus for single-binary runs and tests.
//
// Like Redis pub/sub it delivers only to current subscribers. A subscriber
// whose buffer is full misses the message, which is logged.
type MemoryBus struct {
	outgoing fanout[OutboundMessage]
	incoming fanout[InboundMessage]
	status   fanout[StatusUpdate]
	logger   Logger

	mu     sync.Mutex
	closed bool
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{logger: noopLogger{}}
}

// SetLogger sets the logger for dropped deliveries.
func (b *MemoryBus) SetLogger(logger Logger) {
	b.logger = logger
}

// PublishOutbound implements Publisher.
func (b *MemoryBus) PublishOutbound(_ context.Context, deviceID string, msg OutboundMessage) error {
	if err := b.check(); err != nil {
		return err
	}
	if deviceID == "" {
		return ErrInvalidMessage
	}
	msg.DeviceID = deviceID
	if msg.Source == "" {
		msg.Source = SourceCore
	}
	if dropped := b.outgoing.publish(msg); dropped > 0 {
		b.logger.Warn("outbound message dropped by slow consumer", "command_id", msg.CommandID, "dropped", dropped)
	}
	return nil
}

// PublishInbound implements BrokerSide.
func (b *MemoryBus) PublishInbound(_ context.Context, msg InboundMessage) error {
	if err := b.check(); err != nil {
		return err
	}
	if msg.Source == "" {
		msg.Source = SourceBridge
	}
	if dropped := b.incoming.publish(msg); dropped > 0 {
		b.logger.Warn("inbound message dropped by slow consumer", "topic", msg.Topic, "dropped", dropped)
	}
	return nil
}

// PublishStatus implements StatusPublisher.
func (b *MemoryBus) PublishStatus(_ context.Context, update StatusUpdate) error {
	if err := b.check(); err != nil {
		return err
	}
	b.status.publish(update)
	return nil
}

// ConsumeInbound implements Consumer.
func (b *MemoryBus) ConsumeInbound(ctx context.Context) (<-chan InboundMessage, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.incoming.subscribe(ctx), nil
}

// ConsumeOutbound implements BrokerSide.
func (b *MemoryBus) ConsumeOutbound(ctx context.Context) (<-chan OutboundMessage, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.outgoing.subscribe(ctx), nil
}

// ConsumeStatus subscribes to status updates. Used by tests and the
// single-process WebSocket wiring.
func (b *MemoryBus) ConsumeStatus(ctx context.Context) (<-chan StatusUpdate, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return b.status.subscribe(ctx), nil
}

// Status reports subscriber counts.
func (b *MemoryBus) Status(_ context.Context) (Health, error) {
	ch := DefaultChannels()
	return Health{
		Backend:   "memory",
		Connected: b.check() == nil,
		Subscribers: map[string]int64{
			ch.Outgoing: int64(b.outgoing.count()),
			ch.Incoming: int64(b.incoming.count()),
			ch.Status:   int64(b.status.count()),
		},
		CheckedAt: time.Now().UTC(),
	}, nil
}

// Close closes every subscriber channel.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.outgoing.closeAll()
	b.incoming.closeAll()
	b.status.closeAll()
	return nil
}

func (b *MemoryBus) check() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// fanout delivers each published value to every live subscriber.
type fanout[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

func (f *fanout[T]) subscribe(ctx context.Context) <-chan T {
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[int]chan T)
	}
	id := f.next
	f.next++
	ch := make(chan T, consumerBuffer)
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
	}()
	return ch
}

// publish returns how many subscribers missed v because their buffer was full.
func (f *fanout[T]) publish(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	dropped := 0
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
			dropped++
		}
	}
	return dropped
}

func (f *fanout[T]) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fanout[T]) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
