// Package notify fans command and execution status changes out to
// dashboards: the Redis status channels and the WebSocket hub.
package notify

import (
	"context"

	"github.com/futurefish/aquacore/internal/bridge"
)

// Notifier receives status updates. Implementations must not block for long
// and never fail the caller; delivery problems are theirs to log.
type Notifier interface {
	Notify(ctx context.Context, update bridge.StatusUpdate)
}

// Multi dispatches updates to several notifiers.
type Multi struct {
	notifiers []Notifier
}

// NewMulti constructs a Multi. Nil entries are skipped.
func NewMulti(notifiers ...Notifier) *Multi {
	return &Multi{notifiers: notifiers}
}

// Notify forwards update to every notifier.
func (m *Multi) Notify(ctx context.Context, update bridge.StatusUpdate) {
	if m == nil {
		return
	}
	for _, n := range m.notifiers {
		if n != nil {
			n.Notify(ctx, update)
		}
	}
}

// Logger is the subset of logging.Logger used here.
type Logger interface {
	Warn(msg string, args ...any)
}

// Bus publishes updates onto the bridge status channels.
type Bus struct {
	pub    bridge.StatusPublisher
	logger Logger
}

// NewBus wraps a status publisher. logger may be nil.
func NewBus(pub bridge.StatusPublisher, logger Logger) *Bus {
	return &Bus{pub: pub, logger: logger}
}

// Notify publishes update, logging failures.
func (b *Bus) Notify(ctx context.Context, update bridge.StatusUpdate) {
	if err := b.pub.PublishStatus(ctx, update); err != nil && b.logger != nil {
		b.logger.Warn("status publish failed", "kind", update.Kind, "id", update.ID, "error", err)
	}
}

// Func adapts a plain function to Notifier.
type Func func(ctx context.Context, update bridge.StatusUpdate)

// Notify calls f.
func (f Func) Notify(ctx context.Context, update bridge.StatusUpdate) {
	f(ctx, update)
}
