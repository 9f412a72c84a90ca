package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/futurefish/aquacore/internal/bridge"
	"github.com/futurefish/aquacore/internal/infrastructure/database/dbtest"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingPublisher captures outbound messages; set fail to simulate an
// unreachable bridge.
type recordingPublisher struct {
	mu   sync.Mutex
	msgs []bridge.OutboundMessage
	fail bool
}

func (p *recordingPublisher) PublishOutbound(_ context.Context, deviceID string, msg bridge.OutboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return bridge.ErrUnavailable
	}
	msg.DeviceID = deviceID
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type recordingNotifier struct {
	mu      sync.Mutex
	updates []bridge.StatusUpdate
}

func (n *recordingNotifier) Notify(_ context.Context, u bridge.StatusUpdate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, u)
}

func (n *recordingNotifier) statuses() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.updates))
	for i, u := range n.updates {
		out[i] = u.Status
	}
	return out
}

type harness struct {
	tracker  *Tracker
	repo     *SQLiteRepository
	pub      *recordingPublisher
	clock    *fakeClock
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:     NewSQLiteRepository(dbtest.Open(t)),
		pub:      &recordingPublisher{},
		clock:    newFakeClock(),
		notifier: &recordingNotifier{},
	}
	h.tracker = NewTracker(h.repo, h.pub, Config{TimeoutSeconds: 10, MaxRetries: 3, QoS: 1},
		WithClock(h.clock), WithNotifier(h.notifier))
	return h
}

func feedSpec(amount float64, maxRetries int) Spec {
	return Spec{
		Target:      Target{DeviceID: "AA:BB:CC:DD:EE:FF", PondID: "pond-1", Position: 1},
		Kind:        KindFeed,
		Params:      FeedParams{Amount: amount},
		MaxRetries:  maxRetries,
		ExecutionID: "exec-1",
	}
}

func (h *harness) mustGet(t *testing.T, id string) *Command {
	t.Helper()
	c, err := h.repo.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return c
}

func (h *harness) nextEvent(t *testing.T) Resolved {
	t.Helper()
	select {
	case ev := <-h.tracker.Events():
		return ev
	default:
		t.Fatal("expected a Resolved event")
	}
	return Resolved{}
}

func (h *harness) noEvent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.tracker.Events():
		t.Fatalf("unexpected Resolved event %+v", ev)
	default:
	}
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
