package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/futurefish/aquacore/internal/bridge"
	"github.com/futurefish/aquacore/internal/command"
	"github.com/futurefish/aquacore/internal/device"
	"github.com/futurefish/aquacore/internal/infrastructure/database"
	"github.com/futurefish/aquacore/internal/infrastructure/database/dbtest"
)

// t0 is a Sunday.
var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

const testDevice = "AA:BB:CC:DD:EE:FF"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

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

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []bridge.OutboundMessage
}

func (p *recordingPublisher) PublishOutbound(_ context.Context, _ string, msg bridge.OutboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type recordingObserver struct {
	mu       sync.Mutex
	finished []Execution
}

func (o *recordingObserver) ExecutionFinished(_ context.Context, e *Execution) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, *e)
	return nil
}

func (o *recordingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.finished)
}

type harness struct {
	coord    *Coordinator
	tracker  *command.Tracker
	watchdog *command.Watchdog
	clock    *fakeClock
	pub      *recordingPublisher
	observer *recordingObserver
	db       *database.DB
	registry *device.Registry
	cfg      Config
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	db := dbtest.Open(t)
	clock := &fakeClock{now: t0}

	registry := device.NewRegistry(device.NewSQLiteRepository(db))
	err := registry.Register(ctx, &device.Device{
		ID:      testDevice,
		OwnerID: "owner-1",
		Ponds: []device.Pond{
			{ID: "pond-1", Position: 1},
			{ID: "pond-2", Position: 2},
		},
	})
	if err != nil {
		t.Fatalf("registering device: %v", err)
	}

	pub := &recordingPublisher{}
	tracker := command.NewTracker(command.NewSQLiteRepository(db), pub, trackerConfig, command.WithClock(clock))
	if cfg.ConflictBackoff == 0 {
		cfg.ConflictBackoff = time.Minute
	}
	h := &harness{
		tracker:  tracker,
		watchdog: command.NewWatchdog(tracker, time.Second),
		clock:    clock,
		pub:      pub,
		observer: &recordingObserver{},
		db:       db,
		registry: registry,
		cfg:      cfg,
	}
	h.rewire(tracker)
	return h
}

var trackerConfig = command.Config{TimeoutSeconds: 10, MaxRetries: 0, QoS: 1}

// rewire replaces the coordinator with one issuing through cmds.
func (h *harness) rewire(cmds Commands) {
	h.coord = NewCoordinator(NewStore(h.db), cmds, h.registry, h.cfg, WithClock(h.clock))
	h.coord.Observe(h.observer)
}

// peer builds a coordinator on its own handle to the same database file,
// standing in for a second aquacore process.
func (h *harness) peer(t *testing.T) *Coordinator {
	t.Helper()
	db := dbtest.Reopen(t, h.db)
	tracker := command.NewTracker(command.NewSQLiteRepository(db), h.pub, trackerConfig, command.WithClock(h.clock))
	registry := device.NewRegistry(device.NewSQLiteRepository(db))
	return NewCoordinator(NewStore(db), tracker, registry, h.cfg, WithClock(h.clock))
}

// pump feeds every pending resolved event to the coordinator.
func (h *harness) pump(t *testing.T) {
	t.Helper()
	for {
		select {
		case ev := <-h.tracker.Events():
			if err := h.coord.HandleResolved(context.Background(), ev); err != nil {
				t.Fatalf("HandleResolved() error = %v", err)
			}
		default:
			return
		}
	}
}

// finishCommand acks and completes a command as the device would.
func (h *harness) finishCommand(t *testing.T, id string, success bool) {
	t.Helper()
	ctx := context.Background()
	if err := h.tracker.OnAck(ctx, id, true, "accepted"); err != nil {
		t.Fatalf("OnAck() error = %v", err)
	}
	if err := h.tracker.OnComplete(ctx, id, success, 1500, ""); err != nil {
		t.Fatalf("OnComplete() error = %v", err)
	}
	h.pump(t)
}

func (h *harness) request(t *testing.T, req Request) *Result {
	t.Helper()
	res, err := h.coord.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("Request(%s %s) error = %v", req.Origin, req.Action, err)
	}
	return res
}

func (h *harness) mustGet(t *testing.T, id string) *Execution {
	t.Helper()
	e, err := h.coord.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return e
}

func (h *harness) commandsOf(t *testing.T, executionID string) []command.Command {
	t.Helper()
	cmds, err := h.tracker.ListByExecution(context.Background(), executionID)
	if err != nil {
		t.Fatalf("ListByExecution() error = %v", err)
	}
	return cmds
}

func drainRequest(origin Origin) Request {
	return Request{
		PondID: "pond-1",
		Action: command.KindWaterDrain,
		Params: command.DrainParams{DrainLevel: 30},
		Origin: origin,
	}
}
