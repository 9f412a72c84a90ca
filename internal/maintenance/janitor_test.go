package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/futurefish/aquacore/internal/bridge"
	"github.com/futurefish/aquacore/internal/device"
	"github.com/futurefish/aquacore/internal/infrastructure/database/dbtest"
	"github.com/futurefish/aquacore/internal/notify"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakePurger struct {
	cutoff time.Time
	n      int64
	err    error
}

func (f *fakePurger) PurgeTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, f.err
}

func (f *fakePurger) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return f.PurgeTerminalBefore(ctx, cutoff)
}

func TestJanitor_SweepOffline(t *testing.T) {
	ctx := context.Background()
	status := device.NewMemoryStatusStore()
	for id, seen := range map[string]time.Time{
		"dev-stale":  now.Add(-time.Minute),
		"dev-fresh":  now.Add(-10 * time.Second),
		"dev-stale2": now.Add(-31 * time.Second),
	} {
		if _, err := status.Update(ctx, device.Status{DeviceID: id, Online: true, LastSeen: seen}); err != nil {
			t.Fatalf("Update(%s) error = %v", id, err)
		}
	}

	var updates []bridge.StatusUpdate
	j := New(nil, status, Config{HeartbeatTimeout: 30 * time.Second},
		WithClock(fixedClock{now}),
		WithNotifier(notify.Func(func(_ context.Context, u bridge.StatusUpdate) { updates = append(updates, u) })),
	)

	ids, err := j.SweepOffline(ctx)
	if err != nil {
		t.Fatalf("SweepOffline() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "dev-stale" || ids[1] != "dev-stale2" {
		t.Errorf("SweepOffline() = %v, want [dev-stale dev-stale2]", ids)
	}
	if len(updates) != 2 || updates[0].Kind != bridge.UpdateDevice || updates[0].Status != "offline" {
		t.Errorf("notifications = %+v", updates)
	}

	fresh, _ := status.Get(ctx, "dev-fresh")
	if !fresh.Online {
		t.Error("dev-fresh marked offline")
	}

	// Already offline devices are not announced twice.
	if ids, _ = j.SweepOffline(ctx); len(ids) != 0 {
		t.Errorf("second SweepOffline() = %v, want none", ids)
	}
}

func TestJanitor_SweepOfflineDisabled(t *testing.T) {
	status := device.NewMemoryStatusStore()
	if _, err := status.Update(context.Background(), device.Status{DeviceID: "dev", Online: true, LastSeen: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	j := New(nil, status, Config{}, WithClock(fixedClock{now}))
	ids, err := j.SweepOffline(context.Background())
	if err != nil || len(ids) != 0 {
		t.Errorf("SweepOffline() = %v, %v; want nothing with zero timeout", ids, err)
	}
}

func TestJanitor_Purge(t *testing.T) {
	ctx := context.Background()
	log := bridge.NewSQLiteMessageLog(dbtest.Open(t))
	for _, age := range []time.Duration{40 * 24 * time.Hour, 31 * 24 * time.Hour, 2 * 24 * time.Hour} {
		if err := log.Record(ctx, bridge.LogEntry{
			Direction: bridge.DirectionInbound,
			DeviceID:  "dev",
			Topic:     "ff/dev/heartbeat",
			Success:   true,
			CreatedAt: now.Add(-age),
		}); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	commands := &fakePurger{n: 4}
	audit := &fakePurger{n: 7}
	j := New(commands, nil, Config{
		CommandRetention: 90 * 24 * time.Hour,
		MessageRetention: 30 * 24 * time.Hour,
		AuditRetention:   365 * 24 * time.Hour,
	}, WithClock(fixedClock{now}), WithMessageLog(log), WithAuditLog(audit))

	report, err := j.Purge(ctx)
	if err != nil {
		t.Fatalf("Purge() error = %v", err)
	}
	if report.CommandsPurged != 4 || report.MessagesPurged != 2 || report.AuditPurged != 7 {
		t.Errorf("report = %+v, want 4 commands, 2 messages and 7 audit entries", report)
	}
	if want := now.Add(-365 * 24 * time.Hour); !audit.cutoff.Equal(want) {
		t.Errorf("audit cutoff = %v, want %v", audit.cutoff, want)
	}
	if want := now.Add(-90 * 24 * time.Hour); !commands.cutoff.Equal(want) {
		t.Errorf("command cutoff = %v, want %v", commands.cutoff, want)
	}

	remaining, err := log.ListByDevice(ctx, "dev", 10)
	if err != nil {
		t.Fatalf("ListByDevice() error = %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("remaining log entries = %d, want 1", len(remaining))
	}
}

func TestJanitor_SweepJoinsErrors(t *testing.T) {
	boom := errors.New("disk I/O error")
	j := New(&fakePurger{err: boom}, device.NewMemoryStatusStore(), Config{
		CommandRetention: time.Hour,
		HeartbeatTimeout: time.Minute,
	}, WithClock(fixedClock{now}))

	_, err := j.Sweep(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("Sweep() error = %v, want %v", err, boom)
	}
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	j := New(&fakePurger{}, device.NewMemoryStatusStore(), Config{HeartbeatTimeout: time.Second})

	done := make(chan struct{})
	go func() {
		j.Run(ctx, 5*time.Millisecond, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
