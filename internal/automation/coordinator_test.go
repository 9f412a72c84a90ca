package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/futurefish/aquacore/internal/command"
	"github.com/futurefish/aquacore/internal/device"
)

func TestCoordinator_ManualFeed(t *testing.T) {
	h := newHarness(t, Config{})

	res := h.request(t, Request{
		PondID:      "pond-2",
		Action:      command.KindFeed,
		Params:      command.FeedParams{Amount: 150},
		Origin:      OriginManual,
		RequestedBy: "user-7",
	})
	exec := res.Execution
	if exec.Status != StatusExecuting || exec.Priority != PriorityManual || exec.Kind != KindFeed {
		t.Fatalf("execution = %+v, want EXECUTING MANUAL_COMMAND FEED", exec)
	}
	if len(res.Commands) != 1 {
		t.Fatalf("issued %d commands, want 1", len(res.Commands))
	}
	cmd := res.Commands[0]
	if cmd.PondPosition != 2 || cmd.DeviceID != testDevice || cmd.ExecutionID != exec.ID {
		t.Errorf("command = %+v, want position 2 on %s owned by %s", cmd, testDevice, exec.ID)
	}
	if h.pub.count() != 1 {
		t.Errorf("published %d messages, want 1", h.pub.count())
	}

	h.finishCommand(t, cmd.ID, true)

	got := h.mustGet(t, exec.ID)
	if got.Status != StatusCompleted || got.Success == nil || !*got.Success || got.CompletedAt == nil {
		t.Errorf("execution after completion = %+v, want COMPLETED success", got)
	}
	if h.observer.count() != 1 {
		t.Errorf("observer saw %d finishes, want 1", h.observer.count())
	}
}

func TestCoordinator_FlushRunsDrainThenFill(t *testing.T) {
	h := newHarness(t, Config{})

	res := h.request(t, Request{
		PondID: "pond-1",
		Action: command.KindWaterFlush,
		Params: command.FlushParams{DrainLevel: 20, FillLevel: 80},
		Origin: OriginManual,
	})
	if len(res.Commands) != 1 || res.Commands[0].Kind != command.KindWaterDrain {
		t.Fatalf("first command = %+v, want a single WATER_DRAIN", res.Commands)
	}
	if p := res.Commands[0].Params.(command.DrainParams); p.DrainLevel != 20 {
		t.Errorf("drain level = %v, want 20", p.DrainLevel)
	}

	h.finishCommand(t, res.Commands[0].ID, true)

	cmds := h.commandsOf(t, res.Execution.ID)
	if len(cmds) != 2 || cmds[1].Kind != command.KindWaterFill {
		t.Fatalf("commands after drain = %+v, want drain then fill", cmds)
	}
	if p := cmds[1].Params.(command.FillParams); p.TargetLevel != 80 {
		t.Errorf("fill level = %v, want 80", p.TargetLevel)
	}
	if got := h.mustGet(t, res.Execution.ID); got.Status != StatusExecuting {
		t.Fatalf("execution between steps = %s, want EXECUTING", got.Status)
	}

	h.finishCommand(t, cmds[1].ID, true)
	if got := h.mustGet(t, res.Execution.ID); got.Status != StatusCompleted {
		t.Errorf("execution = %s, want COMPLETED", got.Status)
	}
}

func TestCoordinator_FlushDrainTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{FlushRecoveryLevel: 60})

	res := h.request(t, Request{
		PondID: "pond-1",
		Action: command.KindWaterFlush,
		Params: command.FlushParams{DrainLevel: 20, FillLevel: 80},
		Origin: OriginSchedule,
	})

	h.clock.Advance(11 * time.Second)
	if _, err := h.watchdog.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	h.pump(t)

	got := h.mustGet(t, res.Execution.ID)
	if got.Status != StatusFailed || got.ErrorCode != CodeFlushDrainFailed {
		t.Fatalf("execution = %s/%s, want FAILED/%s", got.Status, got.ErrorCode, CodeFlushDrainFailed)
	}
	if n := len(h.commandsOf(t, res.Execution.ID)); n != 1 {
		t.Errorf("%d commands, want only the drain", n)
	}
	// A failed drain leaves the pond full; no recovery fill.
	execs, _ := h.coord.ListExecutions(ctx, "pond-1", 10)
	if len(execs) != 1 {
		t.Errorf("%d executions, want 1", len(execs))
	}
}

func TestCoordinator_FlushFillFailureRecovery(t *testing.T) {
	tests := []struct {
		name          string
		recoveryLevel float64
		wantRecovery  bool
	}{
		{name: "recovery disabled", recoveryLevel: 0},
		{name: "recovery enabled", recoveryLevel: 60, wantRecovery: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, Config{FlushRecoveryLevel: tt.recoveryLevel})

			res := h.request(t, Request{
				PondID: "pond-1",
				Action: command.KindWaterFlush,
				Params: command.FlushParams{DrainLevel: 20, FillLevel: 80},
				Origin: OriginManual,
			})
			h.finishCommand(t, res.Commands[0].ID, true)
			fill := h.commandsOf(t, res.Execution.ID)[1]
			h.finishCommand(t, fill.ID, false)

			got := h.mustGet(t, res.Execution.ID)
			if got.Status != StatusFailed || got.ErrorCode != CodeFlushFillFailed {
				t.Fatalf("execution = %s/%s, want FAILED/%s", got.Status, got.ErrorCode, CodeFlushFillFailed)
			}

			execs, err := h.coord.ListExecutions(ctx, "pond-1", 10)
			if err != nil {
				t.Fatalf("ListExecutions() error = %v", err)
			}
			if !tt.wantRecovery {
				if len(execs) != 1 {
					t.Errorf("%d executions, want no recovery", len(execs))
				}
				return
			}
			if len(execs) != 2 {
				t.Fatalf("%d executions, want flush plus recovery", len(execs))
			}
			var recovery *Execution
			for i := range execs {
				if execs[i].Origin == OriginRecovery {
					recovery = &execs[i]
				}
			}
			if recovery == nil {
				t.Fatal("no recovery execution")
			}
			if recovery.Priority != PriorityEmergency || recovery.Action != command.KindWaterFill || recovery.Status != StatusExecuting {
				t.Errorf("recovery = %+v, want EXECUTING EMERGENCY_WATER WATER_FILL", recovery)
			}
			if p := recovery.Params.(command.FillParams); p.TargetLevel != 60 {
				t.Errorf("recovery level = %v, want 60", p.TargetLevel)
			}
		})
	}
}

func TestCoordinator_ManualFeedDuringScheduledFill(t *testing.T) {
	h := newHarness(t, Config{})

	fill := h.request(t, Request{
		PondID: "pond-1",
		Action: command.KindWaterFill,
		Params: command.FillParams{TargetLevel: 90},
		Origin: OriginSchedule,
	})
	if fill.Execution.Status != StatusExecuting {
		t.Fatalf("fill = %s, want EXECUTING", fill.Execution.Status)
	}

	feed := h.request(t, Request{
		PondID: "pond-1",
		Action: command.KindFeed,
		Params: command.FeedParams{Amount: 50},
		Origin: OriginManual,
	})
	if feed.Execution.Status != StatusExecuting {
		t.Errorf("feed = %s, want EXECUTING alongside the fill", feed.Execution.Status)
	}

	// The same pond's water resource is taken, even for a manual request.
	res, err := h.coord.Request(context.Background(), drainRequest(OriginManual))
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("manual drain error = %v, want ErrBusy", err)
	}
	if res == nil || res.Execution.Status != StatusCancelled || res.Execution.ErrorCode != CodeConflictBusy {
		t.Fatalf("manual drain result = %+v, want CANCELLED/CONFLICT_BUSY", res)
	}
	if res.Decision.BlockedBy == nil || res.Decision.BlockedBy.ID != fill.Execution.ID {
		t.Errorf("BlockedBy = %+v, want the fill", res.Decision.BlockedBy)
	}

	// Other ponds are independent.
	other := drainRequest(OriginManual)
	other.PondID = "pond-2"
	if got := h.request(t, other); got.Execution.Status != StatusExecuting {
		t.Errorf("pond-2 drain = %s, want EXECUTING", got.Execution.Status)
	}
}

func TestCoordinator_OverlappingScheduledDrains(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ConflictBackoff: time.Minute})

	first := h.request(t, drainRequest(OriginSchedule))
	second := h.request(t, drainRequest(OriginSchedule))
	if first.Execution.Status != StatusExecuting {
		t.Fatalf("first = %s, want EXECUTING", first.Execution.Status)
	}
	if second.Execution.Status != StatusPending || second.Execution.Attempts != 1 {
		t.Fatalf("second = %s attempts %d, want PENDING after one deferral", second.Execution.Status, second.Execution.Attempts)
	}
	if !second.Execution.ScheduledAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("second due at %v, want %v", second.Execution.ScheduledAt, t0.Add(time.Minute))
	}
	if len(second.Commands) != 0 {
		t.Errorf("deferred execution issued %d commands", len(second.Commands))
	}

	// Not yet due.
	tick, err := h.coord.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("ProcessDue() error = %v", err)
	}
	if tick != (Tick{}) {
		t.Errorf("early tick = %+v, want nothing", tick)
	}

	h.finishCommand(t, first.Commands[0].ID, true)
	h.clock.Advance(time.Minute)

	tick, err = h.coord.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("ProcessDue() error = %v", err)
	}
	if tick.Started != 1 {
		t.Errorf("tick = %+v, want one start", tick)
	}
	if got := h.mustGet(t, second.Execution.ID); got.Status != StatusExecuting {
		t.Errorf("second = %s, want EXECUTING", got.Status)
	}
	if n := len(h.commandsOf(t, second.Execution.ID)); n != 1 {
		t.Errorf("second issued %d commands, want 1", n)
	}
}

func TestCoordinator_ConcurrentScheduledDrainsAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ConflictBackoff: time.Minute})
	coords := []*Coordinator{h.coord, h.peer(t)}

	const requests = 20
	var wg sync.WaitGroup
	errs := make(chan error, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			if _, err := c.Request(ctx, drainRequest(OriginSchedule)); err != nil {
				errs <- err
			}
		}(coords[i%len(coords)])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Request() error = %v", err)
	}

	execs, err := h.coord.ListExecutions(ctx, "pond-1", 2*requests)
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	if len(execs) != requests {
		t.Fatalf("%d executions, want %d", len(execs), requests)
	}
	var executing, pending int
	for _, e := range execs {
		switch e.Status {
		case StatusExecuting:
			executing++
		case StatusPending:
			pending++
		}
	}
	if executing != 1 || pending != requests-1 {
		t.Errorf("executing = %d pending = %d, want 1 and %d", executing, pending, requests-1)
	}
	if n := h.pub.count(); n != 1 {
		t.Errorf("%d commands published, want 1", n)
	}
}

func TestCoordinator_DeferredQueueHonoursPriority(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	running := h.request(t, Request{
		PondID: "pond-1",
		Action: command.KindWaterFill,
		Params: command.FillParams{TargetLevel: 70},
		Origin: OriginManual,
	})
	threshold := h.request(t, drainRequest(OriginThreshold))
	scheduled := h.request(t, drainRequest(OriginSchedule))
	if threshold.Execution.Status != StatusPending || scheduled.Execution.Status != StatusPending {
		t.Fatal("both drains should be deferred")
	}

	h.finishCommand(t, running.Commands[0].ID, true)
	h.clock.Advance(time.Minute)

	tick, err := h.coord.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("ProcessDue() error = %v", err)
	}
	if tick.Started != 1 || tick.Deferred != 1 {
		t.Fatalf("tick = %+v, want one start and one deferral", tick)
	}
	if got := h.mustGet(t, scheduled.Execution.ID); got.Status != StatusExecuting {
		t.Errorf("scheduled drain = %s, want EXECUTING (outranks threshold)", got.Status)
	}
	got := h.mustGet(t, threshold.Execution.ID)
	if got.Status != StatusPending || got.Attempts != 2 {
		t.Errorf("threshold drain = %s attempts %d, want PENDING after two deferrals", got.Status, got.Attempts)
	}
}

func TestCoordinator_GivesUpAfterMaxDeferrals(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{MaxDeferrals: 1})

	h.request(t, drainRequest(OriginManual))
	deferred := h.request(t, drainRequest(OriginThreshold))

	h.clock.Advance(time.Minute)
	tick, err := h.coord.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("ProcessDue() error = %v", err)
	}
	if tick.Cancelled != 1 {
		t.Errorf("tick = %+v, want one cancellation", tick)
	}
	got := h.mustGet(t, deferred.Execution.ID)
	if got.Status != StatusCancelled || got.ErrorCode != CodeConflictBusy {
		t.Errorf("execution = %s/%s, want CANCELLED/%s", got.Status, got.ErrorCode, CodeConflictBusy)
	}
	if h.observer.count() != 1 {
		t.Errorf("observer saw %d finishes, want 1", h.observer.count())
	}
}

func TestCoordinator_CommandFailureFailsExecution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	rejected := h.request(t, Request{PondID: "pond-1", Action: command.KindReboot, Origin: OriginManual})
	if err := h.tracker.OnAck(ctx, rejected.Commands[0].ID, false, "busy"); err != nil {
		t.Fatalf("OnAck() error = %v", err)
	}
	h.pump(t)
	if got := h.mustGet(t, rejected.Execution.ID); got.Status != StatusFailed || got.ErrorCode != CodeCommandFailed {
		t.Errorf("rejected = %s/%s, want FAILED/%s", got.Status, got.ErrorCode, CodeCommandFailed)
	}

	timedOut := h.request(t, Request{
		PondID: "pond-2",
		Action: command.KindFeed,
		Params: command.FeedParams{Amount: 10},
		Origin: OriginManual,
	})
	h.clock.Advance(11 * time.Second)
	if _, err := h.watchdog.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	h.pump(t)
	if got := h.mustGet(t, timedOut.Execution.ID); got.Status != StatusFailed || got.ErrorCode != CodeCommandTimeout {
		t.Errorf("timed out = %s/%s, want FAILED/%s", got.Status, got.ErrorCode, CodeCommandTimeout)
	}
}

// cancellingCommands cancels the caller's context as soon as a command has
// been stored, as a client hanging up mid-request would.
type cancellingCommands struct {
	Commands
	cancel context.CancelFunc
}

func (c *cancellingCommands) Create(ctx context.Context, spec command.Spec) (*command.Command, error) {
	cmd, err := c.Commands.Create(ctx, spec)
	c.cancel()
	return cmd, err
}

func TestCoordinator_CallerCancelAfterAdmissionStillPublishes(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.rewire(&cancellingCommands{Commands: h.tracker, cancel: cancel})

	res, err := h.coord.Request(ctx, drainRequest(OriginManual))
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if h.pub.count() != 1 {
		t.Fatalf("%d commands published, want 1", h.pub.count())
	}
	cmds := h.commandsOf(t, res.Execution.ID)
	if len(cmds) != 1 || cmds[0].Status != command.StatusSent {
		t.Fatalf("commands = %+v, want one SENT", cmds)
	}

	h.finishCommand(t, cmds[0].ID, true)
	if got := h.mustGet(t, res.Execution.ID); got.Status != StatusCompleted {
		t.Errorf("execution = %s, want COMPLETED", got.Status)
	}
}

// unpublishableCommands stores commands but never gets them marked sent.
type unpublishableCommands struct {
	Commands
}

func (unpublishableCommands) Publish(context.Context, *command.Command) error {
	return errors.New("database is locked")
}

func TestCoordinator_UnpublishedCommandTimesOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})
	h.rewire(unpublishableCommands{Commands: h.tracker})

	res := h.request(t, drainRequest(OriginSchedule))
	cmds := h.commandsOf(t, res.Execution.ID)
	if len(cmds) != 1 || cmds[0].Status != command.StatusPending || cmds[0].DeadlineAt == nil {
		t.Fatalf("commands = %+v, want one PENDING with a deadline", cmds)
	}

	h.clock.Advance(10 * time.Minute)
	if _, err := h.watchdog.Sweep(ctx); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	h.pump(t)
	if _, err := h.coord.ProcessDue(ctx); err != nil {
		t.Fatalf("ProcessDue() error = %v", err)
	}

	cmd, err := h.tracker.Get(ctx, cmds[0].ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if cmd.Status != command.StatusTimeout {
		t.Errorf("command = %s, want TIMEOUT", cmd.Status)
	}
	got := h.mustGet(t, res.Execution.ID)
	if got.Status != StatusFailed || got.ErrorCode != CodeCommandTimeout {
		t.Errorf("execution = %s/%s, want FAILED/%s", got.Status, got.ErrorCode, CodeCommandTimeout)
	}

	// The pond is free again.
	next := h.request(t, drainRequest(OriginSchedule))
	if next.Execution.Status != StatusExecuting {
		t.Errorf("next = %s, want EXECUTING", next.Execution.Status)
	}
}

func TestCoordinator_DuplicateResolvedIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	res := h.request(t, drainRequest(OriginManual))
	h.finishCommand(t, res.Commands[0].ID, true)

	ev := command.Resolved{
		CommandID:   res.Commands[0].ID,
		ExecutionID: res.Execution.ID,
		Kind:        command.KindWaterDrain,
		Outcome:     command.StatusFailed,
	}
	if err := h.coord.HandleResolved(ctx, ev); err != nil {
		t.Fatalf("HandleResolved() error = %v", err)
	}
	if got := h.mustGet(t, res.Execution.ID); got.Status != StatusCompleted {
		t.Errorf("execution = %s, want COMPLETED unchanged", got.Status)
	}
	if err := h.coord.HandleResolved(ctx, command.Resolved{CommandID: "x", ExecutionID: "missing"}); err != nil {
		t.Errorf("unknown execution error = %v, want nil", err)
	}
	if h.observer.count() != 1 {
		t.Errorf("observer saw %d finishes, want 1", h.observer.count())
	}
}

func TestCoordinator_RequestValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{name: "zero feed", req: Request{PondID: "pond-1", Action: command.KindFeed, Params: command.FeedParams{}, Origin: OriginManual}, wantErr: ErrValidation},
		{name: "feed over limit", req: Request{PondID: "pond-1", Action: command.KindFeed, Params: command.FeedParams{Amount: 1001}, Origin: OriginManual}, wantErr: ErrValidation},
		{name: "drain above 100", req: Request{PondID: "pond-1", Action: command.KindWaterDrain, Params: command.DrainParams{DrainLevel: 101}, Origin: OriginManual}, wantErr: ErrValidation},
		{name: "flush drain above fill", req: Request{PondID: "pond-1", Action: command.KindWaterFlush, Params: command.FlushParams{DrainLevel: 80, FillLevel: 20}, Origin: OriginManual}, wantErr: ErrValidation},
		{name: "valve with params", req: Request{PondID: "pond-1", Action: command.KindWaterInletOpen, Params: command.FeedParams{Amount: 1}, Origin: OriginManual}, wantErr: ErrValidation},
		{name: "firmware without url", req: Request{PondID: "pond-1", Action: command.KindFirmwareUpdate, Origin: OriginManual}, wantErr: ErrValidation},
		{name: "threshold inverted", req: Request{PondID: "pond-1", Action: command.KindThresholdUpdate, Params: command.ThresholdParams{Parameter: "ph", Lower: 9, Upper: 6}, Origin: OriginManual}, wantErr: ErrValidation},
		{name: "unknown action", req: Request{PondID: "pond-1", Action: "SING", Origin: OriginManual}, wantErr: ErrValidation},
		{name: "missing pond", req: Request{Action: command.KindReboot, Origin: OriginManual}, wantErr: ErrValidation},
		{name: "unknown origin", req: Request{PondID: "pond-1", Action: command.KindReboot, Origin: "ROBOT"}, wantErr: ErrValidation},
		{name: "unknown priority", req: Request{PondID: "pond-1", Action: command.KindReboot, Origin: OriginManual, Priority: "URGENT"}, wantErr: ErrValidation},
		{name: "unknown pond", req: Request{PondID: "pond-9", Action: command.KindReboot, Origin: OriginManual}, wantErr: device.ErrPondNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.coord.Request(ctx, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Request() error = %v, want %v", err, tt.wantErr)
			}
			if res != nil {
				t.Errorf("Request() result = %+v, want nil", res)
			}
		})
	}

	execs, err := h.coord.ListExecutions(ctx, "pond-1", 50)
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	if len(execs) != 0 || h.pub.count() != 0 {
		t.Errorf("invalid requests left %d executions and %d messages", len(execs), h.pub.count())
	}
}

func TestCoordinator_CancelDeferred(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	running := h.request(t, drainRequest(OriginManual))
	deferred := h.request(t, drainRequest(OriginSchedule))

	got, err := h.coord.Cancel(ctx, deferred.Execution.ID, "operator cancelled")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got.Status != StatusCancelled || got.ErrorCode != CodeCancelled {
		t.Errorf("cancelled = %s/%s", got.Status, got.ErrorCode)
	}
	if _, err := h.coord.Cancel(ctx, running.Execution.ID, ""); !errors.Is(err, ErrNotCancellable) {
		t.Errorf("Cancel(running) error = %v, want ErrNotCancellable", err)
	}
	if _, err := h.coord.Cancel(ctx, "nope", ""); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("Cancel(unknown) error = %v, want ErrExecutionNotFound", err)
	}
}

func TestCoordinator_ReconcilesStrandedExecution(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{ReconcileGrace: time.Minute})

	res := h.request(t, drainRequest(OriginManual))
	cmdID := res.Commands[0].ID
	if err := h.tracker.OnComplete(ctx, cmdID, true, 900, ""); err != nil {
		t.Fatalf("OnComplete() error = %v", err)
	}
	// The resolved event is never handled, as if the process died.

	tick, err := h.coord.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("ProcessDue() error = %v", err)
	}
	if tick.Reconciled != 0 {
		t.Fatalf("reconciled inside the grace period: %+v", tick)
	}

	h.clock.Advance(2 * time.Minute)
	tick, err = h.coord.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("ProcessDue() error = %v", err)
	}
	if tick.Reconciled != 1 {
		t.Errorf("tick = %+v, want one reconciliation", tick)
	}
	if got := h.mustGet(t, res.Execution.ID); got.Status != StatusCompleted {
		t.Errorf("execution = %s, want COMPLETED", got.Status)
	}
}

func TestCoordinator_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.coord.Run(ctx, h.tracker.Events()) }()

	res := h.request(t, drainRequest(OriginManual))
	if err := h.tracker.OnComplete(context.Background(), res.Commands[0].ID, true, 10, ""); err != nil {
		t.Fatalf("OnComplete() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.mustGet(t, res.Execution.ID).Status != StatusCompleted {
		if time.Now().After(deadline) {
			t.Fatal("Run did not complete the execution")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
