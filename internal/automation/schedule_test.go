package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/futurefish/aquacore/internal/command"
	"github.com/futurefish/aquacore/internal/device"
)

func TestSchedule_NextRun(t *testing.T) {
	plusTwo := time.FixedZone("UTC+2", 2*60*60)
	day := func(d, h, m int) time.Time { return time.Date(2026, 3, d, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name      string
		timeOfDay string
		weekdays  Weekdays
		loc       *time.Location
		want      time.Time
	}{
		{name: "earlier today rolls to tomorrow", timeOfDay: "06:30", weekdays: EveryDay, want: day(2, 6, 30)},
		{name: "later today", timeOfDay: "09:00", weekdays: EveryDay, want: day(1, 9, 0)},
		{name: "exactly now is not after", timeOfDay: "08:00", weekdays: EveryDay, want: day(2, 8, 0)},
		{name: "mondays only", timeOfDay: "09:00", weekdays: WeekdaysOf(time.Monday), want: day(2, 9, 0)},
		{name: "sundays only after today's slot", timeOfDay: "07:00", weekdays: WeekdaysOf(time.Sunday), want: day(8, 7, 0)},
		{name: "local zone", timeOfDay: "09:00", weekdays: EveryDay, loc: plusTwo, want: day(2, 7, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Schedule{TimeOfDay: tt.timeOfDay, Weekdays: tt.weekdays}
			got, err := s.NextRun(t0, tt.loc)
			if err != nil {
				t.Fatalf("NextRun() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("NextRun() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := (&Schedule{TimeOfDay: "08:00"}).NextRun(t0, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("no weekdays error = %v, want ErrValidation", err)
	}
}

func TestValidateSchedule(t *testing.T) {
	valid := func() *Schedule {
		return &Schedule{
			PondID:    "pond-1",
			Name:      "morning feed",
			Action:    command.KindFeed,
			Params:    command.FeedParams{Amount: 40},
			TimeOfDay: "07:15",
			Weekdays:  EveryDay,
		}
	}
	tests := []struct {
		name    string
		mutate  func(*Schedule)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Schedule) {}},
		{name: "missing pond", mutate: func(s *Schedule) { s.PondID = "" }, wantErr: true},
		{name: "bad action", mutate: func(s *Schedule) { s.Action = "DANCE" }, wantErr: true},
		{name: "bad params", mutate: func(s *Schedule) { s.Params = command.FeedParams{Amount: -1} }, wantErr: true},
		{name: "hour out of range", mutate: func(s *Schedule) { s.TimeOfDay = "24:00" }, wantErr: true},
		{name: "minute out of range", mutate: func(s *Schedule) { s.TimeOfDay = "07:60" }, wantErr: true},
		{name: "single digit hour", mutate: func(s *Schedule) { s.TimeOfDay = "7:15" }, wantErr: true},
		{name: "no weekdays", mutate: func(s *Schedule) { s.Weekdays = 0 }, wantErr: true},
		{name: "unknown priority", mutate: func(s *Schedule) { s.Priority = "SOON" }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := ValidateSchedule(s)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSchedule() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsValidation(err) {
				t.Errorf("error %v is not a validation error", err)
			}
		})
	}
}

func TestCoordinator_ScheduleFiresOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	s := &Schedule{
		PondID:    "pond-2",
		Name:      "morning feed",
		Action:    command.KindFeed,
		Params:    command.FeedParams{Amount: 25},
		TimeOfDay: "08:30",
		Weekdays:  EveryDay,
		Enabled:   true,
	}
	if err := h.coord.CreateSchedule(ctx, s); err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}
	if s.Priority != PriorityScheduled || s.NextRunAt == nil || !s.NextRunAt.Equal(t0.Add(30*time.Minute)) {
		t.Fatalf("created schedule = %+v, want SCHEDULED due at 08:30", s)
	}

	h.clock.Advance(31 * time.Minute)
	tick, err := h.coord.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("ProcessDue() error = %v", err)
	}
	if tick.SchedulesFired != 1 {
		t.Fatalf("tick = %+v, want one firing", tick)
	}

	got, err := h.coord.GetSchedule(ctx, s.ID)
	if err != nil {
		t.Fatalf("GetSchedule() error = %v", err)
	}
	wantNext := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(wantNext) {
		t.Errorf("NextRunAt = %v, want %v", got.NextRunAt, wantNext)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(t0.Add(31*time.Minute)) {
		t.Errorf("LastRunAt = %v, want 08:31", got.LastRunAt)
	}

	execs, err := h.coord.ListExecutions(ctx, "pond-2", 10)
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("%d executions, want 1", len(execs))
	}
	e := execs[0]
	if e.Origin != OriginSchedule || e.ScheduleID != s.ID || e.Status != StatusExecuting {
		t.Errorf("execution = %+v, want EXECUTING from schedule %s", e, s.ID)
	}

	tick, err = h.coord.ProcessDue(ctx)
	if err != nil {
		t.Fatalf("ProcessDue() error = %v", err)
	}
	if tick.SchedulesFired != 0 {
		t.Errorf("second tick fired %d schedules", tick.SchedulesFired)
	}
}

func TestCoordinator_ScheduleLifecycle(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{})

	s := &Schedule{
		PondID:    "pond-1",
		Action:    command.KindWaterFlush,
		Params:    command.FlushParams{DrainLevel: 40, FillLevel: 90},
		TimeOfDay: "06:00",
		Weekdays:  WeekdaysOf(time.Saturday),
	}
	if err := h.coord.CreateSchedule(ctx, s); err != nil {
		t.Fatalf("CreateSchedule() error = %v", err)
	}
	if s.NextRunAt != nil {
		t.Errorf("disabled schedule has next run %v", s.NextRunAt)
	}

	enabled, err := h.coord.SetScheduleEnabled(ctx, s.ID, true)
	if err != nil {
		t.Fatalf("SetScheduleEnabled() error = %v", err)
	}
	wantNext := time.Date(2026, 3, 7, 6, 0, 0, 0, time.UTC)
	if enabled.NextRunAt == nil || !enabled.NextRunAt.Equal(wantNext) {
		t.Errorf("NextRunAt = %v, want %v", enabled.NextRunAt, wantNext)
	}

	list, err := h.coord.ListSchedules(ctx, "pond-1")
	if err != nil {
		t.Fatalf("ListSchedules() error = %v", err)
	}
	if len(list) != 1 || !list[0].Enabled {
		t.Fatalf("ListSchedules() = %+v, want one enabled schedule", list)
	}
	if p, ok := list[0].Params.(command.FlushParams); !ok || p.FillLevel != 90 {
		t.Errorf("stored params = %#v", list[0].Params)
	}

	if err := h.coord.DeleteSchedule(ctx, s.ID); err != nil {
		t.Fatalf("DeleteSchedule() error = %v", err)
	}
	if _, err := h.coord.GetSchedule(ctx, s.ID); !errors.Is(err, ErrScheduleNotFound) {
		t.Errorf("GetSchedule() after delete error = %v, want ErrScheduleNotFound", err)
	}

	bad := &Schedule{PondID: "pond-9", Action: command.KindReboot, TimeOfDay: "01:00", Weekdays: EveryDay}
	if err := h.coord.CreateSchedule(ctx, bad); !errors.Is(err, device.ErrPondNotFound) {
		t.Errorf("CreateSchedule(unknown pond) error = %v, want ErrPondNotFound", err)
	}
}
