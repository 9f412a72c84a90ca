package automation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/futurefish/aquacore/internal/command"
)

const maxScheduleNameLength = 100

var errNoWeekdays = fmt.Errorf("%w: schedule selects no weekdays", ErrValidation)

// ValidateRequest checks a request before anything is stored. Parameter
// problems are reported as ErrValidation wrapping the command error.
func ValidateRequest(req *Request) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrValidation)
	}
	if strings.TrimSpace(req.PondID) == "" {
		return fmt.Errorf("%w: pond_id is required", ErrValidation)
	}
	if _, err := command.ParseKind(string(req.Action)); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if !req.Origin.valid() {
		return fmt.Errorf("%w: unknown origin %q", ErrValidation, req.Origin)
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, req.Priority)
	}
	if err := command.CheckParams(req.Action, req.Params); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}

// ValidateSchedule checks a schedule definition.
func ValidateSchedule(s *Schedule) error {
	if s == nil {
		return fmt.Errorf("%w: nil schedule", ErrValidation)
	}
	if strings.TrimSpace(s.PondID) == "" {
		return fmt.Errorf("%w: pond_id is required", ErrValidation)
	}
	if len(s.Name) > maxScheduleNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrValidation, maxScheduleNameLength)
	}
	if _, err := command.ParseKind(string(s.Action)); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if err := command.CheckParams(s.Action, s.Params); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if _, _, err := parseTimeOfDay(s.TimeOfDay); err != nil {
		return err
	}
	if s.Weekdays&EveryDay == 0 {
		return errNoWeekdays
	}
	if s.Priority != "" && !s.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, s.Priority)
	}
	return nil
}

// parseTimeOfDay parses "HH:MM" in 24-hour form.
func parseTimeOfDay(s string) (hour, minute int, err error) {
	bad := fmt.Errorf("%w: time_of_day %q must be HH:MM", ErrValidation, s)
	h, m, ok := strings.Cut(s, ":")
	if !ok || len(h) != 2 || len(m) != 2 {
		return 0, 0, bad
	}
	if hour, err = strconv.Atoi(h); err != nil || hour < 0 || hour > 23 {
		return 0, 0, bad
	}
	if minute, err = strconv.Atoi(m); err != nil || minute < 0 || minute > 59 {
		return 0, 0, bad
	}
	return hour, minute, nil
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
