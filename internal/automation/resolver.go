package automation

import (
	"fmt"
	"sort"

	"github.com/futurefish/aquacore/internal/command"
)

// Class is the physical resource an action occupies. Two executions on the
// same pond conflict exactly when they share a class.
type Class string

const (
	ClassWater  Class = "WATER"
	ClassFeed   Class = "FEED"
	ClassSystem Class = "SYSTEM"
	ClassConfig Class = "CONFIG"
)

// ClassOf returns the resource class of action.
func ClassOf(action command.Kind) Class {
	switch {
	case action.IsWater():
		return ClassWater
	case action == command.KindFeed:
		return ClassFeed
	case action == command.KindThresholdUpdate:
		return ClassConfig
	default:
		return ClassSystem
	}
}

// Decision is the resolver's verdict on one candidate.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`

	// BlockedBy is the conflicting execution when Allowed is false.
	BlockedBy *Execution `json:"blocked_by,omitempty"`
}

// CanExecute decides whether candidate may start given the executions
// currently running. A running execution on the same pond in the same
// class blocks the candidate whatever the two priorities are; priority
// only orders the queue of waiting executions. The candidate itself is
// ignored if present in active.
func CanExecute(candidate *Execution, active []Execution) Decision {
	class := ClassOf(candidate.Action)
	for i := range active {
		other := &active[i]
		if other.ID == candidate.ID || other.PondID != candidate.PondID {
			continue
		}
		if other.Status != StatusExecuting {
			continue
		}
		if ClassOf(other.Action) != class {
			continue
		}
		blocker := *other
		return Decision{
			Reason: fmt.Sprintf("%s resource busy with %s execution %s (%s)",
				class, other.Action, other.ID, other.Priority),
			BlockedBy: &blocker,
		}
	}
	return Decision{Allowed: true}
}

// SortByPriority orders executions highest priority first, then by due
// time, then by ID.
func SortByPriority(execs []Execution) {
	sort.SliceStable(execs, func(i, j int) bool {
		a, b := execs[i], execs[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra < rb
		}
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		return a.ID < b.ID
	})
}
