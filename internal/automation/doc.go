// Package automation decides when pond actions may run and tracks each
// triggered action as an Execution until its device commands resolve.
//
// # Admission
//
// Every request (manual, schedule, threshold or flush recovery) is stored
// as a PENDING execution and admitted in the same transaction:
//
//	CanExecute(candidate, EXECUTING on same pond)
//	    allowed  -> EXECUTING, first command issued
//	    blocked  -> manual: CANCELLED (CONFLICT_BUSY), caller gets ErrBusy
//	             -> other:  stays PENDING, scheduled_at += backoff
//
// Executions conflict when they share a resource class (WATER, FEED,
// SYSTEM, CONFIG). Priority (MANUAL_COMMAND > EMERGENCY_WATER > SCHEDULED >
// THRESHOLD) orders the deferred queue that ProcessDue re-admits.
//
// # Completion
//
// HandleResolved consumes command.Resolved events. A WATER_FLUSH runs its
// drain command first and issues the fill only after the drain completed.
// The first failed or timed-out command fails the execution; there is no
// partial success.
package automation
