// Package command tracks device commands from creation to a terminal state.
//
// A command moves through
//
//	PENDING ──publish──▶ SENT ──ack──▶ ACKNOWLEDGED ──complete──▶ COMPLETED
//	                      │                 │
//	                      ├── ack(false) ──▶ FAILED ◀── complete(false)
//	                      └──── deadline, retries spent ──▶ TIMEOUT
//
// Every transition is a single UPDATE guarded by the expected current status,
// so concurrent listeners in several aquacore processes can race on the same
// ack and exactly one of them wins. The winner of a terminal transition emits
// a Resolved event on Tracker.Events for the automation coordinator.
//
// Waiting on a device never blocks a caller: an outstanding command is a row
// with a deadline_at, armed when the row is created, and the Watchdog scans for expired deadlines. A timed-out
// command is re-published under the same ID with retry_count incremented until
// max_retries is spent, then it becomes TIMEOUT.
//
// When the bridge itself is unreachable the command stays PENDING with its
// deadline armed, and the watchdog treats it exactly like a silent device.
package command
