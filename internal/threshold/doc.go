// Package threshold evaluates sensor readings against per-pond bounds.
//
// Each pond parameter (temperature, ph, water_level, ...) may carry one
// threshold. Readings outside its bounds build a violation streak stored in
// the shared database; once the streak reaches max_violations within the
// violation timeout window the threshold's action runs through the
// automation coordinator with THRESHOLD origin, or, for ALERT thresholds,
// an alert is announced. A reading back inside the bounds clears the
// streak.
//
// The Evaluator is registered as an automation.FinishObserver so the
// outcome of every threshold-triggered execution is recorded against the
// violation that caused it.
package threshold
