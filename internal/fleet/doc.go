// Package fleet owns instruments, calibration methods and calendars, and the
// operations that move schedules between them.
//
// Every instrument has exactly one schedule Source. Its effective rule is
// resolved through that source at read time, and its stored NextDueAt is
// recomputed whenever the source or the governing rule changes. All writes
// go through Store.Update so that a bulk operation either lands completely
// or not at all.
package fleet
