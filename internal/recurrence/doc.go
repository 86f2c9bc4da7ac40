// Package recurrence holds the calibration recurrence model and the pure
// date arithmetic built on it.
//
// A Rule is a tagged variant: its kind decides which parameters exist, and
// the only way to obtain a non-zero Rule is through the New* constructors
// (or the Form codec, which calls them). Malformed input is rejected with
// *InvalidRuleError at construction time; NextDue and Evaluate never fail.
//
// All computations use whole-day granularity. Input times are reduced to
// their calendar date in their own location; results are dates at 00:00 UTC.
package recurrence
