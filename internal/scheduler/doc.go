// Package scheduler triggers the daemon's periodic jobs (due-date repair and
// the overdue digest) from cron expressions, fixed intervals or a daily
// HH:MM time in the configured timezone.
package scheduler
