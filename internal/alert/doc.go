// Package alert renders fleet reports as chat text and delivers the
// periodic overdue digest through a transport sender.
package alert
