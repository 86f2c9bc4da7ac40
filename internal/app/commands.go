package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"calibra/internal/scheduler"
	"calibra/internal/transport/telegram/router"
)

// registerOpsCommands adds the operator commands that need the app's
// scheduler rather than the fleet alone.
func (a *App) registerOpsCommands() {
	a.router.Register(
		router.Command{
			Name:        "jobs",
			Usage:       "/jobs",
			Description: "Periodic job status",
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, formatJobs(a.sched.Snapshot()))
			},
		},
		router.Command{
			Name:        "run",
			Usage:       "/run <repair|digest>",
			Description: "Run a periodic job now",
			Timeout:     2 * time.Minute,
			Handle: func(ctx context.Context, req *router.Request) error {
				if len(req.Args) != 1 {
					return &router.UsageError{Usage: "/run <repair|digest>"}
				}
				name := strings.ToLower(req.Args[0])
				ran, err := a.sched.RunNow(ctx, name)
				if err != nil {
					return err
				}
				if !ran {
					return req.Reply(ctx, name+" is already running")
				}
				return req.Reply(ctx, name+" done")
			},
		},
	)
}

func formatJobs(s scheduler.Snapshot) string {
	var b strings.Builder
	state := "disabled"
	switch {
	case s.Started:
		state = "running"
	case s.Enabled:
		state = "enabled, not started"
	}
	tz := s.Timezone
	if tz == "" {
		tz = "local"
	}
	fmt.Fprintf(&b, "Jobs: %s (tz %s)\n", state, tz)
	if len(s.Schedules) == 0 {
		b.WriteString("no schedules")
		return b.String()
	}
	for _, j := range s.Schedules {
		fmt.Fprintf(&b, "\n%s [%s]", j.Name, j.Spec)
		if !j.Next.IsZero() {
			fmt.Fprintf(&b, "\n  next %s", j.Next.Format("2006-01-02 15:04"))
		}
		fmt.Fprintf(&b, "\n  runs %d, skipped %d", j.Runs, j.Skipped)
		if j.Running {
			b.WriteString(", running now")
		}
		if j.LastErr != "" {
			fmt.Fprintf(&b, "\n  last error: %s", j.LastErr)
		}
	}
	return b.String()
}
