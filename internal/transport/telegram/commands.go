// Package telegram wires the reporter bot: fleet query commands served
// through the router over the telebot adapter.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"calibra/internal/alert"
	"calibra/internal/fleet"
	"calibra/internal/recurrence"
	"calibra/internal/transport/telegram/router"
)

const (
	defaultUpcomingDays = 7
	maxUpcomingDays     = 366
)

// Queries is the read side of fleet.Service the bot needs.
type Queries interface {
	Now() time.Time
	Report(ctx context.Context, asOf time.Time, f fleet.ReportFilter) (fleet.Report, error)
	Status(ctx context.Context, id string, asOf time.Time) (fleet.StatusView, error)
}

// Register adds the calibration query commands and /help to r.
func Register(r *router.Router, q Queries) {
	r.Register(
		router.Command{
			Name:        "overdue",
			Usage:       "/overdue",
			Description: "Instruments past due or in their grace window",
			Handle:      overdueHandler(q),
		},
		router.Command{
			Name:        "upcoming",
			Usage:       "/upcoming [days]",
			Description: "Instruments falling due in the next days (default 7)",
			Handle:      upcomingHandler(q),
		},
		router.Command{
			Name:        "due",
			Usage:       "/due <instrument-id>",
			Description: "Schedule and status of one instrument",
			Handle:      dueHandler(q),
		},
		router.Command{
			Name:        "help",
			Usage:       "/help",
			Description: "List commands",
			Access:      router.AccessEveryone,
			Handle:      helpHandler(r),
		},
	)
}

func overdueHandler(q Queries) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		rep, err := q.Report(ctx, q.Now(), fleet.ReportFilter{
			Statuses: []recurrence.Status{recurrence.Overdue, recurrence.Grace},
		})
		if err != nil {
			return err
		}
		text := alert.Format(rep)
		if len(rep.Rows) == 0 {
			text = strings.TrimSpace("Nothing overdue.\n" + text)
		}
		return req.Reply(ctx, text)
	}
}

func upcomingHandler(q Queries) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		days := defaultUpcomingDays
		if len(req.Args) > 0 {
			n, err := strconv.Atoi(req.Args[0])
			if err != nil || n < 0 || n > maxUpcomingDays {
				return &router.UsageError{Usage: fmt.Sprintf("/upcoming [days], days 0..%d", maxUpcomingDays)}
			}
			days = n
		}
		now := q.Now()
		rep, err := q.Report(ctx, now, fleet.ReportFilter{
			Statuses:  []recurrence.Status{recurrence.Upcoming},
			DueBefore: now.AddDate(0, 0, days),
		})
		if err != nil {
			return err
		}
		if len(rep.Rows) == 0 {
			return req.Reply(ctx, fmt.Sprintf("Nothing due in the next %d days.", days))
		}
		return req.Reply(ctx, alert.Format(fleet.Report{AsOf: rep.AsOf, Rows: rep.Rows}))
	}
}

func dueHandler(q Queries) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if len(req.Args) != 1 {
			return &router.UsageError{Usage: "/due <instrument-id>"}
		}
		id := req.Args[0]
		v, err := q.Status(ctx, id, q.Now())
		if fleet.IsNotFound(err) {
			return req.Reply(ctx, "instrument "+id+" not found")
		}
		if err != nil {
			return err
		}
		return req.Reply(ctx, describe(v))
	}
}

func describe(v fleet.StatusView) string {
	inst := v.Instrument
	var b strings.Builder
	b.WriteString(inst.ID)
	if inst.Name != "" && inst.Name != inst.ID {
		b.WriteString(" " + inst.Name)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "source: %s\n", inst.Source)
	if inst.LastCalibratedAt != nil {
		fmt.Fprintf(&b, "last calibrated: %s\n", inst.LastCalibratedAt.Format(time.DateOnly))
	}
	if !v.Scheduled {
		b.WriteString("no active schedule")
		return b.String()
	}
	fmt.Fprintf(&b, "rule: %s\n", v.Rule)
	fmt.Fprintf(&b, "due: %s (%s)\n", v.DueAt.Format(time.DateOnly), v.Status)
	fmt.Fprintf(&b, "grace until: %s", v.GraceEnd.Format(time.DateOnly))
	return b.String()
}

func helpHandler(r *router.Router) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		var b strings.Builder
		b.WriteString("Commands:\n")
		for _, c := range r.Commands() {
			fmt.Fprintf(&b, "%s - %s\n", c.Usage, c.Description)
		}
		return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
	}
}
