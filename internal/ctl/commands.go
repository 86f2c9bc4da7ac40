package ctl

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"calibra/internal/alert"
	"calibra/internal/fleet"
	"calibra/internal/ical"
	"calibra/internal/recurrence"
	"calibra/internal/storage"
)

func newRecomputeCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute [instrument-id...]",
		Short: "Rewrite stored due dates from the current rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withService(cmd.Context(), func(svc *fleet.Service, _ storage.Store) error {
				res, err := svc.Recompute(cmd.Context(), args...)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "scanned %d, changed %d\n", res.Scanned, len(res.Changed))
				for _, id := range res.Changed {
					fmt.Fprintf(out, "  updated %s\n", id)
				}
				for _, id := range res.Dangling {
					fmt.Fprintf(out, "  broken reference %s\n", id)
				}
				return nil
			})
		},
	}
}

func newReportCmd(e *env) *cobra.Command {
	var (
		asOf, dueBefore  string
		statuses         []string
		typeID, calendar string
		asJSON           bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Evaluate every scheduled instrument",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			at, err := parseDay("as-of", asOf)
			if err != nil {
				return err
			}
			f := fleet.ReportFilter{TypeID: typeID, CalendarID: calendar}
			if f.DueBefore, err = parseDay("due-before", dueBefore); err != nil {
				return err
			}
			for _, s := range statuses {
				st, err := recurrence.ParseStatus(s)
				if err != nil {
					return fmt.Errorf("--status: %w", err)
				}
				f.Statuses = append(f.Statuses, st)
			}
			return e.withService(cmd.Context(), func(svc *fleet.Service, _ storage.Store) error {
				if at.IsZero() {
					at = svc.Now()
				}
				rep, err := svc.Report(cmd.Context(), at, f)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd.OutOrStdout(), rep)
				}
				text := alert.Format(rep)
				if text == "" {
					text = "No scheduled instruments match."
				}
				fmt.Fprintln(cmd.OutOrStdout(), text)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluation date YYYY-MM-DD (default today)")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "keep only these statuses (upcoming, grace, overdue)")
	cmd.Flags().StringVar(&typeID, "type", "", "keep only this instrument type")
	cmd.Flags().StringVar(&calendar, "calendar", "", "keep only members of this calendar id")
	cmd.Flags().StringVar(&dueBefore, "due-before", "", "keep rows due on or before YYYY-MM-DD")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newApplyCmd(e *env) *cobra.Command {
	var calendarName string
	cmd := &cobra.Command{
		Use:   "apply <method-id> <instrument-id>...",
		Short: "Move instruments onto a calendar derived from a method",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withService(cmd.Context(), func(svc *fleet.Service, _ storage.Store) error {
				res, err := svc.ApplyMethod(cmd.Context(), args[0], args[1:], calendarName)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				verb := "reused"
				if res.CalendarCreated {
					verb = "created"
				}
				fmt.Fprintf(out, "calendar %q (%s) %s, %d instrument(s) assigned\n",
					res.Calendar.Name, res.Calendar.ID, verb, len(res.Reassigned))
				for _, c := range res.Conflicts {
					fmt.Fprintf(out, "  %s: replaced %s\n", c.InstrumentID, c.Previous)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&calendarName, "calendar", "", "target calendar name (default: the method's name)")
	return cmd
}

func newRemoveCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <method-id> <instrument-id>...",
		Short: "Clear the schedule of instruments assigned directly to a method",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withService(cmd.Context(), func(svc *fleet.Service, _ storage.Store) error {
				res, err := svc.RemoveMethod(cmd.Context(), args[0], args[1:])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d instrument(s) unscheduled", res.AffectedCount)
				if len(res.Affected) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), ": %s", strings.Join(res.Affected, ", "))
				}
				fmt.Fprintln(cmd.OutOrStdout())
				return nil
			})
		},
	}
}

func newFeedCmd(e *env) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "feed <calendar-id>",
		Short: "Export a calendar's due dates as iCalendar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withService(cmd.Context(), func(svc *fleet.Service, _ storage.Store) error {
				cal, members, err := svc.CalendarMembers(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if output == "" || output == "-" {
					return ical.Write(cmd.OutOrStdout(), cal, members, svc.Now())
				}
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				if err := ical.Write(f, cal, members, svc.Now()); err != nil {
					_ = f.Close()
					return err
				}
				return f.Close()
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func newAuditCmd(e *env) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the most recent changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.withService(cmd.Context(), func(_ *fleet.Service, st storage.Store) error {
				entries, err := st.RecentAudit(cmd.Context(), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, a := range entries {
					fmt.Fprintf(out, "%s  %-10s %-22s %s", a.At.Format("2006-01-02 15:04:05"), a.Actor, a.Action, a.Target)
					if a.Count > 0 {
						fmt.Fprintf(out, " (%d)", a.Count)
					}
					if a.Meta != "" {
						fmt.Fprintf(out, " %s", a.Meta)
					}
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries")
	return cmd
}
