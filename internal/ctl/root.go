// Package ctl implements calibctl, the admin CLI. Every command opens the
// configured store directly; the daemon does not need to be running.
package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"calibra/internal/app"
	"calibra/internal/config"
	"calibra/internal/fleet"
	"calibra/internal/storage"
	logx "calibra/pkg/logx"
)

// env carries the root flags and the lazily opened store.
type env struct {
	cfgPath string
	verbose int
	actor   string

	// open and now are replaced in tests.
	open func(ctx context.Context, e *env) (storage.Store, error)
	now  func() time.Time
}

func openConfigured(_ context.Context, e *env) (storage.Store, error) {
	m := config.NewManager(e.cfgPath)
	cfg, err := m.Parse()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	sc, err := app.StorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, e.logger().With(logx.String("comp", "storage")))
}

func (e *env) logger() logx.Logger {
	switch {
	case e.verbose >= 2:
		return logx.NewConsole("debug")
	case e.verbose == 1:
		return logx.NewConsole("info")
	default:
		return logx.Nop()
	}
}

// withService opens the store, runs fn and closes the store again.
func (e *env) withService(ctx context.Context, fn func(svc *fleet.Service, st storage.Store) error) error {
	st, err := e.open(ctx, e)
	if err != nil {
		return err
	}
	defer st.Close()
	actor := strings.TrimSpace(e.actor)
	if actor == "" {
		actor = "calibctl"
	}
	opts := []fleet.Option{fleet.WithActor(actor)}
	if e.now != nil {
		opts = append(opts, fleet.WithClock(e.now))
	}
	svc := fleet.NewService(st, e.logger().With(logx.String("comp", "fleet")), opts...)
	return fn(svc, st)
}

// NewRootCmd builds the calibctl command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&env{open: openConfigured})
}

func newRootCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "calibctl",
		Short:         "Calibration schedule administration",
		Long:          "calibctl inspects and edits the calibration schedule store used by the calibra daemon.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&e.cfgPath, "config", "./calibra.yaml", "path to config (yaml or json)")
	cmd.PersistentFlags().CountVarP(&e.verbose, "verbose", "v", "log to stderr (-v info, -vv debug)")
	cmd.PersistentFlags().StringVar(&e.actor, "actor", "", "name recorded in the audit trail (default calibctl)")

	cmd.AddCommand(
		newRecomputeCmd(e),
		newReportCmd(e),
		newApplyCmd(e),
		newRemoveCmd(e),
		newImportCmd(e),
		newFeedCmd(e),
		newAuditCmd(e),
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDay accepts YYYY-MM-DD; empty yields the zero time.
func parseDay(flag, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: want YYYY-MM-DD, got %q", flag, s)
	}
	return t, nil
}
