// Package app wires configuration, storage, the fleet service and the
// outer surfaces (HTTP API, Telegram reporter, periodic jobs) together.
package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"calibra/internal/alert"
	"calibra/internal/config"
	"calibra/internal/fleet"
	"calibra/internal/httpapi"
	rtsup "calibra/internal/runtime/supervisor"
	"calibra/internal/scheduler"
	"calibra/internal/storage"
	kit "calibra/internal/transport"
	"calibra/internal/transport/telegram"
	tgadapter "calibra/internal/transport/telegram/adapter"
	"calibra/internal/transport/telegram/router"
	logx "calibra/pkg/logx"
)

const (
	jobRepair       = "repair"
	jobDigest       = "digest"
	commandWorkers  = 4
	messageQueue    = 256
	menuSyncTimeout = 10 * time.Second
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store
	fleet *fleet.Service

	sched  *scheduler.Service
	digest *alert.Service
	http   *httpapi.Server

	// adapter and router are nil when telegram is disabled at startup.
	adapter  *tgadapter.Adapter
	router   *router.Router
	messages chan kit.Message

	mu      sync.Mutex
	applied *config.Config
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	sc, err := StorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		store:    store,
		messages: make(chan kit.Message, messageQueue),
		applied:  cfg,
	}
	a.fleet = fleet.NewService(store, log.With(logx.String("comp", "fleet")))
	a.http = httpapi.NewServer(httpapi.New(a.fleet, store, log), log)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	a.sched = scheduler.New(schedCfg, log.With(logx.String("comp", "scheduler")))

	alertCfg, err := mapAlertConfig(cfg)
	if err != nil {
		a.closeEarly()
		return nil, err
	}
	a.digest = alert.New(alertCfg, a.fleet, nil, log.With(logx.String("comp", "digest")))

	if cfg.Telegram.Enabled {
		if err := a.initTelegram(cfg, log); err != nil {
			a.closeEarly()
			return nil, err
		}
	}
	if err := a.registerJobs(cfg); err != nil {
		a.closeEarly()
		return nil, err
	}
	return a, nil
}

func (a *App) initTelegram(cfg *config.Config, log logx.Logger) error {
	poll, err := mapPollTimeout(cfg)
	if err != nil {
		return err
	}
	ad, err := tgadapter.New(tgadapter.Config{Token: cfg.Telegram.Token, PollTimeout: poll},
		log.With(logx.String("comp", "telegram")))
	if err != nil {
		return err
	}
	a.adapter = ad
	a.router = router.New(ad, cfg.Telegram.OwnerUserIDs, log.With(logx.String("comp", "commands")))
	telegram.Register(a.router, a.fleet)
	a.registerOpsCommands()
	a.logs.SetSender(ad)
	a.digest.SetSender(ad)
	return nil
}

func (a *App) closeEarly() {
	_ = a.store.Close()
	_ = a.logs.Close()
}

// registerJobs (re)installs the periodic jobs. The digest is only
// scheduled when there is a transport and a target chat.
func (a *App) registerJobs(cfg *config.Config) error {
	if err := a.sched.AddSchedule(jobRepair, cfg.Jobs.RepairSchedule, 0, a.repair); err != nil {
		return err
	}
	if a.adapter == nil || cfg.Telegram.DigestChat == 0 {
		if a.sched.Remove(jobDigest) {
			a.log.Info("digest job removed (no telegram target)")
		}
		return nil
	}
	return a.sched.AddSchedule(jobDigest, cfg.Jobs.DigestSchedule, 0, a.digest.Run)
}

// repair rewrites stale stored due dates.
func (a *App) repair(ctx context.Context) error {
	res, err := a.fleet.Recompute(ctx)
	if err != nil {
		return err
	}
	fields := []logx.Field{logx.Int("scanned", res.Scanned), logx.Int("changed", len(res.Changed))}
	if len(res.Dangling) > 0 {
		fields = append(fields, logx.Strs("dangling", res.Dangling))
		a.log.Warn("repair found broken schedule references", fields...)
		return nil
	}
	if len(res.Changed) > 0 {
		a.log.Info("repair updated due dates", fields...)
	} else {
		a.log.Debug("repair found nothing to do", fields...)
	}
	return nil
}

// Fleet exposes the domain service, mainly for tests.
func (a *App) Fleet() *fleet.Service { return a.fleet }

// HTTPAddr is the bound API address, or "" when the API is off.
func (a *App) HTTPAddr() string { return a.http.Addr() }

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.current()

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	if err := a.http.Apply(a.sup.Context(), hc); err != nil {
		return err
	}

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.messages); err != nil {
			return err
		}
		a.sup.Go("commands.dispatch", func(c context.Context) error {
			return a.router.Run(c, a.messages, commandWorkers)
		})
		a.sup.Go0("commands.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, menuSyncTimeout)
			defer cancel()
			if err := a.adapter.UpdateMenuCommands(mctx, a.router.Menu()); err != nil {
				a.log.Warn("command menu sync failed", logx.Err(err))
			}
		})
	}

	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	// Bring stored due dates in line with the current rules once at boot.
	a.sup.Go0("repair.startup", func(c context.Context) {
		if _, err := a.sched.RunNow(c, jobRepair); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("startup repair failed", logx.Err(err))
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, newCfg)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("http", hc.Enabled),
		logx.Bool("telegram", a.adapter != nil),
		logx.Bool("jobs", a.sched.Enabled()),
	)
	return nil
}

func (a *App) current() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied
}

// applyConfig pushes a validated config into the running components.
// Storage and the telegram connection are fixed for the process lifetime.
func (a *App) applyConfig(ctx context.Context, newCfg *config.Config) {
	a.mu.Lock()
	prev := a.applied
	a.applied = newCfg
	a.mu.Unlock()

	sections, attrs := config.SummarizeConfigChange(prev, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.Strs("sections", restart))
	}
	pt, nt := prev.Telegram, newCfg.Telegram
	if pt.Enabled != nt.Enabled || pt.Token != nt.Token || pt.PollTimeout != nt.PollTimeout {
		a.log.Warn("telegram connection settings changed; restart required")
	}

	a.logs.Apply(mapLogConfig(newCfg))
	if a.router != nil {
		a.router.SetOwners(nt.OwnerUserIDs)
	}

	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else if err := a.http.Apply(ctx, hc); err != nil {
		a.log.Warn("http reconfigure failed", logx.Err(err))
	}

	if ac, err := mapAlertConfig(newCfg); err != nil {
		a.log.Warn("invalid digest config; keeping previous", logx.Err(err))
	} else {
		a.digest.Apply(ac)
	}

	if sc, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(sc)
		if err := a.registerJobs(newCfg); err != nil {
			a.log.Warn("job registration failed", logx.Err(err))
		}
		switch {
		case wasEnabled && !sc.Enabled:
			a.log.Info("jobs disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !wasEnabled && sc.Enabled:
			a.log.Info("jobs enabled via config")
			a.sched.Start(ctx)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "http", 3*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	if a.adapter != nil {
		a.step(ctx, "telegram", 2*time.Second, a.adapter.Stop)
	}
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
