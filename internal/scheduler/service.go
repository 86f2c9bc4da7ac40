package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "calibra/pkg/logx"
)

const defaultJobTimeout = 5 * time.Minute

type Config struct {
	Enabled        bool
	Timezone       string // IANA TZ, e.g. "Europe/Berlin"
	DefaultTimeout time.Duration
}

// runState survives re-registration so an upsert never lets two runs of
// the same job overlap.
type runState struct {
	running atomic.Bool

	mu       sync.Mutex
	runs     uint64
	skipped  uint64
	lastErr  string
	lastTook time.Duration
}

type scheduleDef struct {
	name    string
	parsed  ParsedSpec
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	state   *runState
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   []*scheduleDef

	// runMu guards what triggers read; it is never held across a cron
	// stop, which waits for running jobs.
	runMu      sync.Mutex
	base       context.Context // cancelled by Stop
	cancel     context.CancelFunc
	defTimeout time.Duration
	wg         sync.WaitGroup
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:        cfg,
		log:        log,
		defTimeout: cfg.DefaultTimeout,
		parser:     cronParser,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// AddSchedule registers job under name, replacing any schedule with the
// same name. A trigger that fires while the previous run is still in
// flight is skipped.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("schedule %s: invalid cron %q: %w", name, ps.Cron, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := &runState{}
	if old := s.removeLocked(name); old != nil {
		st = old.state
	}
	d := &scheduleDef{name: name, parsed: ps, timeout: timeout, job: job, state: st}
	s.defs = append(s.defs, d)
	if s.c != nil {
		s.addCronLocked(d)
		s.log.Debug("schedule registered",
			logx.String("name", name), logx.String("spec", ps.Spec()), logx.Duration("timeout", timeout))
	}
	return nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name)) != nil
}

func (s *Service) removeLocked(name string) *scheduleDef {
	for i, d := range s.defs {
		if d.name != name {
			continue
		}
		if s.c != nil && d.entryID != 0 {
			s.c.Remove(d.entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return d
	}
	return nil
}

// Apply swaps the config. A timezone change restarts cron so every
// schedule is re-evaluated in the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	s.runMu.Lock()
	s.defTimeout = cfg.DefaultTimeout
	s.runMu.Unlock()
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runMu.Lock()
	s.base, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.runMu.Unlock()
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.addCronLocked(d)
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering, cancels in-flight jobs and waits for them up to
// ctx's deadline.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	s.runMu.Lock()
	cancel := s.cancel
	s.base, s.cancel = nil, nil
	s.runMu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out waiting for jobs")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) addCronLocked(d *scheduleDef) {
	job := cron.FuncJob(func() { s.dispatch(d) })
	if d.parsed.Kind == SpecInterval {
		d.entryID = s.c.Schedule(intervalWithSpread(d.parsed.Every, time.Now().In(s.loc), d.name), job)
		return
	}
	id, err := s.c.AddJob(d.parsed.Cron, job)
	if err != nil {
		// Validated in AddSchedule; only reachable with a broken parser.
		s.log.Error("schedule register failed", logx.String("name", d.name), logx.Err(err))
		return
	}
	d.entryID = id
}

func (s *Service) dispatch(d *scheduleDef) {
	s.runMu.Lock()
	base, def := s.base, s.defTimeout
	if base != nil {
		s.wg.Add(1)
	}
	s.runMu.Unlock()
	if base == nil {
		return
	}
	defer s.wg.Done()
	if _, err := s.run(base, d, def); err != nil {
		s.log.Warn("job failed", logx.String("name", d.name), logx.Err(err))
	}
}

// run executes d once unless it is already running. ran is false when
// the run was skipped.
func (s *Service) run(ctx context.Context, d *scheduleDef, def time.Duration) (ran bool, err error) {
	st := d.state
	if !st.running.CompareAndSwap(false, true) {
		st.mu.Lock()
		st.skipped++
		st.mu.Unlock()
		s.log.Debug("job still running; trigger skipped", logx.String("name", d.name))
		return false, nil
	}
	defer st.running.Store(false)

	timeout := d.timeout
	if timeout <= 0 {
		timeout = def
	}
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	jctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err = func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return d.job(jctx)
	}()
	took := time.Since(start)

	st.mu.Lock()
	st.runs++
	st.lastTook = took
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
	}
	st.mu.Unlock()
	s.log.Debug("job finished", logx.String("name", d.name), logx.Duration("took", took), logx.Bool("ok", err == nil))
	return true, err
}

// RunNow runs the named job immediately under the same overlap policy as
// its triggers.
func (s *Service) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	var d *scheduleDef
	for _, x := range s.defs {
		if x.name == name {
			d = x
			break
		}
	}
	s.mu.Unlock()
	s.runMu.Lock()
	def := s.defTimeout
	s.runMu.Unlock()
	if d == nil {
		return false, fmt.Errorf("schedule %q not found", name)
	}
	return s.run(ctx, d, def)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
