package alert

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"calibra/internal/fleet"
	"calibra/internal/recurrence"
	kit "calibra/internal/transport"
	logx "calibra/pkg/logx"
)

var ErrNoTarget = errors.New("digest target not configured")

// Reporter is the slice of fleet.Service the digest reads.
type Reporter interface {
	Report(ctx context.Context, asOf time.Time, f fleet.ReportFilter) (fleet.Report, error)
}

type Config struct {
	Target        kit.ChatTarget
	Horizon       time.Duration // rows due within this window are included
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses an identical digest sent within the window.
	DedupWindow time.Duration
}

// Service builds and sends the overdue digest. It is safe for concurrent
// use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	sender  kit.Sender
	reports Reporter
	log     logx.Logger
	now     func() time.Time

	lastKey  uint64
	lastSent time.Time
}

func New(cfg Config, reports Reporter, sender kit.Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{reports: reports, sender: sender, log: log, now: time.Now}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Horizon < 0 {
		cfg.Horizon = 0
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// SetSender swaps the transport, e.g. after the bot token changed. A nil
// sender disables delivery.
func (s *Service) SetSender(sender kit.Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
}

// Build evaluates the fleet for a digest at asOf: everything overdue or
// in grace, plus what falls due within the horizon.
func (s *Service) Build(ctx context.Context, asOf time.Time) (fleet.Report, string, error) {
	s.mu.Lock()
	horizon := s.cfg.Horizon
	s.mu.Unlock()
	rep, err := s.reports.Report(ctx, asOf, fleet.ReportFilter{DueBefore: asOf.Add(horizon)})
	if err != nil {
		return fleet.Report{}, "", fmt.Errorf("digest report: %w", err)
	}
	return rep, Digest(rep, horizon), nil
}

// Run builds the digest for today and sends it. An empty digest or one
// identical to the last sent within DedupWindow is skipped.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	cfg, sender, lim := s.cfg, s.sender, s.limiter
	s.mu.Unlock()
	if sender == nil || cfg.Target.IsZero() {
		return ErrNoTarget
	}

	now := s.now()
	rep, text, err := s.Build(ctx, now)
	if err != nil {
		return err
	}
	if text == "" {
		s.log.Debug("digest empty; nothing sent")
		return nil
	}
	key := digestKey(cfg.Target, text)
	s.mu.Lock()
	dup := cfg.DedupWindow > 0 && key == s.lastKey && now.Sub(s.lastSent) < cfg.DedupWindow
	s.mu.Unlock()
	if dup {
		s.log.Debug("digest unchanged; suppressed")
		return nil
	}

	if err := s.sendWithRetry(ctx, cfg, lim, sender, text); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastKey, s.lastSent = key, now
	s.mu.Unlock()
	counts := rep.Counts()
	s.log.Info("digest sent",
		logx.Int("rows", len(rep.Rows)),
		logx.Int("overdue", counts[recurrence.Overdue]),
		logx.Int("dangling", len(rep.Dangling)))
	return nil
}

func (s *Service) sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, sender kit.Sender, text string) error {
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := sender.SendText(callCtx, cfg.Target, text, &kit.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("digest send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return fmt.Errorf("send digest: %w", lastErr)
}

func digestKey(to kit.ChatTarget, text string) uint64 {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d:%d|", to.ChatID, to.ThreadID)
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}

// retryDelay is exponential from RetryBase, capped at RetryMaxDelay, with
// 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = min(d, cfg.RetryMaxDelay)
	j := 0.7 + rand.Float64()*0.6
	return min(time.Duration(float64(d)*j), cfg.RetryMaxDelay)
}
