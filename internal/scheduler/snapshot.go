package scheduler

import (
	"slices"
	"strings"
	"time"
)

type ScheduleInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Source   string        `json:"source"`
	Timeout  time.Duration `json:"timeout"`
	Next     time.Time     `json:"next,omitzero"`
	Prev     time.Time     `json:"prev,omitzero"`
	Running  bool          `json:"running"`
	Runs     uint64        `json:"runs"`
	Skipped  uint64        `json:"skipped"`
	LastErr  string        `json:"last_err,omitempty"`
	LastTook time.Duration `json:"last_took"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Started   bool           `json:"started"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	tz := strings.TrimSpace(s.cfg.Timezone)
	if s.loc != nil {
		tz = s.loc.String()
	}
	out := Snapshot{Enabled: s.cfg.Enabled, Started: s.c != nil, Timezone: tz}
	for _, d := range s.defs {
		it := ScheduleInfo{Name: d.name, Spec: d.parsed.Spec(), Source: d.parsed.Source, Timeout: d.timeout}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		it.Running = d.state.running.Load()
		d.state.mu.Lock()
		it.Runs, it.Skipped = d.state.runs, d.state.skipped
		it.LastErr, it.LastTook = d.state.lastErr, d.state.lastTook
		d.state.mu.Unlock()
		out.Schedules = append(out.Schedules, it)
	}
	slices.SortFunc(out.Schedules, func(a, b ScheduleInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}
