// Package maintenance runs the background housekeeping jobs: pruning
// the delivery history past its retention window and logging a periodic
// pipeline stats line.
package maintenance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mxrelay/internal/coordinator"
	logx "mxrelay/pkg/logx"
)

const (
	defaultPruneSpec = "30 3 * * *"
	defaultStatsSpec = "@every 1h"

	jobTimeout = time.Minute
)

// Config is the resolved runtime form; the app layer parses duration
// strings and fills it in.
type Config struct {
	Enabled   bool
	PruneSpec string
	// Retention is how far back history is kept. Zero keeps forever and
	// unregisters the prune job.
	Retention time.Duration
	// StatsSpec set to "-" turns the stats job off.
	StatsSpec string
	Timezone  string
}

type HistoryPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

type StatsSource interface {
	Stats() coordinator.Stats
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron

	// Snapshot for the job bodies, guarded by jobMu alone. Jobs must
	// never take mu: restartLocked waits out running jobs with mu held,
	// and a job parked on mu would keep that wait from returning.
	jobMu        sync.Mutex
	jobRetention time.Duration
	jobCtx       context.Context

	pruner HistoryPruner // nil when history is disabled
	stats  StatsSource
}

func New(cfg Config, pruner HistoryPruner, stats StatsSource, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:          cfg,
		log:          log,
		pruner:       pruner,
		stats:        stats,
		jobRetention: cfg.Retention,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Enabled reports the current config flag. Thread-safe; Apply may run
// concurrently.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A changed config restarts cron so specs and
// timezone take effect; an unchanged one is a no-op.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.cfg != cfg
	s.cfg = cfg
	s.jobMu.Lock()
	s.jobRetention = cfg.Retention
	s.jobMu.Unlock()
	if s.c == nil || !changed {
		return
	}
	s.restartLocked()
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.jobMu.Lock()
	s.jobCtx = ctx
	s.jobMu.Unlock()

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	jobs := s.registerJobsLocked()
	s.c.Start()
	s.log.Info("maintenance started", logx.String("tz", loc.String()), logx.Int("jobs", jobs))
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("maintenance stopped")
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	jobs := s.registerJobsLocked()
	s.c.Start()
	s.log.Info("maintenance restarted", logx.String("tz", loc.String()), logx.Int("jobs", jobs))
}

func (s *Service) registerJobsLocked() int {
	jobs := 0

	if s.pruner != nil && s.cfg.Retention > 0 {
		spec := strings.TrimSpace(s.cfg.PruneSpec)
		if spec == "" {
			spec = defaultPruneSpec
		}
		if _, err := s.c.AddFunc(spec, s.runPrune); err != nil {
			s.log.Error("invalid prune spec", logx.String("spec", spec), logx.Err(err))
		} else {
			jobs++
		}
	}

	if s.stats != nil && strings.TrimSpace(s.cfg.StatsSpec) != "-" {
		spec := strings.TrimSpace(s.cfg.StatsSpec)
		if spec == "" {
			spec = defaultStatsSpec
		}
		if _, err := s.c.AddFunc(spec, s.runStats); err != nil {
			s.log.Error("invalid stats spec", logx.String("spec", spec), logx.Err(err))
		} else {
			jobs++
		}
	}
	return jobs
}

func (s *Service) runPrune() {
	if s.pruner == nil {
		return
	}
	s.jobMu.Lock()
	retention := s.jobRetention
	base := s.jobCtx
	s.jobMu.Unlock()
	if retention <= 0 {
		return
	}
	if base == nil {
		base = context.Background()
	}

	ctx, cancel := context.WithTimeout(base, jobTimeout)
	defer cancel()
	removed, err := s.pruner.Prune(ctx, time.Now().Add(-retention))
	if err != nil {
		s.log.Warn("history prune failed", logx.Err(err))
		return
	}
	s.log.Debug("history prune ran", logx.Int("removed", removed))
}

func (s *Service) runStats() {
	if s.stats == nil {
		return
	}

	st := s.stats.Stats()
	s.log.Info("pipeline stats",
		logx.Int("pending_users", st.PendingUsers),
		logx.Int("buffered", st.BufferedMessages),
		logx.Int("queued_channels", st.QueuedChannels),
		logx.Int("queued", st.QueuedMessages),
		logx.Int("dedup_entries", st.DedupEntries))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
