package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"tgninja/internal/storage"
	"tgninja/pkg/clock"
	"tgninja/pkg/logx"
)

type entry struct {
	name   string
	spec   string
	spread time.Duration
	id     cron.EntryID
}

// Service ticks the due-work scan for recurring jobs.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	store Store
	disp  Dispatcher
	clk   clock.Clock

	parser  cron.Parser
	c       *cron.Cron
	entries []entry

	// base outlives cron restarts on Apply; Stop cancels it.
	base   context.Context
	cancel context.CancelFunc

	repMu    sync.Mutex
	lastWarn map[string]time.Time
}

func New(cfg Config, store Store, disp Dispatcher, clk clock.Clock, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Service{
		cfg:   cfg.withDefaults(),
		log:   log,
		store: store,
		disp:  disp,
		clk:   clk,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastWarn: map[string]time.Time{},
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A running service re-registers its entries when
// cadence, cleanup schedule, timezone or the enabled flag changed.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.base == nil || old == cfg {
		return
	}
	s.stopCronLocked()
	if !cfg.Enabled {
		s.log.Info("scheduler disabled by config")
		return
	}
	if err := s.startCronLocked(); err != nil {
		s.log.Error("scheduler restart failed", logx.Err(err))
	}
}

// Start registers the tick and cleanup entries and starts cron. A disabled
// service stays idle until Apply enables it.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base != nil {
		return nil
	}
	s.base, s.cancel = context.WithCancel(ctx)
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}
	return s.startCronLocked()
}

func (s *Service) startCronLocked() error {
	loc := s.loadLocationLocked()
	logger := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	cfg := s.cfg
	now := s.clk.Now()
	var entries []entry
	for _, t := range []struct {
		kind  storage.Kind
		every time.Duration
	}{
		{storage.KindBroadcast, cfg.BroadcastTick},
		{storage.KindComment, cfg.CommentTick},
	} {
		kind := t.kind
		sched, spread := everyWithSpread(t.every, now, string(kind))
		id := c.Schedule(sched, cron.FuncJob(func() { s.runTick(kind) }))
		entries = append(entries, entry{name: "tick." + string(kind), spec: "@every " + t.every.String(), spread: spread, id: id})
	}

	ps, err := ParseSchedule(cfg.ActivityCleanup)
	if err != nil {
		return errors.Wrap(err, "activity cleanup schedule")
	}
	var sched cron.Schedule
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		sched = cron.Every(ps.Every)
		spec = "@every " + ps.Every.String()
	} else if sched, err = s.parser.Parse(ps.Cron); err != nil {
		return errors.Wrapf(err, "activity cleanup schedule %q", ps.Cron)
	}
	id := c.Schedule(sched, cron.FuncJob(s.runCleanup))
	entries = append(entries, entry{name: "activity.cleanup", spec: spec, id: id})

	s.c = c
	s.loc = loc
	s.entries = entries
	c.Start()
	s.log.Info("scheduler started",
		logx.String("tz", loc.String()),
		logx.Duration("broadcast_tick", cfg.BroadcastTick),
		logx.Duration("comment_tick", cfg.CommentTick),
		logx.String("cleanup", spec),
	)
	return nil
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	// Ticks in flight finish on their own; Dispatch is quick.
	s.c.Stop()
	s.c = nil
	s.entries = nil
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Stop stops cron and waits for a tick in progress, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entries = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.base, s.cancel = nil, nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base == nil {
		return nil
	}
	return s.base
}

func (s *Service) runTick(kind storage.Kind) {
	ctx := s.baseContext()
	if ctx == nil {
		return
	}
	rep, err := s.Tick(ctx, kind)
	if err != nil {
		s.log.Warn("tick failed", logx.Kind(string(kind)), logx.Err(err))
		return
	}
	if rep.Due > 0 {
		s.log.Debug("tick",
			logx.Kind(string(kind)),
			logx.Int("due", rep.Due),
			logx.Int("dispatched", rep.Dispatched),
			logx.Int("skipped", rep.Skipped),
			logx.Int("failed", rep.Failed),
		)
	}
}

func (s *Service) runCleanup() {
	ctx := s.baseContext()
	if ctx == nil {
		return
	}
	n, err := s.Cleanup(ctx)
	if err != nil {
		s.log.Warn("activity cleanup failed", logx.Err(err))
		return
	}
	s.log.Info("activity cleanup", logx.Int64("removed", n))
}

// Snapshot lists the registered entries with their next fire times.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	out := Snapshot{Enabled: s.cfg.Enabled, Timezone: loc.String()}
	for _, e := range s.entries {
		it := ScheduleInfo{Name: e.name, Spec: e.spec, Spread: e.spread}
		if s.c != nil {
			ce := s.c.Entry(e.id)
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		out.Schedules = append(out.Schedules, it)
	}
	return out
}
