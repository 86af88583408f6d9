// Package maintenance runs the periodic housekeeping jobs: reaping expired
// leases, pruning stale rate state and sweeping expired cache entries.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"vaultbot/internal/cache"
	"vaultbot/internal/storage"
	logx "vaultbot/pkg/logx"
)

const (
	JobLeaseReaper = "lease_reaper"
	JobRatePrune   = "rate_prune"
	JobCacheSweep  = "cache_sweep"

	jobTimeout = 30 * time.Second
)

type Config struct {
	Enabled  bool
	Timezone string

	LeaseReaper string
	RatePrune   string
	CacheSweep  string
}

// Recorder receives one call per job run.
type Recorder interface {
	RecordJob(job string, affected int, err error)
}

type Deps struct {
	Catalog storage.Catalog
	Rates   storage.RateStore
	Caches  []cache.Sweeper
	Rec     Recorder
	Log     logx.Logger
	Clock   func() time.Time
}

type job struct {
	name string
	spec func(Config) string
	run  func(ctx context.Context) (int, error)
}

type Service struct {
	log  logx.Logger
	rec  Recorder
	now  func() time.Time
	jobs []job

	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	running bool
	runCtx  context.Context
	entries map[string]cron.EntryID
}

func New(cfg Config, d Deps) *Service {
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "maintenance")),
		rec:     d.Rec,
		now:     d.Clock,
		cfg:     cfg,
		entries: map[string]cron.EntryID{},
	}
	if s.now == nil {
		s.now = time.Now
	}
	if d.Catalog != nil {
		s.jobs = append(s.jobs, job{
			name: JobLeaseReaper,
			spec: func(c Config) string { return c.LeaseReaper },
			run:  func(ctx context.Context) (int, error) { return d.Catalog.ReapExpiredLeases(ctx, s.now()) },
		})
	}
	if d.Rates != nil {
		s.jobs = append(s.jobs, job{
			name: JobRatePrune,
			spec: func(c Config) string { return c.RatePrune },
			run:  func(ctx context.Context) (int, error) { return d.Rates.PruneRates(ctx, s.now()) },
		})
	}
	if len(d.Caches) > 0 {
		caches := append([]cache.Sweeper(nil), d.Caches...)
		s.jobs = append(s.jobs, job{
			name: JobCacheSweep,
			spec: func(c Config) string { return c.CacheSweep },
			run: func(context.Context) (int, error) {
				n := 0
				for _, c := range caches {
					n += c.Sweep()
				}
				return n, nil
			},
		})
	}
	return s
}

// Validate checks every schedule and the timezone without applying them.
func Validate(cfg Config) error {
	var errs []error
	for name, spec := range map[string]string{
		JobLeaseReaper: cfg.LeaseReaper,
		JobRatePrune:   cfg.RatePrune,
		JobCacheSweep:  cfg.CacheSweep,
	} {
		if _, err := normalizeSpec(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", tz, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.runCtx = ctx
	s.startLocked()
}

// Apply swaps the configuration, rebuilding the cron table when running.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if !s.running {
		return
	}
	s.stopCronLocked(context.Background())
	s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.stopCronLocked(ctx)
	s.log.Info("service stopped")
}

func (s *Service) startLocked() {
	if !s.cfg.Enabled {
		s.log.Info("maintenance disabled")
		return
	}
	loc := s.loadLocationLocked()
	s.c = cron.New(
		cron.WithParser(specParser),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	s.entries = map[string]cron.EntryID{}
	for _, j := range s.jobs {
		spec, err := normalizeSpec(j.spec(s.cfg))
		if err != nil {
			s.log.Warn("invalid schedule; job disabled", logx.String("job", j.name), logx.Err(err))
			continue
		}
		if spec == "" {
			continue
		}
		j := j
		id, err := s.c.AddFunc(spec, func() { s.runJob(s.runCtx, j) })
		if err != nil {
			s.log.Warn("schedule rejected", logx.String("job", j.name), logx.String("spec", spec), logx.Err(err))
			continue
		}
		s.entries[j.name] = id
	}
	s.c.Start()
	s.log.Info("service started", logx.String("tz", loc.String()), logx.Int("jobs", len(s.entries)))
}

func (s *Service) stopCronLocked(ctx context.Context) {
	s.entries = map[string]cron.EntryID{}
	if s.c == nil {
		return
	}
	done := s.c.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("maintenance stop timed out; jobs still running")
	}
	s.c = nil
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

// Scheduled lists the job names currently registered with cron.
func (s *Service) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, j := range s.jobs {
		if _, ok := s.entries[j.name]; ok {
			out = append(out, j.name)
		}
	}
	return out
}

// RunNow runs a job synchronously, outside its schedule.
func (s *Service) RunNow(ctx context.Context, name string) (int, error) {
	for _, j := range s.jobs {
		if j.name == name {
			return s.runJob(ctx, j)
		}
	}
	return 0, fmt.Errorf("unknown job %q", name)
}

func (s *Service) runJob(parent context.Context, j job) (n int, err error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in maintenance job", logx.String("job", j.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
		if s.rec != nil {
			s.rec.RecordJob(j.name, n, err)
		}
		switch {
		case err != nil:
			s.log.Warn("job failed", logx.String("job", j.name), logx.Duration("took", time.Since(start)), logx.Err(err))
		case n > 0:
			s.log.Info("job done", logx.String("job", j.name), logx.Int("affected", n), logx.Duration("took", time.Since(start)))
		default:
			s.log.Debug("job done", logx.String("job", j.name), logx.Duration("took", time.Since(start)))
		}
	}()
	return j.run(ctx)
}

type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, logx.Any("kv", kv), logx.Err(err))
}
