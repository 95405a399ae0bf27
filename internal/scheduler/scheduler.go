package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/quota/internal/clock"
	obsmetrics "github.com/smallbiznis/quota/internal/observability/metrics"
	"github.com/smallbiznis/quota/internal/reconcile"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidConfig = errors.New("invalid_scheduler_config")
	ErrUnknownJob    = errors.New("unknown_job")
)

const (
	triggerCron   = "cron"
	triggerManual = "manual"
)

// Job is a reconciliation job the scheduler can trigger.
type Job interface {
	Name() string
	// Period names the slice of time a run at now covers; it forms the job id.
	Period(now time.Time) string
	Run(ctx context.Context) (reconcile.Summary, error)
}

// Entry binds a job to its cron spec.
type Entry struct {
	Spec string
	Job  Job
}

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config
	Redis    *redis.Client
	Snapshot *reconcile.Snapshotter
	Monthly  *reconcile.MonthlyResetter
	Metrics  *obsmetrics.SchedulerMetrics `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	locker  *Locker
	metrics *obsmetrics.SchedulerMetrics
	entries map[string]Entry

	mu     sync.Mutex
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New(p Params) (*Scheduler, error) {
	if p.Snapshot == nil || p.Monthly == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return NewWithEntries(
		cfg,
		NewLocker(p.Redis, cfg.KeyPrefix),
		p.GenID,
		p.Clock,
		p.Log,
		p.Metrics,
		Entry{Spec: cfg.DailySnapshotCron, Job: p.Snapshot},
		Entry{Spec: cfg.MonthlyResetCron, Job: p.Monthly},
	)
}

func NewWithEntries(
	cfg Config,
	locker *Locker,
	genID *snowflake.Node,
	clk clock.Clock,
	log *zap.Logger,
	m *obsmetrics.SchedulerMetrics,
	entries ...Entry,
) (*Scheduler, error) {
	if locker == nil || genID == nil {
		return nil, ErrInvalidConfig
	}
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scheduler{
		log:     log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     cfg.withDefaults(),
		genID:   genID,
		clock:   clk,
		locker:  locker,
		metrics: m,
		entries: make(map[string]Entry, len(entries)),
	}
	for _, entry := range entries {
		if entry.Job == nil {
			return nil, ErrInvalidConfig
		}
		name := entry.Job.Name()
		if !s.cfg.isJobEnabled(name) {
			s.log.Info("scheduler job disabled", zap.String("job", name))
			continue
		}
		if _, err := cron.ParseStandard(entry.Spec); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
		}
		s.entries[name] = entry
	}
	return s, nil
}

// Jobs returns the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start registers every enabled job with a UTC cron.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	cronLog := cron.PrintfLogger(zap.NewStdLog(s.log))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, name := range s.Jobs() {
		entry := s.entries[name]
		job := entry.Job
		if _, err := c.AddFunc(entry.Spec, func() { s.trigger(job) }); err != nil {
			s.cancel()
			return fmt.Errorf("register %s: %w", name, err)
		}
		s.log.Info("scheduler job registered", zap.String("job", name), zap.String("spec", entry.Spec))
	}

	c.Start()
	s.cron = c
	return nil
}

// Stop cancels in-flight runs and waits for them until ctx expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	cancel := s.cancel
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	cancel()
	done := c.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) trigger(job Job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.runJob(ctx, job, triggerCron); err != nil {
		s.log.Warn("scheduler run failed", zap.String("job", job.Name()), zap.Error(err))
	}
}

// RunOnce triggers a registered job immediately under the same lock and
// completion marker as the cron trigger.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (reconcile.Summary, error) {
	entry, ok := s.entries[name]
	if !ok {
		return reconcile.Summary{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.runJob(ctx, entry.Job, triggerManual)
}

func (s *Scheduler) runJob(parent context.Context, job Job, trigger string) (reconcile.Summary, error) {
	name := job.Name()
	jobID := fmt.Sprintf("%s:%s", name, job.Period(s.clock.Now()))
	ctx, run := s.newJobRun(parent, name, jobID, trigger)
	log := s.logger(ctx).With(zap.String("job", name), zap.String("job_id", jobID))

	done, err := s.locker.IsDone(ctx, jobID)
	if err != nil {
		s.metrics.IncJobError(name, err)
		return reconcile.Summary{}, fmt.Errorf("%s: check completion: %w", name, err)
	}
	if done {
		s.metrics.IncJobSkipped(name, obsmetrics.SchedulerSkipReasonCompleted)
		log.Info("scheduler job already completed")
		return reconcile.Summary{Job: name}, nil
	}

	token, acquired, err := s.locker.TryLock(ctx, jobID, s.cfg.LockTTL)
	if err != nil {
		s.metrics.IncJobError(name, err)
		return reconcile.Summary{}, fmt.Errorf("%s: acquire lock: %w", name, err)
	}
	if !acquired {
		s.metrics.IncJobSkipped(name, obsmetrics.SchedulerSkipReasonLocked)
		log.Info("scheduler job owned by another replica")
		return reconcile.Summary{Job: name}, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, jobID, token); err != nil {
			log.Warn("failed to release scheduler lock", zap.Error(err))
		}
	}()

	start := s.clock.Now()
	s.metrics.IncJobRun(name)
	s.logJobStart(ctx, run)

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()
	summary, err := job.Run(runCtx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	s.logJobFinish(ctx, run, summary, err)

	if completed(summary, err) {
		if markErr := s.locker.MarkDone(context.WithoutCancel(ctx), jobID, s.cfg.DoneTTL, s.clock.Now()); markErr != nil {
			log.Warn("failed to mark scheduler job done", zap.Error(markErr))
		}
	}
	if err == nil {
		return summary, nil
	}

	s.metrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.metrics.IncJobTimeout(name)
		log.Warn("job timed out",
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return summary, nil
	}
	return summary, fmt.Errorf("%s: %w", name, err)
}

// completed reports whether every tenant got its turn. Per-tenant failures
// still count as done; a rerun would repeat summary events for the others.
func completed(summary reconcile.Summary, err error) bool {
	if err == nil {
		return true
	}
	if summary.Skipped > 0 {
		return false
	}
	return summary.Tenants > 0 && summary.Failed < summary.Tenants
}
