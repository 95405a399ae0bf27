package scheduler

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/quota/internal/observability/context"
	obslogger "github.com/smallbiznis/quota/internal/observability/logger"
	"github.com/smallbiznis/quota/internal/reconcile"
	"go.uber.org/zap"
)

type jobRun struct {
	job       string
	jobID     string
	runID     string
	trigger   string
	startedAt time.Time
}

func (s *Scheduler) newJobRun(ctx context.Context, job, jobID, trigger string) (context.Context, *jobRun) {
	run := &jobRun{
		job:       job,
		jobID:     jobID,
		runID:     s.genID.Generate().String(),
		trigger:   trigger,
		startedAt: time.Now(),
	}
	ctx = obscontext.WithJob(ctx, job)
	return ctx, run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("job_id", run.jobID),
		zap.String("run_id", run.runID),
		zap.String("trigger", run.trigger),
	)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun, summary reconcile.Summary, err error) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("job_id", run.jobID),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("tenant_count", summary.Tenants),
		zap.Int("processed_count", summary.Processed),
		zap.Int("error_count", summary.Failed),
		zap.Int("skipped_count", summary.Skipped),
	}
	log := s.logger(ctx)
	if err != nil {
		log.Warn("scheduler.job.finish", append(fields, zap.Error(err))...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}
