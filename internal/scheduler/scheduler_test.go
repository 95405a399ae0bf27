package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/quota/internal/clock"
	obsmetrics "github.com/smallbiznis/quota/internal/observability/metrics"
	"github.com/smallbiznis/quota/internal/reconcile"
	"go.uber.org/zap"
)

type fakeJob struct {
	name  string
	runs  atomic.Int32
	run   func(ctx context.Context) (reconcile.Summary, error)
	label string
}

func (j *fakeJob) Name() string { return j.name }

func (j *fakeJob) Period(now time.Time) string {
	if j.label != "" {
		return j.label
	}
	return now.UTC().Format("2006-01-02")
}

func (j *fakeJob) Run(ctx context.Context) (reconcile.Summary, error) {
	j.runs.Add(1)
	if j.run != nil {
		return j.run(ctx)
	}
	return reconcile.Summary{Job: j.name, Tenants: 1, Processed: 1}, nil
}

func newTestScheduler(t *testing.T, cfg Config, jobs ...*fakeJob) (*Scheduler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}

	entries := make([]Entry, 0, len(jobs))
	for _, job := range jobs {
		entries = append(entries, Entry{Spec: "55 23 * * *", Job: job})
	}
	s, err := NewWithEntries(
		cfg,
		NewLocker(client, "scheduler"),
		node,
		clock.NewFakeClock(time.Date(2024, 3, 31, 23, 55, 0, 0, time.UTC)),
		zap.NewNop(),
		obsmetrics.Scheduler(),
		entries...,
	)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return s, mr
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "quota",
		Environment: "test",
	})

	job := &fakeJob{name: "timeout_job", run: func(ctx context.Context) (reconcile.Summary, error) {
		<-ctx.Done()
		return reconcile.Summary{}, ctx.Err()
	}}
	s, mr := newTestScheduler(t, Config{JobTimeout: 5 * time.Millisecond}, job)

	if _, err := s.RunOnce(context.Background(), "timeout_job"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "quota",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "quota_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "quota",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "quota_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
	if mr.Exists("scheduler:done:timeout_job:2024-03-31") {
		t.Fatalf("timed out run must not be marked done")
	}
}

func TestRunOnceIsIdempotentPerPeriod(t *testing.T) {
	job := &fakeJob{name: reconcile.JobDailySnapshot}
	s, mr := newTestScheduler(t, Config{}, job)
	ctx := context.Background()

	if _, err := s.RunOnce(ctx, reconcile.JobDailySnapshot); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := s.RunOnce(ctx, reconcile.JobDailySnapshot); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if got := job.runs.Load(); got != 1 {
		t.Fatalf("expected 1 run, got %d", got)
	}
	if !mr.Exists("scheduler:done:usage.daily_snapshot:2024-03-31") {
		t.Fatalf("expected completion marker")
	}
	if mr.Exists("scheduler:lock:usage.daily_snapshot:2024-03-31") {
		t.Fatalf("expected lock to be released")
	}
}

func TestRunOnceSkipsWhenAnotherReplicaHoldsTheLock(t *testing.T) {
	job := &fakeJob{name: reconcile.JobMonthlyReset, label: "2024-03"}
	s, mr := newTestScheduler(t, Config{}, job)

	if err := mr.Set("scheduler:lock:usage.monthly_reset:2024-03", "other-replica"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	if _, err := s.RunOnce(context.Background(), reconcile.JobMonthlyReset); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := job.runs.Load(); got != 0 {
		t.Fatalf("expected no run while locked, got %d", got)
	}
	if got, _ := mr.Get("scheduler:lock:usage.monthly_reset:2024-03"); got != "other-replica" {
		t.Fatalf("foreign lock must survive, got %q", got)
	}
}

func TestFailedRunIsRetried(t *testing.T) {
	boom := errors.New("list tenants: connection refused")
	job := &fakeJob{name: reconcile.JobDailySnapshot, run: func(context.Context) (reconcile.Summary, error) {
		return reconcile.Summary{}, boom
	}}
	s, _ := newTestScheduler(t, Config{}, job)

	if _, err := s.RunOnce(context.Background(), reconcile.JobDailySnapshot); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if _, err := s.RunOnce(context.Background(), reconcile.JobDailySnapshot); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if got := job.runs.Load(); got != 2 {
		t.Fatalf("expected retry, got %d runs", got)
	}
}

func TestPartialFailureStillCompletes(t *testing.T) {
	job := &fakeJob{name: reconcile.JobMonthlyReset, label: "2024-03", run: func(context.Context) (reconcile.Summary, error) {
		return reconcile.Summary{Tenants: 3, Processed: 4, Failed: 1}, errors.New("tenant 7: timeout")
	}}
	s, mr := newTestScheduler(t, Config{}, job)

	if _, err := s.RunOnce(context.Background(), reconcile.JobMonthlyReset); err == nil {
		t.Fatalf("expected error to be reported")
	}
	if !mr.Exists("scheduler:done:usage.monthly_reset:2024-03") {
		t.Fatalf("partial failure must still mark the period done")
	}
}

func TestEnabledJobsFilter(t *testing.T) {
	snapshot := &fakeJob{name: reconcile.JobDailySnapshot}
	reset := &fakeJob{name: reconcile.JobMonthlyReset}
	s, _ := newTestScheduler(t, Config{Jobs: []string{"usage.monthly_reset"}}, snapshot, reset)

	if got := s.Jobs(); len(got) != 1 || got[0] != reconcile.JobMonthlyReset {
		t.Fatalf("unexpected jobs %v", got)
	}
	if _, err := s.RunOnce(context.Background(), reconcile.JobDailySnapshot); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestInvalidCronSpecRejected(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	node, _ := snowflake.NewNode(1)

	_, err := NewWithEntries(Config{}, NewLocker(client, ""), node, nil, nil, nil,
		Entry{Spec: "every day", Job: &fakeJob{name: "bad"}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestStartStop(t *testing.T) {
	s, _ := newTestScheduler(t, Config{}, &fakeJob{name: reconcile.JobDailySnapshot})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
