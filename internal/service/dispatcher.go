package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamfab/mediaq/config"
	"github.com/streamfab/mediaq/internal/core"
	"github.com/streamfab/mediaq/internal/data"
	"github.com/streamfab/mediaq/internal/domain/model"
	obserrors "github.com/streamfab/mediaq/internal/observability/errors"
	"github.com/streamfab/mediaq/internal/observability/metrics"
	"github.com/streamfab/mediaq/internal/observability/statsd"
)

// DispatcherOptions groups dependencies for DispatcherService.
type DispatcherOptions struct {
	Repo    core.JobRepository      // Required: job repository
	Queue   core.QueueRuntime       // Required: queue placement
	Config  config.DispatcherConfig // Cadence, batch size, processing timeout
	Alerts  core.AlertSink          // Optional: advisory timeout warnings
	Logger  *slog.Logger            // Optional: structured logger
	Metrics statsd.Sink             // Optional: metrics sink (StatsD-compatible)
	Time    data.TimeProvider       // Optional: defaults to real time
}

// DispatcherService is the periodic supervisor that keeps storage and the
// queue runtime in agreement:
//
// - Releases pending jobs whose ScheduledFor gate elapsed (and any pending
//   job a direct enqueue missed) onto their queues, in ready order.
// - Re-enqueues failed jobs whose retry time arrived.
// - Sweeps in-progress jobs running past the processing timeout and emits
//   an advisory warning; enforcement stays with workers.
type DispatcherService struct {
	repo    core.JobRepository
	queue   core.QueueRuntime
	cfg     config.DispatcherConfig
	alerter core.AlertSink
	logger  *slog.Logger
	metrics statsd.Sink
	time    data.TimeProvider

	// timeoutAlerted carries advisory-alert dedup state between sweeps;
	// only accessed from the dispatch loop goroutine.
	timeoutAlerted map[string]struct{}
}

// NewDispatcherService constructs a new DispatcherService.
func NewDispatcherService(opts DispatcherOptions) (*DispatcherService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("QueueRuntime is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	tp := opts.Time
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "dispatcher")
		logger.Debug("DispatcherService initialized",
			"interval", cfg.Interval,
			"batch_size", cfg.BatchSize,
			"processing_timeout", cfg.ProcessingTimeout,
		)
	}

	return &DispatcherService{
		repo:           opts.Repo,
		queue:          opts.Queue,
		cfg:            cfg,
		alerter:        opts.Alerts,
		logger:         logger,
		metrics:        opts.Metrics,
		time:           tp,
		timeoutAlerted: make(map[string]struct{}),
	}, nil
}

// Run starts the dispatch loop and runs until the context is cancelled.
// Returns nil on graceful shutdown (context.Canceled), error otherwise.
func (s *DispatcherService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting dispatcher", "interval", s.cfg.Interval)
	}

	// Jitter spreads simultaneous starts of multiple instances.
	s.waitWithJitter(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	if err := s.runDispatch(ctx); err != nil {
		s.logDispatchError(err, "initial dispatch")
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.InfoContext(ctx, "dispatcher stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.runDispatch(ctx); err != nil {
				s.logDispatchError(err, "dispatch")
			}
		}
	}
}

// waitWithJitter delays up to 10% of the interval.
func (s *DispatcherService) waitWithJitter(ctx context.Context) {
	maxJitter := int64(s.cfg.Interval / 10)
	if maxJitter <= 0 {
		return
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to generate jitter, skipping", "error", err)
		}
		return
	}
	jitter := time.Duration(int64(binary.BigEndian.Uint64(buf[:]) % uint64(maxJitter))) // #nosec G115 - bounded by maxJitter

	select {
	case <-time.After(jitter):
	case <-ctx.Done():
	}
}

type dispatchStep struct {
	fn    func(context.Context) (int64, error)
	label string
}

// runDispatch performs one full dispatch pass. Step errors are joined; a
// failing step never blocks the remaining steps.
func (s *DispatcherService) runDispatch(ctx context.Context) error {
	start := time.Now()
	var errs []error

	steps := []dispatchStep{
		{fn: s.releasePendingJobs, label: "release pending jobs"},
		{fn: s.requeueRetryJobs, label: "requeue retry-ready jobs"},
		{fn: s.sweepTimedOutJobs, label: "sweep timed-out jobs"},
	}

	for _, step := range steps {
		count, err := step.fn(ctx)
		s.emitStepMetric(step.label, count, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.label, err))
			if isContextCancellation(err) {
				break
			}
		}
	}

	if s.metrics != nil {
		s.metrics.Timing("dispatcher.pass_duration", time.Since(start), nil)
	}

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if isContextCancellation(joined) {
			return context.Canceled
		}
		return fmt.Errorf("dispatch failed: %w", joined)
	}
	return nil
}

// releasePendingJobs places ready pending jobs on their queues in ready
// order (priority descending, oldest first). Queue placement is idempotent,
// so jobs enqueued directly at create time are skipped cheaply.
func (s *DispatcherService) releasePendingJobs(ctx context.Context) (int64, error) {
	jobs, err := s.repo.FindPendingReady(ctx, s.time.Now(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, job := range jobs {
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return count, fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
		count++
	}

	if count > 0 && s.logger != nil {
		s.logger.DebugContext(ctx, "released pending jobs", "count", count)
	}
	return count, nil
}

// requeueRetryJobs promotes failed jobs whose retry time arrived back onto
// their queues, highest priority and longest-due first.
func (s *DispatcherService) requeueRetryJobs(ctx context.Context) (int64, error) {
	jobs, err := s.repo.FindFailedReadyForRetry(ctx, s.time.Now(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var count int64
	for _, job := range jobs {
		if err := s.queue.Enqueue(ctx, job); err != nil {
			return count, fmt.Errorf("enqueue retry %s: %w", job.ID, err)
		}
		count++
	}

	if count > 0 && s.logger != nil {
		s.logger.InfoContext(ctx, "requeued retry-ready jobs", "count", count)
	}
	return count, nil
}

// sweepTimedOutJobs warns about in-progress jobs running past the
// processing timeout. The sweep never fails or cancels the job: timeout
// detection is advisory and the attempt's outcome belongs to its worker.
func (s *DispatcherService) sweepTimedOutJobs(ctx context.Context) (int64, error) {
	cutoff := s.time.Now().Add(-s.cfg.ProcessingTimeout)
	jobs, err := s.repo.FindInProgressStartedBefore(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	stillRunning := make(map[string]struct{}, len(jobs))
	var count int64
	for _, job := range jobs {
		stillRunning[job.ID] = struct{}{}
		if _, alerted := s.timeoutAlerted[job.ID]; alerted {
			continue
		}
		count++
		if s.alerter != nil {
			runningFor := s.time.Now().Sub(*job.StartedAt)
			_ = s.alerter.Emit(ctx, model.AlertSeverityWarning, job.Type.QueueName(),
				fmt.Sprintf("job running past processing timeout: %s", runningFor),
				map[string]string{
					"job_id":    job.ID,
					"job_type":  string(job.Type),
					"threshold": s.cfg.ProcessingTimeout.String(),
				})
		}
	}
	s.timeoutAlerted = stillRunning

	return count, nil
}

func (s *DispatcherService) emitStepMetric(label string, count int64, err error) {
	if s.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	} else if count == 0 {
		result = metrics.ResultNoop
	}

	tags := map[string]string{
		"operation": label,
		"result":    result,
	}
	if err != nil {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}

	s.metrics.Count("dispatcher.pass_operation", 1, tags)
	if err == nil && count > 0 {
		s.metrics.Count("dispatcher.jobs_dispatched", count, metrics.CloneTags(tags))
	}
}

func (s *DispatcherService) logDispatchError(err error, label string) {
	if err == nil || s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.Debug(label+" cancelled by context", "error", err)
		return
	}
	s.logger.Error(label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
