// Package service contains the application services that tie the job
// lifecycle entity to storage, the queue runtime, and observability.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/streamfab/mediaq/internal/core"
	"github.com/streamfab/mediaq/internal/data"
	domainjob "github.com/streamfab/mediaq/internal/domain/job"
	"github.com/streamfab/mediaq/internal/domain/model"
	apperrors "github.com/streamfab/mediaq/internal/errors"
	"github.com/streamfab/mediaq/internal/observability/metrics"
	"github.com/streamfab/mediaq/internal/observability/statsd"
)

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Repo core.JobRepository // Required: job repository

	// Queue receives ready jobs on create and delayed retries on failure.
	// Optional: without it, placement is left entirely to the dispatcher.
	Queue core.QueueRuntime

	Publisher domainjob.Publisher // Optional: transition event fan-out
	Logger    *slog.Logger        // Optional: structured logger
	Metrics   statsd.Sink         // Optional: metrics sink (StatsD-compatible)
	Time      data.TimeProvider   // Optional: defaults to real time

	// RetryPolicies overrides backoff per job type; DefaultRetryPolicy is
	// used for types without an entry. A nil default falls back to the
	// package default (60s doubling).
	RetryPolicies      map[model.JobType]*domainjob.RetryPolicy
	DefaultRetryPolicy *domainjob.RetryPolicy
}

// JobService owns job lifecycle orchestration: it loads the record, applies
// the pure transition, persists the diff, and publishes the event. Retry
// scheduling after a failure, including queue placement of the delayed
// attempt, happens here.
type JobService struct {
	repo          core.JobRepository
	queue         core.QueueRuntime
	publisher     domainjob.Publisher
	logger        *slog.Logger
	metrics       statsd.Sink
	time          data.TimeProvider
	retryPolicies map[model.JobType]*domainjob.RetryPolicy
	defaultPolicy *domainjob.RetryPolicy
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}

	tp := opts.Time
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}
	policy := opts.DefaultRetryPolicy
	if policy == nil {
		policy = domainjob.DefaultRetryPolicy()
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
	}

	return &JobService{
		repo:          opts.Repo,
		queue:         opts.Queue,
		publisher:     opts.Publisher,
		logger:        logger,
		metrics:       opts.Metrics,
		time:          tp,
		retryPolicies: opts.RetryPolicies,
		defaultPolicy: policy,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Create persists a new job and, when the job is immediately runnable,
// places it on its queue. Jobs gated behind ScheduledFor stay pending until
// the dispatcher releases them; a queue placement failure is absorbed the
// same way, the dispatcher sweep will pick the job up.
func (s *JobService) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	job, err := s.repo.Create(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "job created",
			"id", job.ID, "type", job.Type, "priority", job.Priority)
	}

	if s.queue != nil && job.IsReadyToExecute(s.time.Now()) {
		if enqErr := s.queue.Enqueue(ctx, job); enqErr != nil && s.logger != nil {
			s.logger.WarnContext(ctx, "enqueue after create failed, leaving job to dispatcher",
				"id", job.ID, "error", enqErr)
		}
	}

	return job, nil
}

// GetByID returns a job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get job by id %s: %w", id, err)
	}
	return job, nil
}

// GetByExternalID returns a job by the correlation id of its external system.
func (s *JobService) GetByExternalID(ctx context.Context, externalID string) (*model.Job, error) {
	job, err := s.repo.GetByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("get job by external id %s: %w", externalID, err)
	}
	return job, nil
}

// Start moves a job into execution.
func (s *JobService) Start(ctx context.Context, id string) (*model.Job, error) {
	return s.applyTransition(ctx, id, "start", func(j model.Job, now time.Time) (model.Job, domainjob.Event, error) {
		return domainjob.Start(j, now)
	})
}

// SetProgress records worker-reported progress on an in-progress job.
func (s *JobService) SetProgress(ctx context.Context, id string, progress int) (*model.Job, error) {
	return s.applyTransition(ctx, id, "progress", func(j model.Job, now time.Time) (model.Job, domainjob.Event, error) {
		return domainjob.SetProgress(j, progress, now)
	})
}

// AttachExternalJob records the external system's job id. Assignment is
// idempotent for the same id and rejected for a different one.
func (s *JobService) AttachExternalJob(ctx context.Context, id, externalID string) (*model.Job, error) {
	before, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("attach external job %s: %w", id, err)
	}

	after, err := domainjob.AttachExternalJob(*before, externalID, s.time.Now())
	if err != nil {
		return nil, mapTransitionErr(err)
	}

	updated, err := s.repo.Update(ctx, id, model.UpdateFromTransition(*before, after))
	if err != nil {
		return nil, fmt.Errorf("attach external job %s: %w", id, err)
	}
	return updated, nil
}

// Complete finishes an in-progress job successfully.
func (s *JobService) Complete(ctx context.Context, id string, result model.JobResult) (*model.Job, error) {
	job, err := s.applyTransition(ctx, id, "completed", func(j model.Job, now time.Time) (model.Job, domainjob.Event, error) {
		return domainjob.Complete(j, result, now)
	})
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job completed", "id", id, "type", job.Type)
	}
	return job, nil
}

// Fail records a worker-reported failure and, while attempts remain,
// schedules the retry: the attempt count is incremented atomically, the
// next retry time follows the job type's backoff policy, and the job is
// parked on the queue's delayed set. A job out of attempts stays failed
// with no retry time; it is terminal.
func (s *JobService) Fail(ctx context.Context, id, errMsg, errCode string) (*model.Job, error) {
	job, err := s.applyTransition(ctx, id, "failed", func(j model.Job, now time.Time) (model.Job, domainjob.Event, error) {
		return domainjob.Fail(j, errMsg, errCode, now)
	})
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.WarnContext(ctx, "job failed",
			"id", id, "type", job.Type, "attempt", job.AttemptCount, "error", errMsg)
	}

	return s.scheduleRetry(ctx, job)
}

// scheduleRetry applies the backoff policy to a freshly failed job.
func (s *JobService) scheduleRetry(ctx context.Context, failed *model.Job) (*model.Job, error) {
	if failed.AttemptCount >= failed.MaxAttempts {
		return failed, nil
	}

	now := s.time.Now()
	retried, ev, err := domainjob.ScheduleRetry(*failed, s.policyFor(failed.Type), now)
	if err != nil {
		return nil, mapTransitionErr(err)
	}

	// The increment is a single read-modify-write in storage so a racing
	// retry scheduler cannot double-count the attempt.
	persisted, err := s.repo.IncrementAttempt(ctx, failed.ID, retried.NextRetryAt)
	if err != nil {
		return nil, fmt.Errorf("schedule retry for job %s: %w", failed.ID, err)
	}

	s.publish(ev)
	s.emitTransition(persisted.Type, "retry_scheduled", metrics.ResultSuccess, 0, nil)

	if persisted.NextRetryAt != nil {
		if s.logger != nil {
			s.logger.InfoContext(ctx, "retry scheduled",
				"id", persisted.ID,
				"attempt", persisted.AttemptCount,
				"max_attempts", persisted.MaxAttempts,
				"next_retry_at", persisted.NextRetryAt)
		}
		if s.queue != nil {
			if delayErr := s.queue.Delay(ctx, persisted, *persisted.NextRetryAt); delayErr != nil && s.logger != nil {
				s.logger.WarnContext(ctx, "delay placement failed, leaving retry to dispatcher",
					"id", persisted.ID, "error", delayErr)
			}
		}
	} else if s.logger != nil {
		s.logger.WarnContext(ctx, "retry attempts exhausted",
			"id", persisted.ID, "attempts", persisted.AttemptCount)
	}

	return persisted, nil
}

// Cancel terminates a job from any non-terminal state.
func (s *JobService) Cancel(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.applyTransition(ctx, id, "cancelled", func(j model.Job, now time.Time) (model.Job, domainjob.Event, error) {
		return domainjob.Cancel(j, now)
	})
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job cancelled", "id", id)
	}
	return job, nil
}

// Delete removes a job record.
func (s *JobService) Delete(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.Validation("job id is required")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *JobService) policyFor(jobType model.JobType) *domainjob.RetryPolicy {
	if p, ok := s.retryPolicies[jobType]; ok && p != nil {
		return p
	}
	return s.defaultPolicy
}

type transitionFunc func(j model.Job, now time.Time) (model.Job, domainjob.Event, error)

func (s *JobService) applyTransition(ctx context.Context, id, transition string, apply transitionFunc) (*model.Job, error) {
	before, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s job %s: %w", transition, id, err)
	}

	now := s.time.Now()
	after, ev, err := apply(*before, now)
	if err != nil {
		s.emitTransition(before.Type, transition, metrics.ResultError, 0, err)
		return nil, mapTransitionErr(err)
	}

	updated, err := s.repo.Update(ctx, id, model.UpdateFromTransition(*before, after))
	if err != nil {
		s.emitTransition(before.Type, transition, metrics.ResultError, 0, err)
		return nil, fmt.Errorf("%s job %s: %w", transition, id, err)
	}

	s.publish(ev)
	s.emitTransition(updated.Type, transition, metrics.ResultSuccess, processingDuration(updated, now), nil)
	return updated, nil
}

func (s *JobService) publish(ev domainjob.Event) {
	if s.publisher != nil {
		s.publisher.Publish(ev)
	}
}

func (s *JobService) emitTransition(jobType model.JobType, transition, result string, duration time.Duration, err error) {
	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		JobType:    string(jobType),
		Transition: transition,
		Result:     result,
		Duration:   duration,
		Err:        err,
	})
}

// processingDuration reports wall-clock time for terminal transitions only.
func processingDuration(j *model.Job, now time.Time) time.Duration {
	if j.StartedAt == nil || !j.IsFinal() {
		return 0
	}
	return now.Sub(*j.StartedAt)
}

// mapTransitionErr translates lifecycle guard errors into the application
// error taxonomy: state conflicts are conflicts, bad inputs are validation.
func mapTransitionErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domainjob.ErrTerminalState),
		errors.Is(err, domainjob.ErrNotReady),
		errors.Is(err, domainjob.ErrNotInProgress),
		errors.Is(err, domainjob.ErrRetryExhausted),
		errors.Is(err, domainjob.ErrExternalIDAssigned):
		return apperrors.Wrap(err, apperrors.ErrCodeConflict, "job state conflict")
	default:
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid transition input")
	}
}
