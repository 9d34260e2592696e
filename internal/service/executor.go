package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/streamfab/mediaq/config"
	"github.com/streamfab/mediaq/internal/core"
	"github.com/streamfab/mediaq/internal/domain/model"
	apperrors "github.com/streamfab/mediaq/internal/errors"
)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// Jobs drives lifecycle transitions around each attempt. Required.
	Jobs *JobService
	// Runtime receives one worker registration per job type. Required.
	Runtime core.QueueRuntime
	// Processor runs the actual media work. Required.
	Processor core.MediaProcessor
	// Settings supplies per-queue concurrency. Defaults to
	// config.DefaultQueueSettings.
	Settings map[model.JobType]config.QueueSettings
	// Progress, when set, surfaces mid-attempt progress to the queue
	// runtime so event handlers can persist it.
	Progress func(ctx context.Context, job *model.Job, progress int)
	Logger   *slog.Logger
}

// Executor binds the media processor to the queue runtime. It registers one
// worker per job type and wraps each attempt with the lifecycle transitions
// the processor itself should not know about.
type Executor struct {
	jobs      *JobService
	runtime   core.QueueRuntime
	processor core.MediaProcessor
	settings  map[model.JobType]config.QueueSettings
	progress  func(ctx context.Context, job *model.Job, progress int)
	logger    *slog.Logger
}

// NewExecutor validates options and builds an Executor.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Jobs == nil {
		return nil, errors.New("JobService is required")
	}
	if opts.Runtime == nil {
		return nil, errors.New("queue runtime is required")
	}
	if opts.Processor == nil {
		return nil, errors.New("media processor is required")
	}
	settings := opts.Settings
	if settings == nil {
		settings = config.DefaultQueueSettings()
	}
	logger := opts.Logger
	if logger != nil {
		logger = logger.With("component", "executor")
	}
	return &Executor{
		jobs:      opts.Jobs,
		runtime:   opts.Runtime,
		processor: opts.Processor,
		settings:  settings,
		progress:  opts.Progress,
		logger:    logger,
	}, nil
}

// RegisterAll registers a worker for every known job type.
func (e *Executor) RegisterAll() error {
	for _, jobType := range model.AllJobTypes() {
		concurrency := e.settings[jobType].Concurrency
		reg := core.WorkerRegistration{
			JobType:     jobType,
			Concurrency: concurrency,
			Handler:     e.handlerFor(jobType),
		}
		if err := e.runtime.RegisterWorker(reg); err != nil {
			return fmt.Errorf("register %s worker: %w", jobType, err)
		}
	}
	return nil
}

func (e *Executor) handlerFor(jobType model.JobType) core.WorkerFunc {
	return func(ctx context.Context, job *model.Job) (model.JobResult, error) {
		return e.runAttempt(ctx, jobType, job)
	}
}

func (e *Executor) runAttempt(ctx context.Context, jobType model.JobType, job *model.Job) (model.JobResult, error) {
	if job.Type != jobType {
		return model.JobResult{}, fmt.Errorf("job %s has type %s, expected %s", job.ID, job.Type, jobType)
	}

	current, err := e.claim(ctx, job)
	if err != nil {
		return model.JobResult{}, err
	}

	if err := model.ValidateConfig(current.Type, current.Config); err != nil {
		return model.JobResult{}, fmt.Errorf("invalid %s config: %w", current.Type, err)
	}

	report := func(progress int) {
		if e.progress != nil {
			e.progress(ctx, current, progress)
		}
	}
	return e.processor.Process(ctx, current, report)
}

// claim transitions the job into execution. A job popped while already in
// progress is a stall reclaim and runs as-is; any other state conflict means
// the job was cancelled or finished between queueing and pickup, and the
// attempt is skipped without counting as a failure.
func (e *Executor) claim(ctx context.Context, job *model.Job) (*model.Job, error) {
	if job.Status == model.JobStatusInProgress {
		if e.logger != nil {
			e.logger.InfoContext(ctx, "resuming stalled job", "job_id", job.ID, "job_type", job.Type)
		}
		return job, nil
	}

	started, err := e.jobs.Start(ctx, job.ID)
	if err != nil {
		if apperrors.IsConflict(err) {
			if e.logger != nil {
				e.logger.DebugContext(ctx, "job no longer runnable, skipping attempt",
					"job_id", job.ID, "error", err)
			}
			return nil, core.ErrSkipAttempt
		}
		return nil, fmt.Errorf("start job %s: %w", job.ID, err)
	}
	return started, nil
}
