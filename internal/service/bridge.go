package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/streamfab/mediaq/internal/core"
	"github.com/streamfab/mediaq/internal/domain/model"
	apperrors "github.com/streamfab/mediaq/internal/errors"
)

// QueueEventBridge persists queue runtime outcomes: completion, failure and
// progress callbacks flow back into the lifecycle through JobService, which
// owns retry scheduling. Stalls are not persisted here; the runtime requeues
// the attempt and the job record is still in progress.
type QueueEventBridge struct {
	jobs   *JobService
	logger *slog.Logger
}

// NewQueueEventBridge constructs a bridge over the given JobService.
func NewQueueEventBridge(jobs *JobService, logger *slog.Logger) (*QueueEventBridge, error) {
	if jobs == nil {
		return nil, errors.New("JobService is required")
	}
	if logger != nil {
		logger = logger.With("component", "queue_event_bridge")
	}
	return &QueueEventBridge{jobs: jobs, logger: logger}, nil
}

// OnCompleted marks the job completed with the worker's result.
func (b *QueueEventBridge) OnCompleted(ctx context.Context, ev core.JobEvent) {
	result, err := model.DecodeResult(ev.Result)
	if err != nil {
		b.logError(ctx, "decode result", ev, err)
		result = model.JobResult{}
	}
	if _, err := b.jobs.Complete(ctx, ev.JobID, result); err != nil {
		b.logOutcomeError(ctx, "complete", ev, err)
	}
}

// OnFailed marks the job failed; JobService schedules the retry when
// attempts remain.
func (b *QueueEventBridge) OnFailed(ctx context.Context, ev core.JobEvent) {
	msg := ev.Error
	if msg == "" {
		msg = "worker reported failure without a message"
	}
	if _, err := b.jobs.Fail(ctx, ev.JobID, msg, ""); err != nil {
		b.logOutcomeError(ctx, "fail", ev, err)
	}
}

// OnStalled records nothing; the runtime already requeued the attempt.
func (b *QueueEventBridge) OnStalled(ctx context.Context, ev core.JobEvent) {
	if b.logger != nil {
		b.logger.WarnContext(ctx, "job stalled", "job_id", ev.JobID, "queue", ev.QueueName)
	}
}

// OnProgress persists worker-reported progress.
func (b *QueueEventBridge) OnProgress(ctx context.Context, ev core.JobEvent) {
	if _, err := b.jobs.SetProgress(ctx, ev.JobID, ev.Progress); err != nil {
		b.logOutcomeError(ctx, "set progress", ev, err)
	}
}

// logOutcomeError downgrades state conflicts: a cancel racing a worker
// outcome is expected, not an error.
func (b *QueueEventBridge) logOutcomeError(ctx context.Context, op string, ev core.JobEvent, err error) {
	if b.logger == nil {
		return
	}
	if apperrors.IsConflict(err) {
		b.logger.DebugContext(ctx, "outcome lost a state race",
			"op", op, "job_id", ev.JobID, "error", err)
		return
	}
	b.logError(ctx, op, ev, err)
}

func (b *QueueEventBridge) logError(ctx context.Context, op string, ev core.JobEvent, err error) {
	if b.logger != nil {
		b.logger.ErrorContext(ctx, "queue event handling failed",
			"op", op, "job_id", ev.JobID, "queue", ev.QueueName, "error", err)
	}
}

// EventFanout delivers each queue runtime event to every handler in order.
type EventFanout []core.JobEventHandler

// OnCompleted implements core.JobEventHandler.
func (f EventFanout) OnCompleted(ctx context.Context, ev core.JobEvent) {
	for _, h := range f {
		h.OnCompleted(ctx, ev)
	}
}

// OnFailed implements core.JobEventHandler.
func (f EventFanout) OnFailed(ctx context.Context, ev core.JobEvent) {
	for _, h := range f {
		h.OnFailed(ctx, ev)
	}
}

// OnStalled implements core.JobEventHandler.
func (f EventFanout) OnStalled(ctx context.Context, ev core.JobEvent) {
	for _, h := range f {
		h.OnStalled(ctx, ev)
	}
}

// OnProgress implements core.JobEventHandler.
func (f EventFanout) OnProgress(ctx context.Context, ev core.JobEvent) {
	for _, h := range f {
		h.OnProgress(ctx, ev)
	}
}
