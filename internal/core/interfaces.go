// Package core defines the ports between the job lifecycle services and
// their external collaborators: durable storage, the queue runtime that
// physically executes jobs, and alert delivery.
package core

import (
	"context"
	"errors"
	"time"

	"github.com/streamfab/mediaq/internal/domain/model"
)

// ErrSkipAttempt is returned by a worker handler when the popped job turns
// out not to be runnable (cancelled or finished elsewhere). The runtime
// discards the attempt without counting it as success or failure.
var ErrSkipAttempt = errors.New("job attempt skipped")

// JobRepository defines the persistence contract for job records.
// Implementations must preserve the ready-queue ordering contracts
// documented on the Find methods.
type JobRepository interface {
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	GetByExternalID(ctx context.Context, externalID string) (*model.Job, error)

	// FindPendingReady returns pending jobs whose ScheduledFor gate has
	// elapsed, ordered by priority descending then createdAt ascending.
	FindPendingReady(ctx context.Context, now time.Time, limit int) ([]*model.Job, error)

	// FindFailedReadyForRetry returns failed jobs with attempts remaining
	// whose NextRetryAt is at or before the given time, ordered by priority
	// descending then nextRetryAt ascending.
	FindFailedReadyForRetry(ctx context.Context, before time.Time, limit int) ([]*model.Job, error)

	// FindInProgressStartedBefore returns in-progress jobs whose StartedAt
	// predates the cutoff; used by the advisory timeout sweep.
	FindInProgressStartedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error)

	Update(ctx context.Context, id string, fields model.UpdateJobFields) (*model.Job, error)

	// IncrementAttempt atomically increments the attempt count and stores
	// the next retry time (nil when attempts are exhausted). The increment
	// must be a single read-modify-write at the storage layer so concurrent
	// retries cannot lose updates.
	IncrementAttempt(ctx context.Context, id string, nextRetryAt *time.Time) (*model.Job, error)

	Delete(ctx context.Context, id string) error
	UpdateStatusBulk(ctx context.Context, ids []string, status model.JobStatus) (int64, error)
}

// JobEvent is the callback payload the queue runtime delivers for job
// lifecycle notifications.
type JobEvent struct {
	JobID        string
	QueueName    string
	Timestamp    time.Time
	Error        string
	Result       []byte
	Progress     int
	ProcessingMS int64
}

// JobEventHandler consumes queue runtime callbacks. All methods must be
// safe for concurrent use; the runtime invokes them from worker goroutines.
type JobEventHandler interface {
	OnCompleted(ctx context.Context, ev JobEvent)
	OnFailed(ctx context.Context, ev JobEvent)
	OnStalled(ctx context.Context, ev JobEvent)
	OnProgress(ctx context.Context, ev JobEvent)
}

// WorkerFunc executes one job attempt. Returning an error marks the
// attempt failed; the runtime reports the outcome through JobEventHandler.
type WorkerFunc func(ctx context.Context, job *model.Job) (model.JobResult, error)

// ProgressFunc reports mid-attempt progress in percent.
type ProgressFunc func(progress int)

// MediaProcessor is the port to whatever actually performs the media work.
// How media is transcoded, resized, or converted is outside this system;
// implementations typically hand the work to an external engine.
type MediaProcessor interface {
	Process(ctx context.Context, job *model.Job, report ProgressFunc) (model.JobResult, error)
}

// WorkerRegistration binds a worker to a job type with a concurrency limit.
type WorkerRegistration struct {
	JobType     model.JobType
	Concurrency int
	Handler     WorkerFunc
}

// QueueRuntime is the external broker and worker pool that physically
// executes jobs. This core only enqueues, registers workers, and consumes
// statistics and lifecycle callbacks.
type QueueRuntime interface {
	Enqueue(ctx context.Context, job *model.Job) error

	// Delay parks a job in the queue's delayed set until the given time.
	// Enqueueing the job later removes it from the set. Delayed jobs are
	// counted in QueueStats.Delayed.
	Delay(ctx context.Context, job *model.Job, until time.Time) error

	RegisterWorker(reg WorkerRegistration) error
	SetEventHandler(handler JobEventHandler)
	GetStats(ctx context.Context, queueName string) (model.QueueStats, error)
	Pause(ctx context.Context, queueName string) error
	Resume(ctx context.Context, queueName string) error
}

// QueueStatsProvider is the read-only slice of QueueRuntime the health
// monitor depends on.
type QueueStatsProvider interface {
	GetStats(ctx context.Context, queueName string) (model.QueueStats, error)
}

// AlertSink delivers queue health alerts to operators.
type AlertSink interface {
	Emit(ctx context.Context, severity model.AlertSeverity, queueName, message string, metadata map[string]string) error
}

// AlertSinkFunc adapts a function to the AlertSink interface (useful for tests).
type AlertSinkFunc func(ctx context.Context, severity model.AlertSeverity, queueName, message string, metadata map[string]string) error

// Emit implements the AlertSink interface.
func (f AlertSinkFunc) Emit(ctx context.Context, severity model.AlertSeverity, queueName, message string, metadata map[string]string) error {
	if f == nil {
		return nil
	}
	return f(ctx, severity, queueName, message, metadata)
}
