package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/streamfab/mediaq/internal/domain/model"
)

// Transition guard errors. Callers translate these into validation errors
// at the API boundary; within workers they signal a lost race (e.g. a
// cancel landing between reserve and start).
var (
	// ErrTerminalState is returned when a transition targets a job that
	// already reached a terminal state.
	ErrTerminalState = errors.New("job is in a terminal state")
	// ErrNotReady is returned when starting a job that is not ready to execute.
	ErrNotReady = errors.New("job is not ready to execute")
	// ErrNotInProgress is returned for transitions requiring an in-progress job.
	ErrNotInProgress = errors.New("job is not in progress")
	// ErrRetryExhausted is returned when scheduling a retry for a job with no
	// attempts remaining.
	ErrRetryExhausted = errors.New("job has exhausted its retry attempts")
	// ErrExternalIDAssigned is returned when re-assigning an external job id.
	ErrExternalIDAssigned = errors.New("external job id is already assigned")
)

// Event describes one applied lifecycle transition. Transitions return the
// event alongside the new record; the service layer publishes it, keeping
// the entity decoupled from any delivery mechanism.
type Event struct {
	JobID     string
	JobType   model.JobType
	From      model.JobStatus
	To        model.JobStatus
	Progress  int
	Error     string
	At        time.Time
	Attempt   int
	RetryNext *time.Time
}

// Start moves a job into execution. A job may start when it is pending and
// not gated behind ScheduledFor, or when it is failed and ready for retry;
// the failed status never regresses to pending, re-dispatch goes straight
// back into execution. StartedAt is set on first entry only, so a retried
// job keeps its original start time for wall-clock accounting.
func Start(j model.Job, now time.Time) (model.Job, Event, error) {
	switch {
	case j.IsReadyToExecute(now):
	case j.IsReadyForRetry(now):
	case j.IsFinal():
		return j, Event{}, fmt.Errorf("start job %s: %w", j.ID, ErrTerminalState)
	default:
		return j, Event{}, fmt.Errorf("start job %s: %w", j.ID, ErrNotReady)
	}

	ev := Event{JobID: j.ID, JobType: j.Type, From: j.Status, To: model.JobStatusInProgress, At: now}
	j.Status = model.JobStatusInProgress
	if j.StartedAt == nil {
		started := now
		j.StartedAt = &started
	}
	// The retry gate is consumed on dispatch; the error context of the
	// previous attempt is preserved for operators.
	j.NextRetryAt = nil
	j.CompletedAt = nil
	j.UpdatedAt = now
	return j, ev, nil
}

// SetProgress records worker-reported progress on an in-progress job.
func SetProgress(j model.Job, progress int, now time.Time) (model.Job, Event, error) {
	if j.Status != model.JobStatusInProgress {
		return j, Event{}, fmt.Errorf("set progress on job %s: %w", j.ID, ErrNotInProgress)
	}
	if progress < 0 || progress > 100 {
		return j, Event{}, fmt.Errorf("set progress on job %s: progress must be between 0 and 100, got %d", j.ID, progress)
	}

	j.Progress = progress
	j.UpdatedAt = now
	ev := Event{JobID: j.ID, JobType: j.Type, From: j.Status, To: j.Status, Progress: progress, At: now}
	return j, ev, nil
}

// AttachExternalJob records the remote job id once a worker has started a
// job in an external system. The correlation id is assigned exactly once.
func AttachExternalJob(j model.Job, externalID string, now time.Time) (model.Job, error) {
	if externalID == "" {
		return j, fmt.Errorf("attach external job to %s: external id is required", j.ID)
	}
	if j.ExternalJobID != nil && *j.ExternalJobID != externalID {
		return j, fmt.Errorf("attach external job to %s: %w", j.ID, ErrExternalIDAssigned)
	}
	j.ExternalJobID = &externalID
	j.UpdatedAt = now
	return j, nil
}

// Complete finishes an in-progress job successfully: progress is forced to
// 100, the result payload is stored, and the job becomes terminal.
func Complete(j model.Job, result model.JobResult, now time.Time) (model.Job, Event, error) {
	if j.Status != model.JobStatusInProgress {
		return j, Event{}, fmt.Errorf("complete job %s: %w", j.ID, ErrNotInProgress)
	}

	raw, err := model.EncodeResult(result)
	if err != nil {
		return j, Event{}, fmt.Errorf("complete job %s: %w", j.ID, err)
	}

	ev := Event{JobID: j.ID, JobType: j.Type, From: j.Status, To: model.JobStatusCompleted, Progress: 100, At: now}
	completed := now
	j.Status = model.JobStatusCompleted
	j.Progress = 100
	j.Result = raw
	j.CompletedAt = &completed
	j.ErrorMessage = nil
	j.ErrorCode = nil
	j.NextRetryAt = nil
	j.UpdatedAt = now
	return j, ev, nil
}

// Fail records a worker-reported failure. Progress is left at the last
// value the worker recorded. Whether the failure is recoverable is decided
// by ScheduleRetry, not here.
func Fail(j model.Job, errMsg, errCode string, now time.Time) (model.Job, Event, error) {
	if j.Status != model.JobStatusInProgress {
		return j, Event{}, fmt.Errorf("fail job %s: %w", j.ID, ErrNotInProgress)
	}
	if errMsg == "" {
		return j, Event{}, fmt.Errorf("fail job %s: error message is required", j.ID)
	}

	ev := Event{JobID: j.ID, JobType: j.Type, From: j.Status, To: model.JobStatusFailed, Progress: j.Progress, Error: errMsg, At: now}
	completed := now
	j.Status = model.JobStatusFailed
	j.ErrorMessage = &errMsg
	if errCode != "" {
		j.ErrorCode = &errCode
	}
	j.CompletedAt = &completed
	j.UpdatedAt = now
	return j, ev, nil
}

// Cancel terminates a job from any non-terminal state. Cancellation is
// cooperative: it does not interrupt a running external operation.
func Cancel(j model.Job, now time.Time) (model.Job, Event, error) {
	if j.IsFinal() {
		return j, Event{}, fmt.Errorf("cancel job %s: %w", j.ID, ErrTerminalState)
	}

	ev := Event{JobID: j.ID, JobType: j.Type, From: j.Status, To: model.JobStatusCancelled, At: now}
	completed := now
	j.Status = model.JobStatusCancelled
	j.CompletedAt = &completed
	j.NextRetryAt = nil
	j.UpdatedAt = now
	return j, ev, nil
}

// ScheduleRetry records a failed attempt: the attempt count is incremented
// and, while attempts remain, a fresh NextRetryAt is computed from the
// policy. Status stays failed; retry readiness is derived, never a status.
// A retried job whose attempts are exhausted keeps NextRetryAt unset and is
// terminal.
func ScheduleRetry(j model.Job, policy *RetryPolicy, now time.Time) (model.Job, Event, error) {
	if j.Status != model.JobStatusFailed {
		return j, Event{}, fmt.Errorf("schedule retry for job %s: job is not failed", j.ID)
	}
	if j.AttemptCount >= j.MaxAttempts {
		return j, Event{}, fmt.Errorf("schedule retry for job %s: %w", j.ID, ErrRetryExhausted)
	}

	decision := policy.Next(j.AttemptCount, now)
	j.AttemptCount++
	j.UpdatedAt = now

	ev := Event{
		JobID:   j.ID,
		JobType: j.Type,
		From:    model.JobStatusFailed,
		To:      model.JobStatusFailed,
		At:      now,
		Attempt: j.AttemptCount,
	}

	if j.AttemptCount < j.MaxAttempts {
		next := decision.NextRetryAt
		j.NextRetryAt = &next
		ev.RetryNext = &next
	} else {
		j.NextRetryAt = nil
	}

	return j, ev, nil
}
