package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamfab/mediaq/internal/domain/model"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func pendingJob(mutate ...func(*model.Job)) model.Job {
	asset := "d2f1a9a0-5c1e-4f7a-9b62-0d6a5f2b3c01"
	j := model.Job{
		ID:           "11111111-2222-3333-4444-555555555555",
		Type:         model.JobTypeVideoTranscode,
		MediaAssetID: &asset,
		Status:       model.JobStatusPending,
		Priority:     5,
		MaxAttempts:  3,
		CreatedAt:    base.Add(-time.Minute),
		UpdatedAt:    base.Add(-time.Minute),
	}
	for _, fn := range mutate {
		fn(&j)
	}
	return j
}

func TestStart_PendingJob(t *testing.T) {
	j, ev, err := Start(pendingJob(), base)
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusInProgress, j.Status)
	require.NotNil(t, j.StartedAt)
	assert.Equal(t, base, *j.StartedAt)
	assert.Equal(t, model.JobStatusPending, ev.From)
	assert.Equal(t, model.JobStatusInProgress, ev.To)
}

func TestStart_ScheduledJobNotReady(t *testing.T) {
	future := base.Add(time.Hour)
	j := pendingJob(func(j *model.Job) { j.ScheduledFor = &future })

	_, _, err := Start(j, base)
	require.ErrorIs(t, err, ErrNotReady)
}

func TestStart_ScheduledTimeElapsed(t *testing.T) {
	past := base.Add(-time.Hour)
	j := pendingJob(func(j *model.Job) { j.ScheduledFor = &past })

	started, _, err := Start(j, base)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusInProgress, started.Status)
}

func TestStart_RetryReadyKeepsOriginalStartedAt(t *testing.T) {
	firstStart := base.Add(-10 * time.Minute)
	retryAt := base.Add(-time.Second)
	msg := "encoder crashed"
	j := pendingJob(func(j *model.Job) {
		j.Status = model.JobStatusFailed
		j.StartedAt = &firstStart
		j.AttemptCount = 1
		j.NextRetryAt = &retryAt
		j.ErrorMessage = &msg
	})

	started, ev, err := Start(j, base)
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusInProgress, started.Status)
	require.NotNil(t, started.StartedAt)
	assert.Equal(t, firstStart, *started.StartedAt)
	assert.Nil(t, started.NextRetryAt)
	// The previous attempt's error context survives re-dispatch.
	require.NotNil(t, started.ErrorMessage)
	assert.Equal(t, model.JobStatusFailed, ev.From)
}

func TestStart_RetryGateInFuture(t *testing.T) {
	retryAt := base.Add(time.Minute)
	j := pendingJob(func(j *model.Job) {
		j.Status = model.JobStatusFailed
		j.AttemptCount = 1
		j.NextRetryAt = &retryAt
	})

	_, _, err := Start(j, base)
	require.ErrorIs(t, err, ErrTerminalState)
}

func TestStart_TerminalStatesAbsorb(t *testing.T) {
	for _, status := range []model.JobStatus{
		model.JobStatusCompleted,
		model.JobStatusCancelled,
	} {
		t.Run(string(status), func(t *testing.T) {
			j := pendingJob(func(j *model.Job) { j.Status = status })
			_, _, err := Start(j, base)
			require.ErrorIs(t, err, ErrTerminalState)
		})
	}
}

func TestSetProgress(t *testing.T) {
	j := pendingJob(func(j *model.Job) { j.Status = model.JobStatusInProgress })

	j, ev, err := SetProgress(j, 40, base)
	require.NoError(t, err)
	assert.Equal(t, 40, j.Progress)
	assert.Equal(t, 40, ev.Progress)

	_, _, err = SetProgress(j, 101, base)
	require.Error(t, err)

	_, _, err = SetProgress(j, -1, base)
	require.Error(t, err)
}

func TestSetProgress_RequiresInProgress(t *testing.T) {
	_, _, err := SetProgress(pendingJob(), 10, base)
	require.ErrorIs(t, err, ErrNotInProgress)
}

func TestComplete(t *testing.T) {
	j := pendingJob(func(j *model.Job) {
		j.Status = model.JobStatusInProgress
		j.Progress = 80
	})

	j, ev, err := Complete(j, model.JobResult{OutputKeys: []string{"renditions/a.mp4"}}, base)
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusCompleted, j.Status)
	assert.Equal(t, 100, j.Progress)
	require.NotNil(t, j.CompletedAt)
	assert.Equal(t, base, *j.CompletedAt)

	decoded, err := model.DecodeResult(j.Result)
	require.NoError(t, err)
	assert.Equal(t, []string{"renditions/a.mp4"}, decoded.OutputKeys)
	assert.Equal(t, 100, ev.Progress)
}

func TestComplete_RequiresInProgress(t *testing.T) {
	_, _, err := Complete(pendingJob(), model.JobResult{}, base)
	require.ErrorIs(t, err, ErrNotInProgress)
}

func TestFail(t *testing.T) {
	j := pendingJob(func(j *model.Job) {
		j.Status = model.JobStatusInProgress
		j.Progress = 55
	})

	j, ev, err := Fail(j, "encoder crashed", "E_ENCODE", base)
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusFailed, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Equal(t, "encoder crashed", *j.ErrorMessage)
	require.NotNil(t, j.ErrorCode)
	assert.Equal(t, "E_ENCODE", *j.ErrorCode)
	// Progress keeps the last worker-reported value.
	assert.Equal(t, 55, j.Progress)
	assert.Equal(t, 55, ev.Progress)
	assert.Equal(t, "encoder crashed", ev.Error)
}

func TestFail_RequiresMessage(t *testing.T) {
	j := pendingJob(func(j *model.Job) { j.Status = model.JobStatusInProgress })
	_, _, err := Fail(j, "", "", base)
	require.Error(t, err)
}

func TestCancel_AnyNonTerminalState(t *testing.T) {
	for _, status := range []model.JobStatus{
		model.JobStatusPending,
		model.JobStatusInProgress,
	} {
		t.Run(string(status), func(t *testing.T) {
			j := pendingJob(func(j *model.Job) { j.Status = status })
			cancelled, ev, err := Cancel(j, base)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusCancelled, cancelled.Status)
			require.NotNil(t, cancelled.CompletedAt)
			assert.Equal(t, status, ev.From)
		})
	}
}

func TestCancel_TerminalIsRejected(t *testing.T) {
	j := pendingJob(func(j *model.Job) { j.Status = model.JobStatusCompleted })
	_, _, err := Cancel(j, base)
	require.ErrorIs(t, err, ErrTerminalState)
}

func TestScheduleRetry_SetsGateWhileAttemptsRemain(t *testing.T) {
	policy, err := NewRetryPolicy(RetryPolicyConfig{
		InitialDelay: 60 * time.Second,
		Multiplier:   2.0,
		Rand:         func() float64 { return 0 },
	})
	require.NoError(t, err)

	j := pendingJob(func(j *model.Job) { j.Status = model.JobStatusFailed })

	j, ev, err := ScheduleRetry(j, policy, base)
	require.NoError(t, err)

	assert.Equal(t, 1, j.AttemptCount)
	require.NotNil(t, j.NextRetryAt)
	assert.Equal(t, base.Add(60*time.Second), *j.NextRetryAt)
	assert.Equal(t, 1, ev.Attempt)
	require.NotNil(t, ev.RetryNext)

	// Second failure doubles the delay.
	j, _, err = ScheduleRetry(j, policy, base)
	require.NoError(t, err)
	assert.Equal(t, 2, j.AttemptCount)
	require.NotNil(t, j.NextRetryAt)
	assert.Equal(t, base.Add(120*time.Second), *j.NextRetryAt)
}

func TestScheduleRetry_LastAttemptLeavesNoGate(t *testing.T) {
	j := pendingJob(func(j *model.Job) {
		j.Status = model.JobStatusFailed
		j.AttemptCount = 2
	})

	j, ev, err := ScheduleRetry(j, DefaultRetryPolicy(), base)
	require.NoError(t, err)
	assert.Equal(t, 3, j.AttemptCount)
	assert.Nil(t, j.NextRetryAt)
	assert.Nil(t, ev.RetryNext)
	assert.False(t, j.CanRetry())
}

func TestScheduleRetry_Exhausted(t *testing.T) {
	j := pendingJob(func(j *model.Job) {
		j.Status = model.JobStatusFailed
		j.AttemptCount = 3
	})

	_, _, err := ScheduleRetry(j, DefaultRetryPolicy(), base)
	require.ErrorIs(t, err, ErrRetryExhausted)
}

func TestScheduleRetry_RequiresFailedStatus(t *testing.T) {
	_, _, err := ScheduleRetry(pendingJob(), DefaultRetryPolicy(), base)
	require.Error(t, err)
}

func TestAttachExternalJob(t *testing.T) {
	j := pendingJob(func(j *model.Job) { j.Status = model.JobStatusInProgress })

	j, err := AttachExternalJob(j, "ext-123", base)
	require.NoError(t, err)
	require.NotNil(t, j.ExternalJobID)
	assert.Equal(t, "ext-123", *j.ExternalJobID)

	// Same id again is idempotent.
	j, err = AttachExternalJob(j, "ext-123", base)
	require.NoError(t, err)
	assert.Equal(t, "ext-123", *j.ExternalJobID)

	_, err = AttachExternalJob(j, "ext-456", base)
	require.ErrorIs(t, err, ErrExternalIDAssigned)
}

func TestAttachExternalJob_RequiresID(t *testing.T) {
	_, err := AttachExternalJob(pendingJob(), "", base)
	require.Error(t, err)
}
