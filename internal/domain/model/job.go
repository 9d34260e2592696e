// Package model defines the core data types shared across the mediaq job system.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType identifies the kind of media work a job performs. Each type maps
// one-to-one onto a processing queue of the same name.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the persisted lifecycle status of a job.
type JobStatus string

const (
	// JobTypeVideoTranscode represents a video transcoding job.
	JobTypeVideoTranscode JobType = "video_transcode"
	// JobTypeImageProcess represents an image processing job.
	JobTypeImageProcess JobType = "image_process"
	// JobTypeDocumentConvert represents a document conversion job.
	JobTypeDocumentConvert JobType = "document_convert"
	// JobTypeAudioProcess represents an audio processing job.
	JobTypeAudioProcess JobType = "audio_process"
	// JobTypeThumbnailGenerate represents a thumbnail generation job.
	JobTypeThumbnailGenerate JobType = "thumbnail_generate"

	// JobStatusPending indicates a job is waiting to be dispatched.
	JobStatusPending JobStatus = "pending"
	// JobStatusInProgress indicates a worker is currently executing the job.
	JobStatusInProgress JobStatus = "in_progress"
	// JobStatusCompleted indicates the job finished successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the most recent attempt failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled before completion.
	JobStatusCancelled JobStatus = "cancelled"
)

const (
	// MinPriority is the lowest allowed job priority.
	MinPriority = 1
	// MaxPriority is the highest allowed job priority.
	MaxPriority = 10
	// DefaultPriority is applied when a producer does not specify one.
	DefaultPriority = 5
	// DefaultMaxAttempts is applied when a producer does not specify one.
	DefaultMaxAttempts = 3
	// DefaultProcessingTimeout is the advisory execution timeout for a
	// single attempt. Detection is advisory only; see Job.HasExceededTimeout.
	DefaultProcessingTimeout = time.Hour
)

// AllJobTypes returns every valid job type, one per processing queue.
func AllJobTypes() []JobType {
	return []JobType{
		JobTypeVideoTranscode,
		JobTypeImageProcess,
		JobTypeDocumentConvert,
		JobTypeAudioProcess,
		JobTypeThumbnailGenerate,
	}
}

// UnmarshalText implements encoding.TextUnmarshaler for JobType to allow env parsing.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jt := JobType(v)
	if jt.Valid() {
		*t = jt
		return nil
	}
	return fmt.Errorf("invalid JobType: %q", v)
}

// Valid returns true if the JobType is one of the known media job types.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeVideoTranscode, JobTypeImageProcess, JobTypeDocumentConvert,
		JobTypeAudioProcess, JobTypeThumbnailGenerate:
		return true
	default:
		return false
	}
}

// QueueName returns the processing queue a job of this type is dispatched to.
func (t JobType) QueueName() string {
	return string(t)
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusInProgress, JobStatusCompleted,
		JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// ErrNoJobsAvailable is returned when no jobs are ready for dispatch.
var ErrNoJobsAvailable = errors.New("no jobs available")

// Job represents one durable unit of deferred media work and its lifecycle state.
//
// Exactly one of MediaAssetID and DerivedAssetID is set: a job belongs to a
// single owning asset. NextRetryAt is only meaningful while Status is failed
// and attempts remain.
type Job struct {
	ID             string          `json:"id"                         db:"id"`
	MediaAssetID   *string         `json:"media_asset_id,omitempty"   db:"media_asset_id"`
	DerivedAssetID *string         `json:"derived_asset_id,omitempty" db:"derived_asset_id"`
	Type           JobType         `json:"type"                       db:"type"`
	ExternalJobID  *string         `json:"external_job_id,omitempty"  db:"external_job_id"`
	Config         json.RawMessage `json:"config"                     db:"config"`
	Status         JobStatus       `json:"status"                     db:"status"`
	Progress       int             `json:"progress"                   db:"progress"`
	StartedAt      *time.Time      `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"     db:"completed_at"`
	Result         json.RawMessage `json:"result,omitempty"           db:"result"`
	ErrorMessage   *string         `json:"error_message,omitempty"    db:"error_message"`
	ErrorCode      *string         `json:"error_code,omitempty"       db:"error_code"`
	AttemptCount   int             `json:"attempt_count"              db:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"               db:"max_attempts"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"    db:"next_retry_at"`
	Priority       int             `json:"priority"                   db:"priority"`
	ScheduledFor   *time.Time      `json:"scheduled_for,omitempty"    db:"scheduled_for"`
	Metadata       json.RawMessage `json:"metadata,omitempty"         db:"metadata"`
	CreatedAt      time.Time       `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                 db:"updated_at"`
}

// Validate checks the record invariants that must hold for every persisted job.
func (j *Job) Validate() error {
	if !j.Type.Valid() {
		return fmt.Errorf("invalid job type: %q", j.Type)
	}
	if !j.Status.Valid() {
		return fmt.Errorf("invalid job status: %q", j.Status)
	}
	if j.Progress < 0 || j.Progress > 100 {
		return fmt.Errorf("progress must be between 0 and 100, got %d", j.Progress)
	}
	if j.Priority < MinPriority || j.Priority > MaxPriority {
		return fmt.Errorf("priority must be between %d and %d, got %d", MinPriority, MaxPriority, j.Priority)
	}
	if j.AttemptCount < 0 {
		return fmt.Errorf("attempt count must be >= 0, got %d", j.AttemptCount)
	}
	if j.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", j.MaxAttempts)
	}
	if j.AttemptCount > j.MaxAttempts {
		return fmt.Errorf("attempt count %d exceeds max attempts %d", j.AttemptCount, j.MaxAttempts)
	}
	return j.validateOwner()
}

func (j *Job) validateOwner() error {
	switch {
	case j.MediaAssetID != nil && j.DerivedAssetID != nil:
		return errors.New("job cannot reference both a media asset and a derived asset")
	case j.MediaAssetID == nil && j.DerivedAssetID == nil:
		return errors.New("job must reference a media asset or a derived asset")
	case j.MediaAssetID != nil && *j.MediaAssetID == "":
		return errors.New("media asset id cannot be empty")
	case j.DerivedAssetID != nil && *j.DerivedAssetID == "":
		return errors.New("derived asset id cannot be empty")
	default:
		return nil
	}
}

// IsFinal reports whether the job is in a terminal lifecycle state.
func (j *Job) IsFinal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CanRetry reports whether a failed job has attempts remaining.
func (j *Job) CanRetry() bool {
	return j.Status == JobStatusFailed && j.AttemptCount < j.MaxAttempts
}

// IsReadyForRetry reports whether a failed job can be re-dispatched now.
func (j *Job) IsReadyForRetry(now time.Time) bool {
	return j.CanRetry() && j.NextRetryAt != nil && !j.NextRetryAt.After(now)
}

// IsScheduled reports whether the job is gated behind a future ScheduledFor time.
func (j *Job) IsScheduled(now time.Time) bool {
	return j.ScheduledFor != nil && j.ScheduledFor.After(now)
}

// IsReadyToExecute reports whether a pending job may be dispatched now.
func (j *Job) IsReadyToExecute(now time.Time) bool {
	return j.Status == JobStatusPending && !j.IsScheduled(now)
}

// HasExceededTimeout reports whether an in-progress job has been running
// longer than the given timeout. Detection is advisory: the lifecycle does
// not auto-fail on timeout, a supervising process must observe and act.
func (j *Job) HasExceededTimeout(now time.Time, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultProcessingTimeout
	}
	return j.Status == JobStatusInProgress &&
		j.StartedAt != nil &&
		now.Sub(*j.StartedAt) > timeout
}

// EffectiveProgress returns the progress to display for the job: completed
// jobs always report 100, failed and cancelled jobs preserve the last value
// a worker recorded before terminating.
func (j *Job) EffectiveProgress() int {
	if j.Status == JobStatusCompleted {
		return 100
	}
	return j.Progress
}

// EstimatedCompletion extrapolates a completion time from elapsed runtime
// and reported progress. It returns nil when the job is not in progress,
// has not started, or has made no measurable progress.
func (j *Job) EstimatedCompletion(now time.Time) *time.Time {
	if j.Status != JobStatusInProgress || j.StartedAt == nil || j.Progress <= 0 {
		return nil
	}
	elapsed := now.Sub(*j.StartedAt)
	if elapsed <= 0 {
		return nil
	}
	estimatedTotal := time.Duration(float64(elapsed) / (float64(j.Progress) / 100))
	eta := now.Add(estimatedTotal - elapsed)
	return &eta
}

// PriorityBand is a human-readable grouping of the 1-10 priority scale,
// used for display and alerting only.
type PriorityBand string

const (
	PriorityBandCritical PriorityBand = "critical"
	PriorityBandHigh     PriorityBand = "high"
	PriorityBandNormal   PriorityBand = "normal"
	PriorityBandLow      PriorityBand = "low"
	PriorityBandVeryLow  PriorityBand = "very_low"
)

// BandForPriority maps a numeric priority onto its display band.
func BandForPriority(priority int) PriorityBand {
	switch {
	case priority >= 9:
		return PriorityBandCritical
	case priority >= 7:
		return PriorityBandHigh
	case priority >= 4:
		return PriorityBandNormal
	case priority >= 2:
		return PriorityBandLow
	default:
		return PriorityBandVeryLow
	}
}

// PriorityBand returns the display band for the job's priority.
func (j *Job) PriorityBand() PriorityBand {
	return BandForPriority(j.Priority)
}

// CreateJobRequest represents a producer's request to enqueue a new job.
type CreateJobRequest struct {
	Type           JobType         `json:"type"`
	MediaAssetID   *string         `json:"media_asset_id,omitempty"`
	DerivedAssetID *string         `json:"derived_asset_id,omitempty"`
	Config         json.RawMessage `json:"config"`
	Priority       int             `json:"priority,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	ScheduledFor   *time.Time      `json:"scheduled_for,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Normalize applies creation defaults in place: priority 5, max attempts 3.
func (r *CreateJobRequest) Normalize() {
	if r.Priority == 0 {
		r.Priority = DefaultPriority
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
}

// Validate validates the CreateJobRequest fields. Invalid requests fail fast
// and are never persisted.
func (r *CreateJobRequest) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("invalid job type: %q", r.Type)
	}
	if len(r.Config) == 0 {
		return errors.New("config is required")
	}
	if r.Priority < MinPriority || r.Priority > MaxPriority {
		return fmt.Errorf("priority must be between %d and %d, got %d", MinPriority, MaxPriority, r.Priority)
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", r.MaxAttempts)
	}
	owner := Job{MediaAssetID: r.MediaAssetID, DerivedAssetID: r.DerivedAssetID}
	if err := owner.validateOwner(); err != nil {
		return err
	}
	return ValidateConfig(r.Type, r.Config)
}

// UpdateJobFields is a partial update applied to a persisted job. Nil fields
// are left untouched; the Clear flags null out columns that transitions reset.
type UpdateJobFields struct {
	Status        *JobStatus
	Progress      *int
	ExternalJobID *string
	Result        json.RawMessage
	ErrorMessage  *string
	ErrorCode     *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	NextRetryAt   *time.Time

	ClearNextRetryAt bool
	ClearCompletedAt bool
	ClearErrors      bool
}

// UpdateFromTransition derives the partial update that persists the outcome
// of a pure state transition, given the job value before and after it.
func UpdateFromTransition(before, after Job) UpdateJobFields {
	fields := UpdateJobFields{}

	if before.Status != after.Status {
		status := after.Status
		fields.Status = &status
	}
	if before.Progress != after.Progress {
		progress := after.Progress
		fields.Progress = &progress
	}
	if after.ExternalJobID != nil && before.ExternalJobID == nil {
		fields.ExternalJobID = after.ExternalJobID
	}
	if len(after.Result) > 0 && len(before.Result) == 0 {
		fields.Result = after.Result
	}
	if after.ErrorMessage != nil {
		fields.ErrorMessage = after.ErrorMessage
		fields.ErrorCode = after.ErrorCode
	} else if before.ErrorMessage != nil {
		fields.ClearErrors = true
	}
	if after.StartedAt != nil && before.StartedAt == nil {
		fields.StartedAt = after.StartedAt
	}
	if after.CompletedAt != nil {
		fields.CompletedAt = after.CompletedAt
	} else if before.CompletedAt != nil {
		fields.ClearCompletedAt = true
	}
	if after.NextRetryAt != nil {
		fields.NextRetryAt = after.NextRetryAt
	} else if before.NextRetryAt != nil {
		fields.ClearNextRetryAt = true
	}

	return fields
}
