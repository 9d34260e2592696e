package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/streamfab/mediaq/internal/errors"

	"github.com/streamfab/mediaq/internal/data/pgxutil"
	"github.com/streamfab/mediaq/internal/domain/model"
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides PostgreSQL-backed persistence for job records.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  media_asset_id,
  derived_asset_id,
  type,
  external_job_id,
  config,
  status,
  progress,
  started_at,
  completed_at,
  result,
  error_message,
  error_code,
  attempt_count,
  max_attempts,
  next_retry_at,
  priority,
  scheduled_for,
  metadata,
  created_at,
  updated_at
`

// Create validates the request, inserts a pending job, and notifies the
// per-queue channel so a dispatcher can pick it up without polling lag.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid create job request")
	}

	metadata := req.Metadata
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}

	now := r.timeProvider.Now().UTC()
	id := uuid.NewString()

	var job *model.Job
	txErr := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx, `
				INSERT INTO jobs (
					id, media_asset_id, derived_asset_id, type, config, status,
					progress, attempt_count, max_attempts, priority, scheduled_for,
					metadata, created_at, updated_at
				)
				VALUES ($1,$2,$3,$4,$5,'pending',0,0,$6,$7,$8,$9,$10,$10)
				RETURNING `+jobColumns,
				id,
				req.MediaAssetID,
				req.DerivedAssetID,
				req.Type,
				[]byte(req.Config),
				req.MaxAttempts,
				req.Priority,
				nullableTime(req.ScheduledFor),
				metadata,
				now,
			)

			var scanErr error
			job, scanErr = scanJob(row)
			if scanErr != nil {
				return fmt.Errorf("insert job: %w", scanErr)
			}

			channel := "job_created_" + req.Type.QueueName()
			if _, notifyErr := tx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, job.ID); notifyErr != nil {
				return fmt.Errorf("send job notification: %w", notifyErr)
			}
			return nil
		},
	})
	if txErr != nil {
		return nil, apperrors.MapDBError(txErr)
	}

	return job, nil
}

// GetByID fetches a job by its identifier.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// GetByExternalID fetches a job by the identifier assigned by the external
// processing provider.
func (r *JobRepo) GetByExternalID(ctx context.Context, externalID string) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE external_job_id = $1`, externalID)
	job, err := scanJob(row)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// FindPendingReady returns pending jobs whose schedule gate has elapsed,
// highest priority first, oldest first within a priority.
func (r *JobRepo) FindPendingReady(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	return r.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'pending'
		  AND (scheduled_for IS NULL OR scheduled_for <= $1)
		ORDER BY priority DESC, created_at ASC
		LIMIT $2`, now.UTC(), clampLimit(limit))
}

// FindFailedReadyForRetry returns failed jobs with attempts remaining whose
// retry time has arrived, highest priority first, earliest retry time first.
func (r *JobRepo) FindFailedReadyForRetry(ctx context.Context, before time.Time, limit int) ([]*model.Job, error) {
	return r.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'failed'
		  AND attempt_count < max_attempts
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= $1
		ORDER BY priority DESC, next_retry_at ASC
		LIMIT $2`, before.UTC(), clampLimit(limit))
}

// FindInProgressStartedBefore returns in-progress jobs running since before
// the cutoff. Used by the advisory timeout sweep.
func (r *JobRepo) FindInProgressStartedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error) {
	return r.queryJobs(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = 'in_progress'
		  AND started_at IS NOT NULL
		  AND started_at < $1
		ORDER BY started_at ASC
		LIMIT $2`, cutoff.UTC(), clampLimit(limit))
}

// Update applies a partial update and returns the stored job.
func (r *JobRepo) Update(ctx context.Context, id string, fields model.UpdateJobFields) (*model.Job, error) {
	set, args := buildUpdateSet(fields, r.timeProvider.Now().UTC())
	if len(set) == 1 {
		// Only updated_at would change; treat as a read.
		return r.GetByID(ctx, id)
	}

	args = append(args, id)
	query := `UPDATE jobs SET ` + strings.Join(set, ", ") +
		` WHERE id = $` + strconv.Itoa(len(args)) +
		` RETURNING ` + jobColumns

	row := r.DB.QueryRowContext(ctx, query, args...)
	job, err := scanJob(row)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// IncrementAttempt atomically bumps the attempt counter and records the next
// retry time (NULL when attempts are exhausted). The read-modify-write
// happens inside the UPDATE so concurrent retries cannot lose increments.
func (r *JobRepo) IncrementAttempt(ctx context.Context, id string, nextRetryAt *time.Time) (*model.Job, error) {
	row := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET attempt_count = attempt_count + 1,
		    next_retry_at = $2,
		    updated_at = $3
		WHERE id = $1
		RETURNING `+jobColumns,
		id, nullableTime(nextRetryAt), r.timeProvider.Now().UTC())

	job, err := scanJob(row)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return job, nil
}

// Delete removes a job record.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return apperrors.MapDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.NotFoundf("job %s not found", id)
	}
	return nil
}

// UpdateStatusBulk sets the status on every listed job and returns the
// number of rows changed.
func (r *JobRepo) UpdateStatusBulk(ctx context.Context, ids []string, status model.JobStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if !status.Valid() {
		return 0, apperrors.Validationf("invalid job status: %q", status)
	}

	placeholders := make([]string, len(ids))
	args := make([]any, 0, len(ids)+2)
	args = append(args, status, r.timeProvider.Now().UTC())
	for i, id := range ids {
		placeholders[i] = "$" + strconv.Itoa(i+3)
		args = append(args, id)
	}

	query := `UPDATE jobs SET status = $1, updated_at = $2 WHERE id IN (` +
		strings.Join(placeholders, ", ") + `)`

	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

func (r *JobRepo) queryJobs(ctx context.Context, query string, args ...any) ([]*model.Job, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.MapDBError(err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(err)
	}
	return jobs, nil
}

// buildUpdateSet renders the SET clause for a partial update. updated_at is
// always the first assignment.
func buildUpdateSet(fields model.UpdateJobFields, now time.Time) ([]string, []any) {
	set := []string{"updated_at = $1"}
	args := []any{now}

	add := func(column string, value any) {
		args = append(args, value)
		set = append(set, column+" = $"+strconv.Itoa(len(args)))
	}

	if fields.Status != nil {
		add("status", *fields.Status)
	}
	if fields.Progress != nil {
		add("progress", *fields.Progress)
	}
	if fields.ExternalJobID != nil {
		add("external_job_id", *fields.ExternalJobID)
	}
	if len(fields.Result) > 0 {
		add("result", []byte(fields.Result))
	}
	if fields.ErrorMessage != nil {
		add("error_message", *fields.ErrorMessage)
	}
	if fields.ErrorCode != nil {
		add("error_code", *fields.ErrorCode)
	}
	if fields.StartedAt != nil {
		add("started_at", fields.StartedAt.UTC())
	}
	if fields.CompletedAt != nil {
		add("completed_at", fields.CompletedAt.UTC())
	}
	if fields.NextRetryAt != nil {
		add("next_retry_at", fields.NextRetryAt.UTC())
	}

	if fields.ClearNextRetryAt && fields.NextRetryAt == nil {
		set = append(set, "next_retry_at = NULL")
	}
	if fields.ClearCompletedAt && fields.CompletedAt == nil {
		set = append(set, "completed_at = NULL")
	}
	if fields.ClearErrors && fields.ErrorMessage == nil {
		set = append(set, "error_message = NULL", "error_code = NULL")
	}

	return set, args
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

func scanJob(scanner jobRowScanner) (*model.Job, error) {
	var (
		job            model.Job
		mediaAssetID   sql.NullString
		derivedAssetID sql.NullString
		externalJobID  sql.NullString
		errorMessage   sql.NullString
		errorCode      sql.NullString
		config         []byte
		result         []byte
		metadata       []byte
		startedAt      sql.NullTime
		completedAt    sql.NullTime
		nextRetryAt    sql.NullTime
		scheduledFor   sql.NullTime
	)

	err := scanner.Scan(
		&job.ID,
		&mediaAssetID,
		&derivedAssetID,
		&job.Type,
		&externalJobID,
		&config,
		&job.Status,
		&job.Progress,
		&startedAt,
		&completedAt,
		&result,
		&errorMessage,
		&errorCode,
		&job.AttemptCount,
		&job.MaxAttempts,
		&nextRetryAt,
		&job.Priority,
		&scheduledFor,
		&metadata,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.MediaAssetID = nullableString(mediaAssetID)
	job.DerivedAssetID = nullableString(derivedAssetID)
	job.ExternalJobID = nullableString(externalJobID)
	job.ErrorMessage = nullableString(errorMessage)
	job.ErrorCode = nullableString(errorCode)
	job.Config = cloneJSON(config)
	job.Result = cloneRawJSON(result)
	job.Metadata = cloneRawJSON(metadata)
	job.StartedAt = nullableTimeValue(startedAt)
	job.CompletedAt = nullableTimeValue(completedAt)
	job.NextRetryAt = nullableTimeValue(nextRetryAt)
	job.ScheduledFor = nullableTimeValue(scheduledFor)

	return &job, nil
}

const defaultFindLimit = 100

func clampLimit(limit int) int {
	if limit < 1 {
		return defaultFindLimit
	}
	return limit
}

func cloneJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return append([]byte(nil), raw...)
}

func cloneRawJSON(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	return append([]byte(nil), raw...)
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullableTimeValue(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
