package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamfab/mediaq/internal/core"
	"github.com/streamfab/mediaq/internal/domain/model"
	apperrors "github.com/streamfab/mediaq/internal/errors"
)

// memJobRepo is an in-memory core.JobRepository for service tests. The
// Find* methods return pre-staged slices so tests control exactly what a
// dispatcher pass sees.
type memJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.Job

	pendingReady  []*model.Job
	retryReady    []*model.Job
	inProgressOld []*model.Job

	createErr error
	getErr    error
	updateErr error
	findErr   error

	incrementCalls int
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[string]*model.Job)}
}

func (r *memJobRepo) put(job *model.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
}

func (r *memJobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if r.createErr != nil {
		return nil, r.createErr
	}
	if req == nil {
		return nil, apperrors.Validation("create job request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, apperrors.Validation(err.Error())
	}

	now := time.Now()
	job := &model.Job{
		ID:             uuid.NewString(),
		MediaAssetID:   req.MediaAssetID,
		DerivedAssetID: req.DerivedAssetID,
		Type:           req.Type,
		Config:         req.Config,
		Status:         model.JobStatusPending,
		MaxAttempts:    req.MaxAttempts,
		Priority:       req.Priority,
		ScheduledFor:   req.ScheduledFor,
		Metadata:       req.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.put(job)
	cp := *job
	return &cp, nil
}

func (r *memJobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	if r.getErr != nil {
		return nil, r.getErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job")
	}
	cp := *job
	return &cp, nil
}

func (r *memJobRepo) GetByExternalID(ctx context.Context, externalID string) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.ExternalJobID != nil && *job.ExternalJobID == externalID {
			cp := *job
			return &cp, nil
		}
	}
	return nil, apperrors.NotFound("job")
}

func (r *memJobRepo) FindPendingReady(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.pendingReady, nil
}

func (r *memJobRepo) FindFailedReadyForRetry(ctx context.Context, before time.Time, limit int) ([]*model.Job, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.retryReady, nil
}

func (r *memJobRepo) FindInProgressStartedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*model.Job, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	return r.inProgressOld, nil
}

func (r *memJobRepo) Update(ctx context.Context, id string, fields model.UpdateJobFields) (*model.Job, error) {
	if r.updateErr != nil {
		return nil, r.updateErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job")
	}

	if fields.Status != nil {
		job.Status = *fields.Status
	}
	if fields.Progress != nil {
		job.Progress = *fields.Progress
	}
	if fields.ExternalJobID != nil {
		job.ExternalJobID = fields.ExternalJobID
	}
	if len(fields.Result) > 0 {
		job.Result = fields.Result
	}
	if fields.ErrorMessage != nil {
		job.ErrorMessage = fields.ErrorMessage
		job.ErrorCode = fields.ErrorCode
	}
	if fields.StartedAt != nil {
		job.StartedAt = fields.StartedAt
	}
	if fields.CompletedAt != nil {
		job.CompletedAt = fields.CompletedAt
	}
	if fields.NextRetryAt != nil {
		job.NextRetryAt = fields.NextRetryAt
	}
	if fields.ClearNextRetryAt {
		job.NextRetryAt = nil
	}
	if fields.ClearCompletedAt {
		job.CompletedAt = nil
	}
	if fields.ClearErrors {
		job.ErrorMessage = nil
		job.ErrorCode = nil
	}

	cp := *job
	return &cp, nil
}

func (r *memJobRepo) IncrementAttempt(ctx context.Context, id string, nextRetryAt *time.Time) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job")
	}
	r.incrementCalls++
	job.AttemptCount++
	job.NextRetryAt = nextRetryAt
	cp := *job
	return &cp, nil
}

func (r *memJobRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return apperrors.NotFound("job")
	}
	delete(r.jobs, id)
	return nil
}

func (r *memJobRepo) UpdateStatusBulk(ctx context.Context, ids []string, status model.JobStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var affected int64
	for _, id := range ids {
		if job, ok := r.jobs[id]; ok {
			job.Status = status
			affected++
		}
	}
	return affected, nil
}

var _ core.JobRepository = (*memJobRepo)(nil)

// memQueue records queue placements without a real runtime behind them.
type memQueue struct {
	mu       sync.Mutex
	enqueued []*model.Job
	delayed  []delayedCall

	enqueueErr error
	delayErr   error
	regs       []core.WorkerRegistration
	stats      map[string]model.QueueStats
	statsErr   error
}

type delayedCall struct {
	job   *model.Job
	until time.Time
}

func newMemQueue() *memQueue {
	return &memQueue{stats: make(map[string]model.QueueStats)}
}

func (q *memQueue) Enqueue(ctx context.Context, job *model.Job) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, job)
	return nil
}

func (q *memQueue) Delay(ctx context.Context, job *model.Job, until time.Time) error {
	if q.delayErr != nil {
		return q.delayErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, delayedCall{job: job, until: until})
	return nil
}

func (q *memQueue) RegisterWorker(reg core.WorkerRegistration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.regs = append(q.regs, reg)
	return nil
}

func (q *memQueue) SetEventHandler(core.JobEventHandler) {}

func (q *memQueue) GetStats(ctx context.Context, queueName string) (model.QueueStats, error) {
	if q.statsErr != nil {
		return model.QueueStats{}, q.statsErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats[queueName], nil
}

func (q *memQueue) Pause(ctx context.Context, queueName string) error  { return nil }
func (q *memQueue) Resume(ctx context.Context, queueName string) error { return nil }

func (q *memQueue) enqueuedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, len(q.enqueued))
	for i, job := range q.enqueued {
		ids[i] = job.ID
	}
	return ids
}

var _ core.QueueRuntime = (*memQueue)(nil)

// alertRecord captures one emitted alert.
type alertRecord struct {
	severity model.AlertSeverity
	queue    string
	message  string
	metadata map[string]string
}

// alertRecorder is a core.AlertSink that retains everything it receives.
type alertRecorder struct {
	mu      sync.Mutex
	records []alertRecord
	err     error
}

func (a *alertRecorder) Emit(ctx context.Context, severity model.AlertSeverity, queueName, message string, metadata map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, alertRecord{
		severity: severity,
		queue:    queueName,
		message:  message,
		metadata: metadata,
	})
	return a.err
}

func (a *alertRecorder) all() []alertRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]alertRecord, len(a.records))
	copy(out, a.records)
	return out
}

func (a *alertRecorder) forQueue(queue string) []alertRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []alertRecord
	for _, rec := range a.records {
		if rec.queue == queue {
			out = append(out, rec)
		}
	}
	return out
}

var _ core.AlertSink = (*alertRecorder)(nil)

// fakeStatsProvider serves canned stats per queue with per-queue failures.
type fakeStatsProvider struct {
	mu    sync.Mutex
	stats map[string]model.QueueStats
	errs  map[string]error
	calls int
}

func newFakeStatsProvider() *fakeStatsProvider {
	return &fakeStatsProvider{
		stats: make(map[string]model.QueueStats),
		errs:  make(map[string]error),
	}
}

func (f *fakeStatsProvider) GetStats(ctx context.Context, queueName string) (model.QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[queueName]; err != nil {
		return model.QueueStats{}, err
	}
	return f.stats[queueName], nil
}

var _ core.QueueStatsProvider = (*fakeStatsProvider)(nil)
