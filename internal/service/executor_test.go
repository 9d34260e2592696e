package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamfab/mediaq/config"
	"github.com/streamfab/mediaq/internal/core"
	"github.com/streamfab/mediaq/internal/domain/model"
)

// fakeProcessor records the jobs it was handed and optionally reports
// progress before returning its canned outcome.
type fakeProcessor struct {
	mu       sync.Mutex
	jobs     []*model.Job
	result   model.JobResult
	err      error
	reported []int
}

func (p *fakeProcessor) Process(ctx context.Context, job *model.Job, report core.ProgressFunc) (model.JobResult, error) {
	p.mu.Lock()
	p.jobs = append(p.jobs, job)
	reported := p.reported
	p.mu.Unlock()
	for _, progress := range reported {
		report(progress)
	}
	return p.result, p.err
}

func (p *fakeProcessor) seen() []*model.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*model.Job, len(p.jobs))
	copy(out, p.jobs)
	return out
}

func newTestExecutor(t *testing.T, repo *memJobRepo, queue *memQueue, processor *fakeProcessor) *Executor {
	t.Helper()
	jobs, _ := newTestJobService(t, repo, nil)
	exec, err := NewExecutor(ExecutorOptions{
		Jobs:      jobs,
		Runtime:   queue,
		Processor: processor,
	})
	require.NoError(t, err)
	return exec
}

func TestNewExecutor_Validation(t *testing.T) {
	repo := newMemJobRepo()
	jobs, _ := newTestJobService(t, repo, nil)
	queue := newMemQueue()
	processor := &fakeProcessor{}

	_, err := NewExecutor(ExecutorOptions{Runtime: queue, Processor: processor})
	require.Error(t, err)

	_, err = NewExecutor(ExecutorOptions{Jobs: jobs, Processor: processor})
	require.Error(t, err)

	_, err = NewExecutor(ExecutorOptions{Jobs: jobs, Runtime: queue})
	require.Error(t, err)
}

func TestExecutor_RegisterAll_CoversEveryJobType(t *testing.T) {
	queue := newMemQueue()
	exec := newTestExecutor(t, newMemJobRepo(), queue, &fakeProcessor{})

	require.NoError(t, exec.RegisterAll())

	settings := config.DefaultQueueSettings()
	require.Len(t, queue.regs, len(model.AllJobTypes()))
	byType := make(map[model.JobType]core.WorkerRegistration)
	for _, reg := range queue.regs {
		byType[reg.JobType] = reg
	}
	for _, jt := range model.AllJobTypes() {
		reg, ok := byType[jt]
		require.True(t, ok, "missing worker for %s", jt)
		assert.Equal(t, settings[jt].Concurrency, reg.Concurrency)
		assert.NotNil(t, reg.Handler)
	}
}

func registeredHandler(t *testing.T, queue *memQueue, jobType model.JobType) core.WorkerFunc {
	t.Helper()
	for _, reg := range queue.regs {
		if reg.JobType == jobType {
			return reg.Handler
		}
	}
	t.Fatalf("no worker registered for %s", jobType)
	return nil
}

func TestExecutor_Attempt_StartsJobAndRunsProcessor(t *testing.T) {
	repo := newMemJobRepo()
	queue := newMemQueue()
	processor := &fakeProcessor{result: model.JobResult{OutputKeys: []string{"out/sample.mp4"}}}
	exec := newTestExecutor(t, repo, queue, processor)
	require.NoError(t, exec.RegisterAll())

	job := seedJob(repo, nil)
	handler := registeredHandler(t, queue, model.JobTypeVideoTranscode)

	result, err := handler(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []string{"out/sample.mp4"}, result.OutputKeys)

	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusInProgress, stored.Status)
	assert.NotNil(t, stored.StartedAt)

	seen := processor.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, model.JobStatusInProgress, seen[0].Status, "the processor sees the started job")
}

func TestExecutor_Attempt_CancelledJobIsSkipped(t *testing.T) {
	repo := newMemJobRepo()
	queue := newMemQueue()
	processor := &fakeProcessor{}
	exec := newTestExecutor(t, repo, queue, processor)
	require.NoError(t, exec.RegisterAll())

	job := seedJob(repo, func(j *model.Job) {
		j.Status = model.JobStatusCancelled
	})
	handler := registeredHandler(t, queue, model.JobTypeVideoTranscode)

	_, err := handler(context.Background(), job)
	require.ErrorIs(t, err, core.ErrSkipAttempt)
	assert.Empty(t, processor.seen(), "a skipped attempt never reaches the processor")
}

func TestExecutor_Attempt_StallReclaimRunsWithoutRestart(t *testing.T) {
	repo := newMemJobRepo()
	queue := newMemQueue()
	processor := &fakeProcessor{}
	exec := newTestExecutor(t, repo, queue, processor)
	require.NoError(t, exec.RegisterAll())

	started := testBase.Add(-10 * time.Minute)
	job := seedJob(repo, func(j *model.Job) {
		j.Status = model.JobStatusInProgress
		j.StartedAt = &started
		j.Progress = 35
	})
	handler := registeredHandler(t, queue, model.JobTypeVideoTranscode)

	_, err := handler(context.Background(), job)
	require.NoError(t, err)

	seen := processor.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, 35, seen[0].Progress, "a reclaimed job keeps its recorded progress")

	stored, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.StartedAt)
	assert.True(t, stored.StartedAt.Equal(started), "reclaim keeps the original start time")
}

func TestExecutor_Attempt_InvalidConfigFailsBeforeProcessing(t *testing.T) {
	repo := newMemJobRepo()
	queue := newMemQueue()
	processor := &fakeProcessor{}
	exec := newTestExecutor(t, repo, queue, processor)
	require.NoError(t, exec.RegisterAll())

	job := seedJob(repo, func(j *model.Job) {
		j.Config = []byte(`{"unexpected":"shape"}`)
	})
	handler := registeredHandler(t, queue, model.JobTypeVideoTranscode)

	_, err := handler(context.Background(), job)
	require.Error(t, err)
	assert.NotErrorIs(t, err, core.ErrSkipAttempt, "a config failure is a real failure and counts")
	assert.Empty(t, processor.seen())
}

func TestExecutor_Attempt_RejectsMismatchedJobType(t *testing.T) {
	repo := newMemJobRepo()
	queue := newMemQueue()
	exec := newTestExecutor(t, repo, queue, &fakeProcessor{})
	require.NoError(t, exec.RegisterAll())

	job := seedJob(repo, func(j *model.Job) {
		j.Type = model.JobTypeImageProcess
	})
	handler := registeredHandler(t, queue, model.JobTypeVideoTranscode)

	_, err := handler(context.Background(), job)
	require.Error(t, err)
}

func TestExecutor_ProgressReportingIsWired(t *testing.T) {
	repo := newMemJobRepo()
	queue := newMemQueue()
	processor := &fakeProcessor{reported: []int{25, 80}}

	jobs, _ := newTestJobService(t, repo, nil)
	var mu sync.Mutex
	var got []int
	exec, err := NewExecutor(ExecutorOptions{
		Jobs:      jobs,
		Runtime:   queue,
		Processor: processor,
		Progress: func(ctx context.Context, job *model.Job, progress int) {
			mu.Lock()
			got = append(got, progress)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, exec.RegisterAll())

	job := seedJob(repo, nil)
	handler := registeredHandler(t, queue, model.JobTypeVideoTranscode)

	_, err = handler(context.Background(), job)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{25, 80}, got)
}
