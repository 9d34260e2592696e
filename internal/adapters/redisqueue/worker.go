package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/streamfab/mediaq/internal/core"
	"github.com/streamfab/mediaq/internal/domain/model"
	apperrors "github.com/streamfab/mediaq/internal/errors"
)

// defaultDrainTimeout bounds how long Run waits for in-flight jobs after
// the context is cancelled.
const defaultDrainTimeout = 30 * time.Second

// Run starts a consumer and a stall sweeper per registered queue and blocks
// until the context is cancelled. In-flight jobs are given a bounded drain
// window before Run returns. Context cancellation is the normal shutdown
// path and returns nil.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.RLock()
	workers := make(map[string]core.WorkerRegistration, len(r.workers))
	for q, reg := range r.workers {
		workers[q] = reg
	}
	r.mu.RUnlock()

	if len(workers) == 0 {
		return errors.New("no workers registered")
	}

	g, gctx := errgroup.WithContext(ctx)
	for queue, reg := range workers {
		queue, reg := queue, reg
		r.logger.InfoContext(ctx, "starting queue consumer",
			"queue", queue, "concurrency", reg.Concurrency)
		g.Go(func() error { return r.consumeQueue(gctx, queue, reg) })
		g.Go(func() error { return r.sweepStalled(gctx, queue) })
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Runtime) consumeQueue(ctx context.Context, queue string, reg core.WorkerRegistration) error {
	sem := semaphore.NewWeighted(int64(reg.Concurrency))

	for ctx.Err() == nil {
		paused, err := r.isPaused(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.logger.ErrorContext(ctx, "pause flag check failed", "queue", queue, "error", err)
			r.sleep(ctx, r.block)
			continue
		}
		if paused {
			r.sleep(ctx, r.block)
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		res, err := r.client.BRPop(ctx, r.block, r.waitingKey(queue)).Result()
		if err != nil {
			sem.Release(1)
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				break
			}
			r.logger.ErrorContext(ctx, "queue pop failed", "queue", queue, "error", err)
			r.sleep(ctx, r.block)
			continue
		}

		jobID := res[1]
		if err := r.client.SRem(context.WithoutCancel(ctx), r.queuedKey(queue), jobID).Err(); err != nil {
			r.logger.ErrorContext(ctx, "clear queued marker failed", "queue", queue, "job_id", jobID, "error", err)
		}
		go func() {
			defer sem.Release(1)
			r.processJob(ctx, queue, reg, jobID)
		}()
	}

	// Drain in-flight jobs before returning.
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultDrainTimeout)
	defer cancel()
	if err := sem.Acquire(drainCtx, int64(reg.Concurrency)); err != nil {
		r.logger.Warn("shutdown drain timed out", "queue", queue)
	}
	return ctx.Err()
}

func (r *Runtime) processJob(ctx context.Context, queue string, reg core.WorkerRegistration, jobID string) {
	// Job execution survives shutdown cancellation; the drain window in
	// consumeQueue bounds how long we wait for it.
	runCtx := context.WithoutCancel(ctx)

	r.markActive(runCtx, queue, jobID)
	stopHeartbeat := r.startHeartbeat(runCtx, queue, jobID)
	defer func() {
		stopHeartbeat()
		r.clearActive(runCtx, queue, jobID)
	}()

	job, err := r.repo.GetByID(runCtx, jobID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			r.logger.Warn("queued job no longer exists", "queue", queue, "job_id", jobID)
			return
		}
		// Put the job back; storage may recover.
		r.logger.ErrorContext(runCtx, "load queued job failed", "queue", queue, "job_id", jobID, "error", err)
		_, pushErr := r.client.TxPipelined(runCtx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(runCtx, r.queuedKey(queue), jobID)
			pipe.LPush(runCtx, r.waitingKey(queue), jobID)
			return nil
		})
		if pushErr != nil {
			r.logger.ErrorContext(runCtx, "requeue job failed", "queue", queue, "job_id", jobID, "error", pushErr)
		}
		return
	}

	start := time.Now()
	result, runErr := reg.Handler(runCtx, job)
	elapsed := time.Since(start)

	ev := core.JobEvent{
		JobID:        jobID,
		QueueName:    queue,
		Timestamp:    time.Now(),
		ProcessingMS: elapsed.Milliseconds(),
	}

	if errors.Is(runErr, core.ErrSkipAttempt) {
		r.logger.DebugContext(runCtx, "attempt skipped, job no longer runnable", "queue", queue, "job_id", jobID)
		return
	}

	if runErr != nil {
		ev.Error = runErr.Error()
		r.bumpCounter(runCtx, queue, "failed")
		if h := r.eventHandler(); h != nil {
			h.OnFailed(runCtx, ev)
		}
		return
	}

	if raw, encErr := model.EncodeResult(result); encErr != nil {
		r.logger.ErrorContext(runCtx, "encode job result failed", "job_id", jobID, "error", encErr)
	} else {
		ev.Result = raw
	}
	r.bumpCounter(runCtx, queue, "completed")
	if h := r.eventHandler(); h != nil {
		h.OnCompleted(runCtx, ev)
	}
}

// ReportProgress lets a worker handler surface mid-attempt progress. The
// runtime forwards it to the event handler; it does not touch storage.
func (r *Runtime) ReportProgress(ctx context.Context, job *model.Job, progress int) {
	if job == nil {
		return
	}
	h := r.eventHandler()
	if h == nil {
		return
	}
	h.OnProgress(ctx, core.JobEvent{
		JobID:     job.ID,
		QueueName: job.Type.QueueName(),
		Timestamp: time.Now(),
		Progress:  progress,
	})
}

func (r *Runtime) markActive(ctx context.Context, queue, jobID string) {
	if err := r.client.SAdd(ctx, r.activeKey(queue), jobID).Err(); err != nil {
		r.logger.ErrorContext(ctx, "mark active failed", "queue", queue, "job_id", jobID, "error", err)
	}
}

func (r *Runtime) clearActive(ctx context.Context, queue, jobID string) {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, r.activeKey(queue), jobID)
		pipe.Del(ctx, r.heartbeatKey(queue, jobID))
		pipe.HDel(ctx, r.stallsKey(queue), jobID)
		return nil
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "clear active failed", "queue", queue, "job_id", jobID, "error", err)
	}
}

func (r *Runtime) bumpCounter(ctx context.Context, queue, field string) {
	if err := r.client.HIncrBy(ctx, r.statsKey(queue), field, 1).Err(); err != nil {
		r.logger.ErrorContext(ctx, "bump stats counter failed", "queue", queue, "field", field, "error", err)
	}
}

// startHeartbeat keeps a TTL key alive for the duration of an attempt so
// the stall sweeper can tell live jobs from abandoned ones. The returned
// stop function must be called when the attempt finishes.
func (r *Runtime) startHeartbeat(ctx context.Context, queue, jobID string) func() {
	interval := r.settingsFor(queue).StalledInterval
	key := r.heartbeatKey(queue, jobID)
	ttl := interval * 2

	if err := r.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		r.logger.ErrorContext(ctx, "set heartbeat failed", "queue", queue, "job_id", jobID, "error", err)
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := r.client.Set(ctx, key, "1", ttl).Err(); err != nil {
					r.logger.ErrorContext(ctx, "refresh heartbeat failed", "queue", queue, "job_id", jobID, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// sweepStalled periodically scans the active set for jobs whose heartbeat
// expired. A stalled job is requeued until its stall budget is spent, then
// counted failed.
func (r *Runtime) sweepStalled(ctx context.Context, queue string) error {
	settings := r.settingsFor(queue)
	ticker := time.NewTicker(settings.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.sweepStalledOnce(ctx, queue, settings.MaxStalledCount); err != nil && ctx.Err() == nil {
				r.logger.ErrorContext(ctx, "stall sweep failed", "queue", queue, "error", err)
			}
		}
	}
}

func (r *Runtime) sweepStalledOnce(ctx context.Context, queue string, maxStalls int) error {
	active, err := r.client.SMembers(ctx, r.activeKey(queue)).Result()
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}

	for _, jobID := range active {
		alive, err := r.client.Exists(ctx, r.heartbeatKey(queue, jobID)).Result()
		if err != nil {
			return fmt.Errorf("check heartbeat %s: %w", jobID, err)
		}
		if alive > 0 {
			continue
		}
		if err := r.handleStalledJob(ctx, queue, jobID, maxStalls); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) handleStalledJob(ctx context.Context, queue, jobID string, maxStalls int) error {
	stalls, err := r.client.HIncrBy(ctx, r.stallsKey(queue), jobID, 1).Result()
	if err != nil {
		return fmt.Errorf("bump stall count %s: %w", jobID, err)
	}

	ev := core.JobEvent{
		JobID:     jobID,
		QueueName: queue,
		Timestamp: time.Now(),
	}

	if int(stalls) > maxStalls {
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SRem(ctx, r.activeKey(queue), jobID)
			pipe.HDel(ctx, r.stallsKey(queue), jobID)
			pipe.HIncrBy(ctx, r.statsKey(queue), "failed", 1)
			return nil
		})
		if err != nil {
			return fmt.Errorf("fail stalled job %s: %w", jobID, err)
		}
		r.logger.WarnContext(ctx, "job stalled beyond limit", "queue", queue, "job_id", jobID, "stalls", stalls)
		ev.Error = fmt.Sprintf("job stalled %d times, limit %d", stalls, maxStalls)
		if h := r.eventHandler(); h != nil {
			h.OnFailed(ctx, ev)
		}
		return nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, r.activeKey(queue), jobID)
		pipe.SAdd(ctx, r.queuedKey(queue), jobID)
		pipe.LPush(ctx, r.waitingKey(queue), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue stalled job %s: %w", jobID, err)
	}
	r.logger.WarnContext(ctx, "stalled job requeued", "queue", queue, "job_id", jobID, "stalls", stalls)
	if h := r.eventHandler(); h != nil {
		h.OnStalled(ctx, ev)
	}
	return nil
}

func (r *Runtime) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
