// Package redisqueue implements the queue runtime on Redis: per-queue
// waiting lists, stats counters, pause flags, delayed sets, and the worker
// pool that executes registered handlers.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamfab/mediaq/config"
	"github.com/streamfab/mediaq/internal/core"
	"github.com/streamfab/mediaq/internal/domain/model"
)

const defaultKeyPrefix = "mediaq:"

// Options configures the Redis queue runtime.
type Options struct {
	Client redis.UniversalClient
	Repo   core.JobRepository
	Logger *slog.Logger

	// KeyPrefix namespaces all runtime keys; defaults to "mediaq:".
	KeyPrefix string

	// Settings provides per-queue stall detection knobs. Queues without an
	// entry fall back to config.DefaultQueueSettings.
	Settings map[model.JobType]config.QueueSettings

	// BlockTimeout bounds each BRPOP wait so consumers notice pause flags
	// and context cancellation. Defaults to 2s.
	BlockTimeout time.Duration
}

// Runtime is the Redis-backed implementation of core.QueueRuntime.
type Runtime struct {
	client  redis.UniversalClient
	repo    core.JobRepository
	logger  *slog.Logger
	prefix  string
	block   time.Duration
	setting map[model.JobType]config.QueueSettings

	mu      sync.RWMutex
	workers map[string]core.WorkerRegistration
	handler core.JobEventHandler
}

// NewRuntime validates options and constructs a Runtime.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Repo == nil {
		return nil, errors.New("job repository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	block := opts.BlockTimeout
	if block <= 0 {
		block = 2 * time.Second
	}
	settings := opts.Settings
	if settings == nil {
		settings = config.DefaultQueueSettings()
	}
	return &Runtime{
		client:  opts.Client,
		repo:    opts.Repo,
		logger:  logger.With("component", "redis_queue"),
		prefix:  prefix,
		block:   block,
		setting: settings,
		workers: make(map[string]core.WorkerRegistration),
	}, nil
}

// key layout per queue: waiting list, active set, delayed zset, stats hash,
// stall-count hash, pause flag, per-job heartbeat.

func (r *Runtime) waitingKey(q string) string { return r.prefix + q + ":waiting" }
func (r *Runtime) queuedKey(q string) string  { return r.prefix + q + ":queued" }
func (r *Runtime) activeKey(q string) string  { return r.prefix + q + ":active" }
func (r *Runtime) delayedKey(q string) string { return r.prefix + q + ":delayed" }
func (r *Runtime) statsKey(q string) string   { return r.prefix + q + ":stats" }
func (r *Runtime) stallsKey(q string) string  { return r.prefix + q + ":stalls" }
func (r *Runtime) pausedKey(q string) string  { return r.prefix + q + ":paused" }
func (r *Runtime) heartbeatKey(q, jobID string) string {
	return r.prefix + q + ":hb:" + jobID
}

func (r *Runtime) settingsFor(queueName string) config.QueueSettings {
	if s, ok := r.setting[model.JobType(queueName)]; ok {
		return s
	}
	return config.QueueSettings{
		Concurrency:     1,
		MaxRetries:      model.DefaultMaxAttempts,
		BackoffDelay:    time.Minute,
		StalledInterval: 30 * time.Second,
		MaxStalledCount: 1,
	}
}

// Enqueue pushes a job onto its queue's waiting list. A job sitting in the
// delayed set is promoted: removed there first so it is never counted twice.
// Placement is idempotent: a job already on the waiting list is not pushed
// again, so periodic dispatcher sweeps cannot double-queue work.
func (r *Runtime) Enqueue(ctx context.Context, job *model.Job) error {
	if job == nil || job.ID == "" {
		return errors.New("job with ID is required")
	}
	queue := job.Type.QueueName()

	added, err := r.client.SAdd(ctx, r.queuedKey(queue), job.ID).Result()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	if added == 0 {
		return nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.delayedKey(queue), job.ID)
		pipe.LPush(ctx, r.waitingKey(queue), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// Delay parks a job in the delayed set, scored by its release time.
func (r *Runtime) Delay(ctx context.Context, job *model.Job, until time.Time) error {
	if job == nil || job.ID == "" {
		return errors.New("job with ID is required")
	}
	queue := job.Type.QueueName()
	err := r.client.ZAdd(ctx, r.delayedKey(queue), redis.Z{
		Score:  float64(until.UnixMilli()),
		Member: job.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("delay job %s: %w", job.ID, err)
	}
	return nil
}

// RegisterWorker binds a handler to a job type. Must be called before Run.
func (r *Runtime) RegisterWorker(reg core.WorkerRegistration) error {
	if !reg.JobType.Valid() {
		return fmt.Errorf("invalid job type %q", reg.JobType)
	}
	if reg.Handler == nil {
		return errors.New("worker handler is required")
	}
	if reg.Concurrency <= 0 {
		reg.Concurrency = r.settingsFor(reg.JobType.QueueName()).Concurrency
	}
	queue := reg.JobType.QueueName()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[queue]; exists {
		return fmt.Errorf("worker already registered for queue %q", queue)
	}
	r.workers[queue] = reg
	return nil
}

// SetEventHandler installs the lifecycle callback receiver.
func (r *Runtime) SetEventHandler(handler core.JobEventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

func (r *Runtime) eventHandler() core.JobEventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handler
}

// GetStats reads the queue's counters in one round trip.
func (r *Runtime) GetStats(ctx context.Context, queueName string) (model.QueueStats, error) {
	var (
		waiting   *redis.IntCmd
		active    *redis.IntCmd
		delayed   *redis.IntCmd
		paused    *redis.IntCmd
		completed *redis.StringCmd
		failed    *redis.StringCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		waiting = pipe.LLen(ctx, r.waitingKey(queueName))
		active = pipe.SCard(ctx, r.activeKey(queueName))
		delayed = pipe.ZCard(ctx, r.delayedKey(queueName))
		paused = pipe.Exists(ctx, r.pausedKey(queueName))
		completed = pipe.HGet(ctx, r.statsKey(queueName), "completed")
		failed = pipe.HGet(ctx, r.statsKey(queueName), "failed")
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.QueueStats{}, fmt.Errorf("queue stats %s: %w", queueName, err)
	}
	return model.QueueStats{
		Waiting:   int(waiting.Val()),
		Active:    int(active.Val()),
		Delayed:   int(delayed.Val()),
		Paused:    paused.Val() > 0,
		Completed: counterVal(completed),
		Failed:    counterVal(failed),
	}, nil
}

func counterVal(cmd *redis.StringCmd) int {
	raw, err := cmd.Result()
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

// Pause stops consumers from taking new jobs off the queue. In-flight jobs
// run to completion.
func (r *Runtime) Pause(ctx context.Context, queueName string) error {
	if err := r.client.Set(ctx, r.pausedKey(queueName), "1", 0).Err(); err != nil {
		return fmt.Errorf("pause queue %s: %w", queueName, err)
	}
	r.logger.InfoContext(ctx, "queue paused", "queue", queueName)
	return nil
}

// Resume clears the pause flag.
func (r *Runtime) Resume(ctx context.Context, queueName string) error {
	if err := r.client.Del(ctx, r.pausedKey(queueName)).Err(); err != nil {
		return fmt.Errorf("resume queue %s: %w", queueName, err)
	}
	r.logger.InfoContext(ctx, "queue resumed", "queue", queueName)
	return nil
}

func (r *Runtime) isPaused(ctx context.Context, queueName string) (bool, error) {
	n, err := r.client.Exists(ctx, r.pausedKey(queueName)).Result()
	if err != nil {
		return false, fmt.Errorf("check pause flag %s: %w", queueName, err)
	}
	return n > 0, nil
}
