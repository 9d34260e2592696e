package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/streamfab/mediaq/config"
	"github.com/streamfab/mediaq/internal/core"
	"github.com/streamfab/mediaq/internal/data"
	"github.com/streamfab/mediaq/internal/domain/model"
	"github.com/streamfab/mediaq/internal/observability/metrics"
	"github.com/streamfab/mediaq/internal/observability/statsd"
)

// MonitorOptions groups dependencies for QueueHealthMonitor.
type MonitorOptions struct {
	Stats   core.QueueStatsProvider // Required: queue runtime stats
	Alerts  core.AlertSink          // Required: alert delivery
	Config  config.MonitorConfig    // Thresholds, cadence, retention
	Queues  []string                // Optional: defaults to every known queue
	Logger  *slog.Logger            // Optional: structured logger
	Metrics statsd.Sink             // Optional: metrics sink
	Time    data.TimeProvider       // Optional: defaults to real time
}

// QueueHealthMonitor polls aggregate queue statistics on a fixed cadence,
// folds them into rolling per-queue metrics, compares them to thresholds,
// and emits alerts. It also consumes queue runtime lifecycle events to
// track processing times and surface per-job failures as they happen.
//
// Passes never overlap: a pass that outlives the interval causes the next
// tick to be skipped rather than stacking. A failed pass is absorbed: it is
// logged, surfaced as a system-scoped alert, and the loop continues.
type QueueHealthMonitor struct {
	stats   core.QueueStatsProvider
	alerter core.AlertSink
	cfg     config.MonitorConfig
	queues  []string
	logger  *slog.Logger
	metrics statsd.Sink
	time    data.TimeProvider

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc
	stopped chan struct{}
	byQueue map[string]*model.QueueMetrics
	alerts  []model.QueueAlert
	inPass  bool
}

// NewQueueHealthMonitor constructs a monitor.
func NewQueueHealthMonitor(opts MonitorOptions) (*QueueHealthMonitor, error) {
	if opts.Stats == nil {
		return nil, errors.New("QueueStatsProvider is required")
	}
	if opts.Alerts == nil {
		return nil, errors.New("AlertSink is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	queues := opts.Queues
	if len(queues) == 0 {
		for _, jt := range model.AllJobTypes() {
			queues = append(queues, jt.QueueName())
		}
	}

	tp := opts.Time
	if tp == nil {
		tp = &data.RealTimeProvider{}
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "queue_monitor")
	}

	return &QueueHealthMonitor{
		stats:   opts.Stats,
		alerter: opts.Alerts,
		cfg:     cfg,
		queues:  queues,
		logger:  logger,
		metrics: opts.Metrics,
		time:    tp,
		byQueue: make(map[string]*model.QueueMetrics),
	}, nil
}

// Start launches the monitoring loop in the background. Starting an already
// running monitor is an error.
func (m *QueueHealthMonitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("monitor is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.running = true
	m.stop = cancel
	stopped := make(chan struct{})
	m.stopped = stopped
	m.mu.Unlock()

	go func() {
		defer close(stopped)
		_ = m.Run(ctx)
	}()
	return nil
}

// Stop halts the monitoring loop and waits for it to exit. Stopping a
// monitor that is not running, or one driven by Run directly, is a no-op.
func (m *QueueHealthMonitor) Stop() {
	m.mu.Lock()
	if m.stop == nil {
		m.mu.Unlock()
		return
	}
	cancel, stopped := m.stop, m.stopped
	m.stop = nil
	m.stopped = nil
	m.mu.Unlock()

	cancel()
	<-stopped
}

// Running reports whether the monitor loop is active, regardless of whether
// it was launched via Start or by calling Run directly.
func (m *QueueHealthMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *QueueHealthMonitor) setRunning(v bool) {
	m.mu.Lock()
	m.running = v
	m.mu.Unlock()
}

// Run executes the monitoring loop until the context is cancelled. An
// immediate pass runs at startup; subsequent passes follow the configured
// interval. Returns nil on graceful shutdown.
func (m *QueueHealthMonitor) Run(ctx context.Context) error {
	m.setRunning(true)
	defer m.setRunning(false)

	if m.logger != nil {
		m.logger.InfoContext(ctx, "starting queue health monitor",
			"interval", m.cfg.Interval, "queues", len(m.queues))
	}

	m.runPass(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if m.logger != nil {
				m.logger.InfoContext(ctx, "queue health monitor stopping", "reason", ctx.Err())
			}
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
			m.runPass(ctx)
		}
	}
}

// runPass executes one health check pass unless one is already in flight.
func (m *QueueHealthMonitor) runPass(ctx context.Context) {
	m.mu.Lock()
	if m.inPass {
		m.mu.Unlock()
		if m.logger != nil {
			m.logger.WarnContext(ctx, "skipping health pass, previous pass still running")
		}
		return
	}
	m.inPass = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inPass = false
		m.mu.Unlock()
	}()

	if err := m.checkAllQueues(ctx); err != nil && ctx.Err() == nil {
		if m.logger != nil {
			m.logger.ErrorContext(ctx, "health pass failed", "error", err)
		}
		m.recordAlert(ctx, model.SystemQueueName, model.AlertSeverityError,
			fmt.Sprintf("queue health pass failed: %v", err), nil)
	}

	m.pruneAlerts()
}

// checkAllQueues polls every queue concurrently. A failure checking one
// queue does not block the others; errors are joined for the caller.
func (m *QueueHealthMonitor) checkAllQueues(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	errsMu := sync.Mutex{}
	var errs []error

	for _, queue := range m.queues {
		queue := queue
		g.Go(func() error {
			if err := m.checkQueue(gctx, queue); err != nil {
				errsMu.Lock()
				errs = append(errs, fmt.Errorf("queue %s: %w", queue, err))
				errsMu.Unlock()
			}
			// Never abort sibling checks.
			return nil
		})
	}

	_ = g.Wait()
	return errors.Join(errs...)
}

func (m *QueueHealthMonitor) checkQueue(ctx context.Context, queue string) error {
	stats, err := m.stats.GetStats(ctx, queue)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}

	qm := m.updateMetrics(queue, stats)
	m.applyThresholds(ctx, queue, qm)

	metrics.EmitQueueDepth(m.metrics, metrics.QueueDepthMetric{
		QueueName:   queue,
		Waiting:     int64(stats.Waiting),
		Active:      int64(stats.Active),
		Failed:      int64(stats.Failed),
		Delayed:     int64(stats.Delayed),
		SuccessRate: stats.SuccessRate(),
	})
	return nil
}

// updateMetrics folds a stats snapshot into the queue's rolling metrics.
// The processing-time average is event-driven and left untouched here.
func (m *QueueHealthMonitor) updateMetrics(queue string, stats model.QueueStats) model.QueueMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	qm, ok := m.byQueue[queue]
	if !ok {
		qm = &model.QueueMetrics{QueueName: queue}
		m.byQueue[queue] = qm
	}
	qm.Stats = stats
	qm.TotalJobs = stats.TotalJobs()
	qm.SuccessRate = stats.SuccessRate()
	qm.LastUpdated = m.time.Now()
	return *qm
}

// applyThresholds emits exactly one alert per breached threshold.
func (m *QueueHealthMonitor) applyThresholds(ctx context.Context, queue string, qm model.QueueMetrics) {
	stats := qm.Stats

	if stats.Waiting > m.cfg.WaitingThreshold {
		m.recordAlert(ctx, queue, model.AlertSeverityWarning,
			fmt.Sprintf("waiting jobs above threshold: %d", stats.Waiting),
			thresholdMeta(stats.Waiting, m.cfg.WaitingThreshold))
	}
	if stats.Failed > m.cfg.FailedThreshold {
		m.recordAlert(ctx, queue, model.AlertSeverityError,
			fmt.Sprintf("failed jobs above threshold: %d", stats.Failed),
			thresholdMeta(stats.Failed, m.cfg.FailedThreshold))
	}
	if stats.Paused {
		m.recordAlert(ctx, queue, model.AlertSeverityWarning, "queue is paused", nil)
	}
	if qm.SuccessRate < m.cfg.MinSuccessRate {
		m.recordAlert(ctx, queue, model.AlertSeverityError,
			fmt.Sprintf("success rate below threshold: %.3f", qm.SuccessRate),
			map[string]string{
				"observed":  strconv.FormatFloat(qm.SuccessRate, 'f', 3, 64),
				"threshold": strconv.FormatFloat(m.cfg.MinSuccessRate, 'f', 3, 64),
			})
	}
	if qm.AvgProcessingTime > m.cfg.ProcessingTimeThreshold {
		m.recordAlert(ctx, queue, model.AlertSeverityWarning,
			fmt.Sprintf("average processing time above threshold: %s", qm.AvgProcessingTime),
			map[string]string{
				"observed":  qm.AvgProcessingTime.String(),
				"threshold": m.cfg.ProcessingTimeThreshold.String(),
			})
	}
}

func thresholdMeta(observed, threshold int) map[string]string {
	return map[string]string{
		"observed":  strconv.Itoa(observed),
		"threshold": strconv.Itoa(threshold),
	}
}

// OnCompleted folds the completion into the queue's two-sample moving
// average and alerts when one job ran past the processing-time threshold.
func (m *QueueHealthMonitor) OnCompleted(ctx context.Context, ev core.JobEvent) {
	elapsed := time.Duration(ev.ProcessingMS) * time.Millisecond

	m.mu.Lock()
	qm, ok := m.byQueue[ev.QueueName]
	if !ok {
		qm = &model.QueueMetrics{QueueName: ev.QueueName}
		m.byQueue[ev.QueueName] = qm
	}
	qm.ObserveProcessingTime(elapsed)
	qm.LastUpdated = m.time.Now()
	m.mu.Unlock()

	if elapsed > m.cfg.ProcessingTimeThreshold {
		m.recordAlert(ctx, ev.QueueName, model.AlertSeverityWarning,
			fmt.Sprintf("job processing time above threshold: %s", elapsed),
			map[string]string{
				"job_id":    ev.JobID,
				"observed":  elapsed.String(),
				"threshold": m.cfg.ProcessingTimeThreshold.String(),
			})
	}
}

// OnFailed surfaces a per-job failure as an error alert.
func (m *QueueHealthMonitor) OnFailed(ctx context.Context, ev core.JobEvent) {
	m.recordAlert(ctx, ev.QueueName, model.AlertSeverityError,
		fmt.Sprintf("job failed: %s", ev.Error),
		map[string]string{"job_id": ev.JobID})
}

// OnStalled surfaces a stall detection as a warning alert.
func (m *QueueHealthMonitor) OnStalled(ctx context.Context, ev core.JobEvent) {
	m.recordAlert(ctx, ev.QueueName, model.AlertSeverityWarning,
		"job stalled and was requeued",
		map[string]string{"job_id": ev.JobID})
}

// OnProgress is a no-op; progress does not factor into queue health.
func (m *QueueHealthMonitor) OnProgress(context.Context, core.JobEvent) {}

// recordAlert stores the alert in the retention window and delivers it.
func (m *QueueHealthMonitor) recordAlert(ctx context.Context, queue string, severity model.AlertSeverity, message string, metadata map[string]string) {
	alert := model.QueueAlert{
		ID:        uuid.NewString(),
		QueueName: queue,
		Severity:  severity,
		Message:   message,
		Metadata:  metadata,
		FiredAt:   m.time.Now(),
	}
	alert.Normalize()
	if err := alert.Validate(); err != nil {
		if m.logger != nil {
			m.logger.ErrorContext(ctx, "dropping invalid alert", "queue", queue, "error", err)
		}
		return
	}

	m.mu.Lock()
	m.alerts = append(m.alerts, alert)
	m.mu.Unlock()

	if err := m.alerter.Emit(ctx, severity, queue, message, metadata); err != nil && m.logger != nil {
		m.logger.ErrorContext(ctx, "alert emission failed", "queue", queue, "error", err)
	}
}

// pruneAlerts enforces the retention policy: alerts older than the max age
// are dropped, and when the window still exceeds the hard cap only the
// newest entries are kept.
func (m *QueueHealthMonitor) pruneAlerts() {
	cutoff := m.time.Now().Add(-m.cfg.AlertMaxAge)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.alerts[:0]
	for _, a := range m.alerts {
		if a.FiredAt.After(cutoff) {
			kept = append(kept, a)
		}
	}
	m.alerts = kept

	if len(m.alerts) > m.cfg.AlertHardCap {
		m.alerts = m.alerts[len(m.alerts)-m.cfg.AlertTrimTo:]
	}
}

// Alerts returns a copy of the retained alerts, newest last.
func (m *QueueHealthMonitor) Alerts() []model.QueueAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.QueueAlert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// QueueMetrics returns the rolling metrics snapshot for a queue.
func (m *QueueHealthMonitor) QueueMetrics(queue string) (model.QueueMetrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qm, ok := m.byQueue[queue]
	if !ok {
		return model.QueueMetrics{}, false
	}
	return *qm, true
}
