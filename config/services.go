package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/streamfab/mediaq/internal/domain/model"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorker runs the queue workers that execute jobs.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeDispatcher runs the retry/schedule dispatcher.
	ServiceModeDispatcher ServiceMode = "dispatcher"
	// ServiceModeMonitor runs the queue health monitor.
	ServiceModeMonitor ServiceMode = "monitor"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeWorker,
		ServiceModeDispatcher,
		ServiceModeMonitor,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorker, ServiceModeDispatcher, ServiceModeMonitor:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: worker, dispatcher, monitor)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// QueueSettings declares the static per-queue runtime parameters.
// One row exists per job type; the values are declared, not computed.
type QueueSettings struct {
	// Concurrency is the number of jobs the queue may run at once.
	Concurrency int
	// MaxRetries is the default maxAttempts for jobs created on this queue.
	MaxRetries int
	// BackoffDelay is the base retry delay for this queue.
	BackoffDelay time.Duration
	// StalledInterval is how often the runtime checks for stalled jobs.
	StalledInterval time.Duration
	// MaxStalledCount is how many stall detections are tolerated before
	// the runtime fails the job.
	MaxStalledCount int
}

// DefaultQueueSettings returns the per-job-type queue configuration table.
func DefaultQueueSettings() map[model.JobType]QueueSettings {
	return map[model.JobType]QueueSettings{
		model.JobTypeVideoTranscode: {
			Concurrency:     2,
			MaxRetries:      3,
			BackoffDelay:    60 * time.Second,
			StalledInterval: 30 * time.Second,
			MaxStalledCount: 1,
		},
		model.JobTypeImageProcess: {
			Concurrency:     10,
			MaxRetries:      5,
			BackoffDelay:    60 * time.Second,
			StalledInterval: 30 * time.Second,
			MaxStalledCount: 2,
		},
		model.JobTypeDocumentConvert: {
			Concurrency:     5,
			MaxRetries:      3,
			BackoffDelay:    60 * time.Second,
			StalledInterval: 30 * time.Second,
			MaxStalledCount: 1,
		},
		model.JobTypeAudioProcess: {
			Concurrency:     3,
			MaxRetries:      3,
			BackoffDelay:    60 * time.Second,
			StalledInterval: 30 * time.Second,
			MaxStalledCount: 1,
		},
		model.JobTypeThumbnailGenerate: {
			Concurrency:     3,
			MaxRetries:      5,
			BackoffDelay:    30 * time.Second,
			StalledInterval: 30 * time.Second,
			MaxStalledCount: 2,
		},
	}
}

// WorkerConfig contains queue worker service configuration.
type WorkerConfig struct {
	// ConcurrencyOverride, when > 0, replaces the per-queue concurrency
	// for every queue. Useful for constrained environments.
	ConcurrencyOverride int `env:"WORKER_CONCURRENCY_OVERRIDE" envDefault:"0"`

	// ShutdownGrace is how long in-flight jobs are given to finish on shutdown.
	ShutdownGrace time.Duration `env:"WORKER_SHUTDOWN_GRACE" envDefault:"30s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.ConcurrencyOverride < 0 {
		w.ConcurrencyOverride = 0
	}
	if w.ShutdownGrace < time.Second {
		w.ShutdownGrace = time.Second
	}
}

// Settings returns the per-queue settings table with any global overrides applied.
func (w *WorkerConfig) Settings() map[model.JobType]QueueSettings {
	settings := DefaultQueueSettings()
	if w.ConcurrencyOverride > 0 {
		for jobType, s := range settings {
			s.Concurrency = w.ConcurrencyOverride
			settings[jobType] = s
		}
	}
	return settings
}

// DispatcherConfig contains retry dispatcher service configuration.
type DispatcherConfig struct {
	// Interval is the dispatcher tick interval.
	Interval time.Duration `env:"DISPATCHER_INTERVAL" envDefault:"15s"`

	// BatchSize is the maximum number of jobs re-enqueued per pass.
	BatchSize int `env:"DISPATCHER_BATCH_SIZE" envDefault:"100"`

	// ProcessingTimeout is the advisory single-attempt timeout. Jobs in
	// progress longer than this are flagged with a warning alert; they are
	// not aborted.
	ProcessingTimeout time.Duration `env:"DISPATCHER_PROCESSING_TIMEOUT" envDefault:"1h"`
}

// Sanitize applies guardrails to dispatcher configuration values.
func (d *DispatcherConfig) Sanitize() {
	if d.Interval < time.Second {
		d.Interval = time.Second
	}
	if d.BatchSize < 1 {
		d.BatchSize = 1
	}
	if d.BatchSize > 10000 {
		d.BatchSize = 10000
	}
	if d.ProcessingTimeout < time.Minute {
		d.ProcessingTimeout = time.Minute
	}
}

// MonitorConfig contains queue health monitor service configuration.
type MonitorConfig struct {
	// Interval is the monitor pass interval.
	Interval time.Duration `env:"MONITOR_INTERVAL" envDefault:"60s"`

	// WaitingThreshold raises a warning when a queue's waiting count exceeds it.
	WaitingThreshold int `env:"MONITOR_WAITING_THRESHOLD" envDefault:"1000"`

	// FailedThreshold raises an error when a queue's failed count exceeds it.
	FailedThreshold int `env:"MONITOR_FAILED_THRESHOLD" envDefault:"100"`

	// MinSuccessRate raises an error when a queue's success rate drops below it.
	MinSuccessRate float64 `env:"MONITOR_MIN_SUCCESS_RATE" envDefault:"0.95"`

	// ProcessingTimeThreshold raises a warning when a job's processing time exceeds it.
	ProcessingTimeThreshold time.Duration `env:"MONITOR_PROCESSING_TIME_THRESHOLD" envDefault:"5m"`

	// AlertMaxAge is the alert history retention window.
	AlertMaxAge time.Duration `env:"MONITOR_ALERT_MAX_AGE" envDefault:"24h"`

	// AlertHardCap is the alert count that triggers a trim of the history.
	AlertHardCap int `env:"MONITOR_ALERT_HARD_CAP" envDefault:"1000"`

	// AlertTrimTo is the number of most recent alerts retained after a trim.
	AlertTrimTo int `env:"MONITOR_ALERT_TRIM_TO" envDefault:"500"`
}

// Sanitize applies guardrails to monitor configuration values.
func (m *MonitorConfig) Sanitize() {
	if m.Interval < time.Second {
		m.Interval = time.Second
	}
	if m.WaitingThreshold < 1 {
		m.WaitingThreshold = 1
	}
	if m.FailedThreshold < 1 {
		m.FailedThreshold = 1
	}
	if m.MinSuccessRate <= 0 || m.MinSuccessRate > 1 {
		m.MinSuccessRate = 0.95
	}
	if m.ProcessingTimeThreshold < time.Second {
		m.ProcessingTimeThreshold = time.Second
	}
	if m.AlertMaxAge < time.Minute {
		m.AlertMaxAge = time.Minute
	}
	if m.AlertHardCap < 1 {
		m.AlertHardCap = 1000
	}
	if m.AlertTrimTo < 1 || m.AlertTrimTo > m.AlertHardCap {
		m.AlertTrimTo = m.AlertHardCap / 2
		if m.AlertTrimTo < 1 {
			m.AlertTrimTo = 1
		}
	}
}

// RetryConfig contains exponential backoff retry configuration.
type RetryConfig struct {
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"60s"`

	// BackoffMultiplier is the exponential growth factor per attempt.
	BackoffMultiplier float64 `env:"RETRY_BACKOFF_MULTIPLIER" envDefault:"2.0"`

	// DefaultMaxAttempts is the maxAttempts applied when a create request
	// does not specify one.
	DefaultMaxAttempts int `env:"RETRY_DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
}

// Sanitize applies guardrails to retry configuration values.
func (r *RetryConfig) Sanitize() {
	if r.InitialDelay <= 0 {
		r.InitialDelay = 60 * time.Second
	}
	if r.BackoffMultiplier < 1 {
		r.BackoffMultiplier = 2.0
	}
	if r.DefaultMaxAttempts < 1 {
		r.DefaultMaxAttempts = model.DefaultMaxAttempts
	}
}
