// Package alertnotifier fans queue health alerts out to the configured
// notification sinks. It implements core.AlertSink so the monitor and the
// dispatcher stay ignorant of delivery mechanics.
package alertnotifier

import (
	"context"
	"log/slog"
	"sync"

	"github.com/streamfab/mediaq/internal/domain/model"
	"github.com/streamfab/mediaq/internal/observability/metrics"
	"github.com/streamfab/mediaq/internal/observability/notify"
	"github.com/streamfab/mediaq/internal/observability/statsd"
)

// SinkRegistration pairs a sink with a name for logging and a severity
// floor. Alerts below the floor are not delivered to that sink; paging
// sinks typically register with SeverityError.
type SinkRegistration struct {
	Name        string
	Sink        notify.Sink
	MinSeverity string
}

// Options configures the alert notifier service.
type Options struct {
	Logger  *slog.Logger
	Metrics statsd.Sink
	Sinks   []SinkRegistration
}

// Service dispatches queue alerts to all registered sinks whose severity
// floor the alert clears. Every alert is additionally logged and counted.
type Service struct {
	logger  *slog.Logger
	metrics statsd.Sink
	sinks   []SinkRegistration
}

// NewService constructs an alert notifier.
func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var sinks []SinkRegistration
	for _, entry := range opts.Sinks {
		if entry.Sink == nil {
			continue
		}
		if entry.Name == "" {
			entry.Name = "sink"
		}
		if severityRank(entry.MinSeverity) < 0 {
			entry.MinSeverity = notify.SeverityInfo
		}
		sinks = append(sinks, entry)
	}

	return &Service{
		logger:  logger.With("component", "alert_notifier"),
		metrics: opts.Metrics,
		sinks:   sinks,
	}
}

// Emit implements core.AlertSink: the alert is logged, counted, and fanned
// out to every eligible sink concurrently. Delivery errors are absorbed so
// a broken webhook never breaks a monitor pass.
func (s *Service) Emit(ctx context.Context, severity model.AlertSeverity, queueName, message string, metadata map[string]string) error {
	s.logAlert(ctx, severity, queueName, message, metadata)
	metrics.EmitAlert(s.metrics, queueName, string(severity))

	payload := notify.QueueAlertPayload{
		QueueName: queueName,
		Severity:  string(severity),
		Message:   message,
		Metadata:  metadata,
	}
	if jobID, ok := metadata["job_id"]; ok {
		payload.JobID = jobID
	}
	if jobType, ok := metadata["job_type"]; ok {
		payload.JobType = jobType
	}
	if class, ok := metadata["error_class"]; ok {
		payload.ErrorClass = class
	}

	var wg sync.WaitGroup
	for _, entry := range s.sinks {
		if severityRank(string(severity)) < severityRank(entry.MinSeverity) {
			continue
		}
		wg.Add(1)
		entry := entry
		go func() {
			defer wg.Done()
			if err := entry.Sink.SendQueueAlert(ctx, payload); err != nil {
				s.logger.ErrorContext(ctx, "alert delivery error",
					"sink", entry.Name,
					"queue", queueName,
					"severity", severity,
					"error", err,
				)
			}
		}()
	}
	wg.Wait()
	return nil
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return len(s.sinks) > 0
}

func (s *Service) logAlert(ctx context.Context, severity model.AlertSeverity, queueName, message string, metadata map[string]string) {
	attrs := []any{"queue", queueName, "severity", severity, "message", message}
	for k, v := range metadata {
		attrs = append(attrs, "meta_"+k, v)
	}
	switch severity {
	case model.AlertSeverityError, model.AlertSeverityCritical:
		s.logger.ErrorContext(ctx, "queue alert", attrs...)
	case model.AlertSeverityWarning:
		s.logger.WarnContext(ctx, "queue alert", attrs...)
	default:
		s.logger.InfoContext(ctx, "queue alert", attrs...)
	}
}

func severityRank(severity string) int {
	switch severity {
	case notify.SeverityInfo:
		return 0
	case notify.SeverityWarning:
		return 1
	case notify.SeverityError:
		return 2
	case notify.SeverityCritical:
		return 3
	default:
		return -1
	}
}
