package model

import (
	"errors"
	"strings"
	"time"
)

// AlertSeverity represents the severity level of a queue health alert.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityError    AlertSeverity = "error"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Valid returns true if the alert severity is valid.
func (s AlertSeverity) Valid() bool {
	switch s {
	case AlertSeverityInfo, AlertSeverityWarning, AlertSeverityError, AlertSeverityCritical:
		return true
	default:
		return false
	}
}

// String returns the string representation of the alert severity.
func (s AlertSeverity) String() string {
	return string(s)
}

// SystemQueueName tags alerts that describe monitor infrastructure failures
// rather than a specific processing queue.
const SystemQueueName = "system"

// QueueAlert represents one fired queue health alert.
type QueueAlert struct {
	ID        string            `json:"id"`
	QueueName string            `json:"queue_name"`
	Severity  AlertSeverity     `json:"severity"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	FiredAt   time.Time         `json:"fired_at"`
}

// Normalize trims free-form fields in place.
func (a *QueueAlert) Normalize() {
	a.QueueName = strings.TrimSpace(a.QueueName)
	a.Message = strings.TrimSpace(a.Message)
}

// Validate validates the QueueAlert fields.
func (a *QueueAlert) Validate() error {
	if a.QueueName == "" {
		return errors.New("queue name is required")
	}
	if !a.Severity.Valid() {
		return errors.New("invalid severity")
	}
	if a.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

// QueueStats is the aggregate per-queue snapshot reported by the queue runtime.
type QueueStats struct {
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Delayed   int  `json:"delayed"`
	Paused    bool `json:"paused"`
}

// TotalJobs returns the number of jobs the queue has seen across the
// counted states.
func (s QueueStats) TotalJobs() int {
	return s.Completed + s.Failed + s.Active + s.Waiting
}

// SuccessRate returns completed/total, defined as 1 when the queue has seen
// no jobs.
func (s QueueStats) SuccessRate() float64 {
	total := s.TotalJobs()
	if total == 0 {
		return 1
	}
	return float64(s.Completed) / float64(total)
}

// QueueMetrics is the rolling per-queue snapshot the health monitor maintains.
type QueueMetrics struct {
	QueueName         string        `json:"queue_name"`
	Stats             QueueStats    `json:"stats"`
	TotalJobs         int           `json:"total_jobs"`
	SuccessRate       float64       `json:"success_rate"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	LastUpdated       time.Time     `json:"last_updated"`
}

// ObserveProcessingTime folds a completed job's processing time into the
// two-sample moving average: avg' = (avg + sample) / 2. The first sample
// becomes the average as-is.
func (m *QueueMetrics) ObserveProcessingTime(sample time.Duration) {
	if m.AvgProcessingTime == 0 {
		m.AvgProcessingTime = sample
		return
	}
	m.AvgProcessingTime = (m.AvgProcessingTime + sample) / 2
}
