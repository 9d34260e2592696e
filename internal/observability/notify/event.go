package notify

import (
	"context"
	"time"
)

// Severity constants recognised by downstream sinks.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// QueueAlertPayload captures the canonical data we emit for queue alert notifications.
type QueueAlertPayload struct {
	QueueName  string
	Severity   string
	Message    string
	JobID      string
	JobType    string
	ErrorClass string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Sink describes a destination capable of consuming queue alert notifications.
type Sink interface {
	SendQueueAlert(ctx context.Context, payload QueueAlertPayload) error
}

// SinkFunc adapts a function to the Sink interface (useful for tests).
type SinkFunc func(ctx context.Context, payload QueueAlertPayload) error

// SendQueueAlert implements the Sink interface.
func (f SinkFunc) SendQueueAlert(ctx context.Context, payload QueueAlertPayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}
