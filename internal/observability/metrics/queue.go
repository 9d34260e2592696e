package metrics

import (
	"time"

	obserrors "github.com/streamfab/mediaq/internal/observability/errors"
	"github.com/streamfab/mediaq/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	JobType    string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"job_type":   in.JobType,
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// QueueDepthMetric captures a point-in-time queue stats snapshot for emission.
type QueueDepthMetric struct {
	QueueName   string
	Waiting     int64
	Active      int64
	Failed      int64
	Delayed     int64
	SuccessRate float64
}

// EmitQueueDepth emits per-queue gauge metrics from a monitor pass.
func EmitQueueDepth(sink statsd.Sink, in QueueDepthMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{"queue": in.QueueName}

	sink.Gauge("queue.waiting", float64(in.Waiting), tags)
	sink.Gauge("queue.active", float64(in.Active), tags)
	sink.Gauge("queue.failed", float64(in.Failed), tags)
	sink.Gauge("queue.delayed", float64(in.Delayed), tags)
	sink.Gauge("queue.success_rate", in.SuccessRate, tags)
}

// EmitAlert counts an alert emission tagged by severity and queue.
func EmitAlert(sink statsd.Sink, queueName, severity string) {
	if sink == nil {
		return
	}
	sink.Count("queue.alert", 1, map[string]string{
		"queue":    queueName,
		"severity": severity,
	})
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
