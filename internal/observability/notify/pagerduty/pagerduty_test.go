package pagerduty

import (
	"testing"
	"time"

	"github.com/streamfab/mediaq/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when routing key missing")
	}
}

func TestBuildEvent(t *testing.T) {
	client, err := NewClient(Config{
		RoutingKey: "rk-test",
		Source:     "mediaq-test",
		Component:  "monitor",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	event := client.buildEvent(notify.QueueAlertPayload{
		QueueName:  "video_transcode",
		Severity:   notify.SeverityError,
		Message:    "failed count 150 exceeds threshold 100",
		JobID:      "job-1",
		JobType:    "video_transcode",
		ErrorClass: "transcode_error",
		OccurredAt: occurred,
		Metadata:   map[string]string{"observed": "150", "queue_name": "should-not-override"},
	})

	if event["routing_key"] != "rk-test" {
		t.Fatalf("routing_key = %v", event["routing_key"])
	}
	if event["event_action"] != "trigger" {
		t.Fatalf("event_action = %v", event["event_action"])
	}
	if event["dedup_key"] != "video_transcode:job-1" {
		t.Fatalf("dedup_key = %v", event["dedup_key"])
	}

	payload, ok := event["payload"].(map[string]any)
	if !ok {
		t.Fatal("expected payload map")
	}
	if payload["severity"] != "error" {
		t.Fatalf("severity = %v", payload["severity"])
	}
	if payload["source"] != "mediaq-test" {
		t.Fatalf("source = %v", payload["source"])
	}
	if payload["timestamp"] != "2026-03-01T12:00:00Z" {
		t.Fatalf("timestamp = %v", payload["timestamp"])
	}

	custom, ok := payload["custom_details"].(map[string]any)
	if !ok {
		t.Fatal("expected custom_details map")
	}
	if custom["queue_name"] != "video_transcode" {
		t.Fatalf("metadata must not override canonical fields, got %v", custom["queue_name"])
	}
	if custom["observed"] != "150" {
		t.Fatalf("metadata missing, got %v", custom["observed"])
	}
}

func TestBuildEventDedupKeyWithoutJob(t *testing.T) {
	client, err := NewClient(Config{RoutingKey: "rk"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := client.buildEvent(notify.QueueAlertPayload{QueueName: "system"})
	if event["dedup_key"] != "system" {
		t.Fatalf("dedup_key = %v, want system", event["dedup_key"])
	}
}

func TestNormalizeSeverity(t *testing.T) {
	tests := map[string]string{
		"info":     "info",
		"WARNING":  "warning",
		" error ":  "error",
		"critical": "critical",
		"bogus":    "warning",
		"":         "warning",
	}

	for input, want := range tests {
		if got := normalizeSeverity(input); got != want {
			t.Fatalf("normalizeSeverity(%q) = %q, want %q", input, got, want)
		}
	}
}
