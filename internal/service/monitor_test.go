package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamfab/mediaq/config"
	"github.com/streamfab/mediaq/internal/core"
	"github.com/streamfab/mediaq/internal/data"
	"github.com/streamfab/mediaq/internal/domain/model"
)

func newTestMonitor(t *testing.T, stats core.QueueStatsProvider, alerts core.AlertSink, queues ...string) (*QueueHealthMonitor, *data.FixedTimeProvider) {
	t.Helper()
	tp := data.NewFixedTimeProvider(testBase)
	m, err := NewQueueHealthMonitor(MonitorOptions{
		Stats:  stats,
		Alerts: alerts,
		Config: config.MonitorConfig{
			Interval:                time.Minute,
			WaitingThreshold:        100,
			FailedThreshold:         10,
			MinSuccessRate:          0.9,
			ProcessingTimeThreshold: time.Minute,
			AlertMaxAge:             time.Hour,
			AlertHardCap:            20,
			AlertTrimTo:             5,
		},
		Queues: queues,
		Time:   tp,
	})
	require.NoError(t, err)
	return m, tp
}

func TestNewQueueHealthMonitor_Validation(t *testing.T) {
	_, err := NewQueueHealthMonitor(MonitorOptions{Alerts: &alertRecorder{}})
	require.Error(t, err)

	_, err = NewQueueHealthMonitor(MonitorOptions{Stats: newFakeStatsProvider()})
	require.Error(t, err)
}

func TestNewQueueHealthMonitor_DefaultsToAllQueues(t *testing.T) {
	m, _ := newTestMonitor(t, newFakeStatsProvider(), &alertRecorder{})
	assert.Len(t, m.queues, len(model.AllJobTypes()))
}

func TestMonitor_HealthyQueueRaisesNothing(t *testing.T) {
	stats := newFakeStatsProvider()
	stats.stats["video_transcode"] = model.QueueStats{Waiting: 5, Active: 2, Completed: 90, Failed: 3}
	recorder := &alertRecorder{}
	m, _ := newTestMonitor(t, stats, recorder, "video_transcode")

	m.runPass(context.Background())

	assert.Empty(t, recorder.all())
	qm, ok := m.QueueMetrics("video_transcode")
	require.True(t, ok)
	assert.Equal(t, 100, qm.TotalJobs)
	assert.InDelta(t, 0.9, qm.SuccessRate, 0.001)
}

func TestMonitor_EmptyQueueHasPerfectSuccessRate(t *testing.T) {
	stats := newFakeStatsProvider()
	stats.stats["image_process"] = model.QueueStats{}
	recorder := &alertRecorder{}
	m, _ := newTestMonitor(t, stats, recorder, "image_process")

	m.runPass(context.Background())

	assert.Empty(t, recorder.all(), "a queue that has seen no jobs is healthy")
	qm, _ := m.QueueMetrics("image_process")
	assert.Equal(t, 1.0, qm.SuccessRate)
}

func TestMonitor_Thresholds(t *testing.T) {
	tests := []struct {
		name     string
		stats    model.QueueStats
		severity model.AlertSeverity
		message  string
		meta     map[string]string
	}{
		{
			name:     "waiting backlog",
			stats:    model.QueueStats{Waiting: 150, Completed: 10000},
			severity: model.AlertSeverityWarning,
			message:  "waiting jobs above threshold: 150",
			meta:     map[string]string{"observed": "150", "threshold": "100"},
		},
		{
			name:     "failed count",
			stats:    model.QueueStats{Failed: 11, Completed: 1000},
			severity: model.AlertSeverityError,
			message:  "failed jobs above threshold: 11",
			meta:     map[string]string{"observed": "11", "threshold": "10"},
		},
		{
			name:     "paused queue",
			stats:    model.QueueStats{Completed: 10, Paused: true},
			severity: model.AlertSeverityWarning,
			message:  "queue is paused",
		},
		{
			name:     "low success rate",
			stats:    model.QueueStats{Completed: 80, Failed: 5, Waiting: 10, Active: 5},
			severity: model.AlertSeverityError,
			message:  "success rate below threshold: 0.800",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stats := newFakeStatsProvider()
			stats.stats["audio_process"] = tt.stats
			recorder := &alertRecorder{}
			m, _ := newTestMonitor(t, stats, recorder, "audio_process")

			m.runPass(context.Background())

			records := recorder.all()
			require.Len(t, records, 1, "exactly one alert per breached threshold")
			assert.Equal(t, tt.severity, records[0].severity)
			assert.Equal(t, "audio_process", records[0].queue)
			assert.Equal(t, tt.message, records[0].message)
			if tt.meta != nil {
				assert.Equal(t, tt.meta, records[0].metadata)
			}
		})
	}
}

func TestMonitor_StatsFailureRaisesSystemAlertAndContinues(t *testing.T) {
	stats := newFakeStatsProvider()
	stats.errs["video_transcode"] = fmt.Errorf("redis unreachable")
	stats.stats["image_process"] = model.QueueStats{Waiting: 150, Completed: 5000}
	recorder := &alertRecorder{}
	m, _ := newTestMonitor(t, stats, recorder, "video_transcode", "image_process")

	m.runPass(context.Background())

	system := recorder.forQueue(model.SystemQueueName)
	require.Len(t, system, 1)
	assert.Equal(t, model.AlertSeverityError, system[0].severity)
	assert.Contains(t, system[0].message, "queue health pass failed")
	assert.Contains(t, system[0].message, "redis unreachable")

	// The failing queue did not stop the healthy one from being checked.
	require.Len(t, recorder.forQueue("image_process"), 1)
}

func TestMonitor_PassesDoNotOverlap(t *testing.T) {
	stats := newFakeStatsProvider()
	recorder := &alertRecorder{}
	m, _ := newTestMonitor(t, stats, recorder, "video_transcode")

	m.mu.Lock()
	m.inPass = true
	m.mu.Unlock()

	m.runPass(context.Background())
	assert.Equal(t, 0, stats.calls, "a pass in flight skips the next tick")

	m.mu.Lock()
	m.inPass = false
	m.mu.Unlock()

	m.runPass(context.Background())
	assert.Equal(t, 1, stats.calls)
}

func TestMonitor_OnCompleted_MovingAverage(t *testing.T) {
	recorder := &alertRecorder{}
	m, _ := newTestMonitor(t, newFakeStatsProvider(), recorder, "video_transcode")
	ctx := context.Background()
	ev := core.JobEvent{JobID: "j1", QueueName: "video_transcode"}

	ev.ProcessingMS = 10_000
	m.OnCompleted(ctx, ev)
	qm, _ := m.QueueMetrics("video_transcode")
	assert.Equal(t, 10*time.Second, qm.AvgProcessingTime, "first sample is taken as-is")

	ev.ProcessingMS = 30_000
	m.OnCompleted(ctx, ev)
	qm, _ = m.QueueMetrics("video_transcode")
	assert.Equal(t, 20*time.Second, qm.AvgProcessingTime)

	assert.Empty(t, recorder.all(), "samples under the threshold raise nothing")
}

func TestMonitor_OnCompleted_SlowJobAlert(t *testing.T) {
	recorder := &alertRecorder{}
	m, _ := newTestMonitor(t, newFakeStatsProvider(), recorder, "video_transcode")

	m.OnCompleted(context.Background(), core.JobEvent{
		JobID:        "j9",
		QueueName:    "video_transcode",
		ProcessingMS: int64(2 * time.Minute / time.Millisecond),
	})

	records := recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, model.AlertSeverityWarning, records[0].severity)
	assert.Contains(t, records[0].message, "job processing time above threshold")
	assert.Equal(t, "j9", records[0].metadata["job_id"])
}

func TestMonitor_OnFailedAndOnStalled(t *testing.T) {
	recorder := &alertRecorder{}
	m, _ := newTestMonitor(t, newFakeStatsProvider(), recorder, "video_transcode")
	ctx := context.Background()

	m.OnFailed(ctx, core.JobEvent{JobID: "j1", QueueName: "video_transcode", Error: "codec not supported"})
	m.OnStalled(ctx, core.JobEvent{JobID: "j2", QueueName: "video_transcode"})

	records := recorder.all()
	require.Len(t, records, 2)
	assert.Equal(t, model.AlertSeverityError, records[0].severity)
	assert.Contains(t, records[0].message, "codec not supported")
	assert.Equal(t, model.AlertSeverityWarning, records[1].severity)
	assert.Equal(t, "j2", records[1].metadata["job_id"])
}

func TestMonitor_AlertRetention_MaxAge(t *testing.T) {
	recorder := &alertRecorder{}
	m, tp := newTestMonitor(t, newFakeStatsProvider(), recorder, "video_transcode")
	ctx := context.Background()

	m.recordAlert(ctx, "video_transcode", model.AlertSeverityInfo, "old", nil)
	tp.AddTime(2 * time.Hour)
	m.recordAlert(ctx, "video_transcode", model.AlertSeverityInfo, "fresh", nil)

	m.pruneAlerts()

	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, "fresh", alerts[0].Message)
}

func TestMonitor_AlertRetention_HardCapTrimsToNewest(t *testing.T) {
	recorder := &alertRecorder{}
	m, tp := newTestMonitor(t, newFakeStatsProvider(), recorder, "video_transcode")
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		tp.AddTime(time.Second)
		m.recordAlert(ctx, "video_transcode", model.AlertSeverityInfo, fmt.Sprintf("alert %d", i), nil)
	}

	m.pruneAlerts()

	alerts := m.Alerts()
	require.Len(t, alerts, 5, "over the hard cap the window trims to the configured size")
	assert.Equal(t, "alert 20", alerts[0].Message)
	assert.Equal(t, "alert 24", alerts[4].Message)
}

func TestMonitor_RecordAlert_DropsInvalid(t *testing.T) {
	recorder := &alertRecorder{}
	m, _ := newTestMonitor(t, newFakeStatsProvider(), recorder, "video_transcode")

	m.recordAlert(context.Background(), "", model.AlertSeverityInfo, "no queue", nil)

	assert.Empty(t, m.Alerts())
	assert.Empty(t, recorder.all())
}

func TestMonitor_StartStop(t *testing.T) {
	stats := newFakeStatsProvider()
	m, _ := newTestMonitor(t, stats, &alertRecorder{}, "video_transcode")

	require.NoError(t, m.Start())
	assert.True(t, m.Running())
	require.Error(t, m.Start(), "double start is rejected")

	m.Stop()
	assert.False(t, m.Running())

	// Stop on a stopped monitor is a no-op.
	m.Stop()

	// The startup pass ran at least once before shutdown.
	stats.mu.Lock()
	calls := stats.calls
	stats.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 1)
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	m, _ := newTestMonitor(t, newFakeStatsProvider(), &alertRecorder{}, "video_transcode")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}

func TestMonitor_RunningTracksRunLoop(t *testing.T) {
	m, _ := newTestMonitor(t, newFakeStatsProvider(), &alertRecorder{}, "video_transcode")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Run is called directly, without Start, and must still raise the flag.
	deadline := time.Now().Add(2 * time.Second)
	for !m.Running() {
		if time.Now().After(deadline) {
			t.Fatal("monitor never reported running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Stop without a Start is a no-op and must not panic or kill the loop.
	m.Stop()
	assert.True(t, m.Running())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
	assert.False(t, m.Running())
}
