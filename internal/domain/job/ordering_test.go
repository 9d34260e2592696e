package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/streamfab/mediaq/internal/domain/model"
)

func orderedJob(id string, priority int, createdAt time.Time) model.Job {
	return model.Job{ID: id, Priority: priority, CreatedAt: createdAt}
}

func ids(jobs []model.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func TestSortPendingReady_PriorityThenAge(t *testing.T) {
	jobs := []model.Job{
		orderedJob("low-new", 2, base),
		orderedJob("high", 9, base.Add(time.Minute)),
		orderedJob("low-old", 2, base.Add(-time.Hour)),
		orderedJob("normal", 5, base),
	}

	SortPendingReady(jobs)

	assert.Equal(t, []string{"high", "normal", "low-old", "low-new"}, ids(jobs))
}

func TestSortPendingReady_StableWithinTies(t *testing.T) {
	jobs := []model.Job{
		orderedJob("first", 5, base),
		orderedJob("second", 5, base),
		orderedJob("third", 5, base),
	}

	SortPendingReady(jobs)

	assert.Equal(t, []string{"first", "second", "third"}, ids(jobs))
}

func TestSortRetryReady_PriorityThenSoonestGate(t *testing.T) {
	at := func(d time.Duration) *time.Time {
		ts := base.Add(d)
		return &ts
	}
	jobs := []model.Job{
		{ID: "low-soon", Priority: 2, NextRetryAt: at(time.Minute)},
		{ID: "high-late", Priority: 8, NextRetryAt: at(time.Hour)},
		{ID: "high-soon", Priority: 8, NextRetryAt: at(time.Minute)},
	}

	SortRetryReady(jobs)

	assert.Equal(t, []string{"high-soon", "high-late", "low-soon"}, ids(jobs))
}

func TestSortRetryReady_NilGateSortsFirst(t *testing.T) {
	ts := base.Add(time.Minute)
	jobs := []model.Job{
		{ID: "gated", Priority: 5, NextRetryAt: &ts},
		{ID: "ungated", Priority: 5},
	}

	SortRetryReady(jobs)

	assert.Equal(t, []string{"ungated", "gated"}, ids(jobs))
}

func TestComparePendingReady(t *testing.T) {
	a := orderedJob("a", 9, base)
	b := orderedJob("b", 2, base.Add(-time.Hour))

	assert.Negative(t, ComparePendingReady(a, b))
	assert.Positive(t, ComparePendingReady(b, a))
	assert.Zero(t, ComparePendingReady(a, a))
}
