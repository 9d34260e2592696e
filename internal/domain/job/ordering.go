package job

import (
	"slices"
	"time"

	"github.com/streamfab/mediaq/internal/domain/model"
)

// Ready-queue ordering contract. The SQL queries in the data layer must
// produce the same order; these comparators are the reference used by the
// in-memory repository and by tests.

// ComparePendingReady orders pending-ready jobs: priority descending, then
// createdAt ascending (oldest first within the same priority).
func ComparePendingReady(a, b model.Job) int {
	if a.Priority != b.Priority {
		return b.Priority - a.Priority
	}
	return a.CreatedAt.Compare(b.CreatedAt)
}

// CompareRetryReady orders retry-ready jobs: priority descending, then
// nextRetryAt ascending (soonest-eligible first).
func CompareRetryReady(a, b model.Job) int {
	if a.Priority != b.Priority {
		return b.Priority - a.Priority
	}
	return retryAt(a).Compare(retryAt(b))
}

func retryAt(j model.Job) time.Time {
	if j.NextRetryAt == nil {
		return time.Time{}
	}
	return *j.NextRetryAt
}

// SortPendingReady sorts jobs in place per the pending-ready contract.
func SortPendingReady(jobs []model.Job) {
	slices.SortStableFunc(jobs, ComparePendingReady)
}

// SortRetryReady sorts jobs in place per the retry-ready contract.
func SortRetryReady(jobs []model.Job) {
	slices.SortStableFunc(jobs, CompareRetryReady)
}
