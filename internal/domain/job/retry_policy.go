// Package job holds the pure lifecycle and retry logic for media jobs.
package job

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

const (
	// DefaultInitialDelay is the base delay before the first retry.
	DefaultInitialDelay = 60 * time.Second
	// DefaultBackoffMultiplier doubles the delay on each subsequent retry.
	DefaultBackoffMultiplier = 2.0
	// jitterFraction bounds the positive jitter added to each delay.
	jitterFraction = 0.10
)

// ErrInvalidRetryPolicy indicates the configured backoff parameters are unusable.
var ErrInvalidRetryPolicy = errors.New("retry policy requires a positive initial delay and a multiplier >= 1")

// RetryPolicyConfig configures a RetryPolicy.
type RetryPolicyConfig struct {
	InitialDelay time.Duration
	Multiplier   float64

	// Rand supplies uniform values in [0, 1) for jitter. Defaults to
	// math/rand/v2; tests inject a fixed source to pin the bounds.
	Rand func() float64
}

// RetryPolicy computes the delay before a failed job's next attempt using
// exponential backoff with bounded positive jitter. The delay for a job
// that has already made n attempts is:
//
//	initialDelay * multiplier^n, plus uniform jitter in [0, 10%) of that.
type RetryPolicy struct {
	initialDelay time.Duration
	multiplier   float64
	rand         func() float64
}

// NewRetryPolicy constructs a RetryPolicy from the given configuration.
func NewRetryPolicy(cfg RetryPolicyConfig) (*RetryPolicy, error) {
	if cfg.InitialDelay <= 0 || cfg.Multiplier < 1 {
		return nil, ErrInvalidRetryPolicy
	}
	r := cfg.Rand
	if r == nil {
		r = rand.Float64
	}
	return &RetryPolicy{
		initialDelay: cfg.InitialDelay,
		multiplier:   cfg.Multiplier,
		rand:         r,
	}, nil
}

// DefaultRetryPolicy returns the policy used when a queue does not override
// backoff: 60s initial delay doubling per attempt.
func DefaultRetryPolicy() *RetryPolicy {
	policy, err := NewRetryPolicy(RetryPolicyConfig{
		InitialDelay: DefaultInitialDelay,
		Multiplier:   DefaultBackoffMultiplier,
	})
	if err != nil {
		// Unreachable with the constants above.
		panic(err)
	}
	return policy
}

// RetryDecision captures one computed backoff step.
type RetryDecision struct {
	// AttemptsMade is the attempt count the delay was derived from.
	AttemptsMade int
	// RawDelay is the deterministic lower bound of the delay.
	RawDelay time.Duration
	// Delay is RawDelay plus jitter; always in [RawDelay, RawDelay*1.10).
	Delay time.Duration
	// NextRetryAt is the moment the job becomes ready for retry.
	NextRetryAt time.Time
}

// Next computes the retry time for a job that has already made attemptsMade
// attempts, measured from now. The result is never zero or negative.
func (p *RetryPolicy) Next(attemptsMade int, now time.Time) RetryDecision {
	if attemptsMade < 0 {
		attemptsMade = 0
	}

	raw := time.Duration(float64(p.initialDelay) * math.Pow(p.multiplier, float64(attemptsMade)))
	jitter := time.Duration(p.rand() * jitterFraction * float64(raw))
	delay := raw + jitter

	return RetryDecision{
		AttemptsMade: attemptsMade,
		RawDelay:     raw,
		Delay:        delay,
		NextRetryAt:  now.Add(delay),
	}
}
