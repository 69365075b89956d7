// Package retry wraps fallible feed and store calls with bounded
// exponential backoff and consecutive-failure escalation tracking.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy configures the backoff behaviour of an Executor.
type Policy struct {
	// MaxAttempts bounds the total number of attempts per call
	MaxAttempts uint

	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration

	// MaxDelay caps the delay between retries
	MaxDelay time.Duration

	// Factor is the exponential backoff multiplier
	Factor float64

	// EscalationThreshold is the consecutive-failure count at which
	// an exhausted call is flagged for escalation
	EscalationThreshold int
}

// DefaultPolicy mirrors the upstream defaults: three attempts,
// 1s..60s exponential delay doubling each retry, escalation after
// five consecutive failures.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:         3,
		BaseDelay:           time.Second,
		MaxDelay:            time.Minute,
		Factor:              2.0,
		EscalationThreshold: 5,
	}
}

// ExhaustedError reports that an operation failed on every attempt.
// Escalate is set when the operation's consecutive-exhaustion count
// has reached the policy's escalation threshold; the scheduler reacts
// by entering its backoff window.
type ExhaustedError struct {
	Operation string
	Attempts  uint
	Escalate  bool
	Err       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation %q failed after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err wraps an ExhaustedError and returns
// it if so.
func IsExhausted(err error) (*ExhaustedError, bool) {
	var exhausted *ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted, true
	}
	return nil, false
}

// Executor runs operations under a Policy while tracking consecutive
// failures per operation name in a shared Tracker.
type Executor struct {
	policy  Policy
	tracker *Tracker
	logger  *slog.Logger
}

// NewExecutor creates an Executor. The tracker is required so that
// callers can share counters across executor instances; a nil logger
// falls back to the default.
func NewExecutor(policy Policy, tracker *Tracker, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{policy: policy, tracker: tracker, logger: logger}
}

// Tracker returns the shared consecutive-failure tracker.
func (e *Executor) Tracker() *Tracker {
	return e.tracker
}

// Do runs fn under the executor's policy. A call that exhausts every
// attempt increments the named consecutive-exhaustion counter and
// returns the last error wrapped in an ExhaustedError, flagged for
// escalation once the counter reaches the threshold; the first
// successful call resets the counter. Cancelling the context during a
// backoff sleep ends the call without a further attempt and without
// counting an exhaustion.
func Do[T any](ctx context.Context, e *Executor, operation string, fn func(context.Context) (T, error)) (T, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.policy.BaseDelay
	expo.MaxInterval = e.policy.MaxDelay
	expo.Multiplier = e.policy.Factor
	expo.RandomizationFactor = 0

	var attempt uint
	op := func() (T, error) {
		attempt++
		result, err := fn(ctx)
		if err != nil {
			e.logger.Warn("attempt failed",
				"operation", operation,
				"attempt", attempt,
				"max_attempts", e.policy.MaxAttempts,
				"error", err)
			return result, err
		}
		e.tracker.Reset(operation)
		return result, nil
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(e.policy.MaxAttempts),
	)
	if err == nil {
		return result, nil
	}

	// A cancelled context during a backoff sleep ends the call; it is
	// not an exhaustion of the policy.
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	count := e.tracker.Record(operation)
	escalate := count >= e.policy.EscalationThreshold
	if escalate {
		e.logger.Error("operation escalated after repeated failures",
			"operation", operation,
			"consecutive_exhaustions", count)
	}

	return result, &ExhaustedError{
		Operation: operation,
		Attempts:  attempt,
		Escalate:  escalate,
		Err:       err,
	}
}
