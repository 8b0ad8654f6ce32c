// Package executor runs cohorts of unit-of-work operations against
// rate-sensitive upstreams: fixed-size batches with inter-batch spacing,
// tiered per-unit retry, and a deferred retry pass for units that exhausted
// their immediate retries under 429/5xx pressure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/leadscope/backend/internal/monitoring"
	"github.com/leadscope/backend/internal/providers"
)

// Defaults match the production pacing the upstreams tolerate.
const (
	DefaultBatchSize       = 30
	DefaultBatchDelay      = 500 * time.Millisecond
	DefaultRetryDelay      = 3000 * time.Millisecond
	DefaultRetryBatchSize  = 8
	DefaultRetryBatchDelay = 800 * time.Millisecond
	DefaultBackoffBase     = 2000 * time.Millisecond

	serverAttempts    = 3 // total attempts on 5xx
	rateLimitAttempts = 2 // total attempts on 429
)

// Shortened in tests.
var (
	rateLimitDelay = 1000 * time.Millisecond
	transportDelay = 1000 * time.Millisecond
)

// RateLimitError marks a unit that exhausted its immediate 429 retries.
// The unit is not failed yet; it is queued for the deferred pass.
type RateLimitError struct {
	Unit string
	Err  error
}

func (e *RateLimitError) Error() string { return fmt.Sprintf("unit %s rate-limited: %v", e.Unit, e.Err) }
func (e *RateLimitError) Unwrap() error { return e.Err }

// ServerError marks a unit that exhausted its 5xx backoff retries.
type ServerError struct {
	Unit string
	Err  error
}

func (e *ServerError) Error() string { return fmt.Sprintf("unit %s server error: %v", e.Unit, e.Err) }
func (e *ServerError) Unwrap() error { return e.Err }

// Unit is one asynchronous unit of work.
type Unit[T any] struct {
	ID string
	Fn func(ctx context.Context) (T, error)
}

// Options tune one executor run. Zero values take the defaults above.
type Options struct {
	BatchSize       int
	BatchDelay      time.Duration
	RetryDelay      time.Duration
	RetryBatchSize  int
	RetryBatchDelay time.Duration
	BackoffBase     time.Duration

	// CanAffordNext is consulted before each cohort; returning false stops
	// the run with StoppedDueToCredits.
	CanAffordNext func(n int) bool
	// Cancelled is polled at cohort boundaries; in-flight units complete.
	Cancelled func() bool
}

func (o *Options) fill() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchDelay <= 0 {
		o.BatchDelay = DefaultBatchDelay
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.RetryBatchSize <= 0 {
		o.RetryBatchSize = DefaultRetryBatchSize
	}
	if o.RetryBatchDelay <= 0 {
		o.RetryBatchDelay = DefaultRetryBatchDelay
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
}

// Stats summarizes one run.
type Stats struct {
	Requests            int  `json:"requests"`
	FailedRequests      int  `json:"failed_requests"`
	RetrySuccess        int  `json:"retry_success"`
	RetryTotal          int  `json:"retry_total"`
	TotalBatches        int  `json:"total_batches"`
	StoppedDueToCredits bool `json:"stopped_due_to_credits"`
	StoppedDueToCancel  bool `json:"stopped_due_to_cancel"`
	// Aborted is set when a unit observed the upstream account depleted;
	// no further cohorts are launched.
	Aborted bool `json:"aborted"`
}

// Success pairs a unit id with its value.
type Success[T any] struct {
	ID    string
	Value T
}

// Failure pairs a unit id with its final error.
type Failure struct {
	ID  string
	Err error
}

// Result of a run. Unprocessed returns the units never attempted.
type Result[T any] struct {
	Successes   []Success[T]
	Failures    []Failure
	Unprocessed []string
	Stats       Stats
}

var execLogger = log.New(log.Writer(), "[Executor] ", log.LstdFlags)

// Run executes units in cohorts. Cancellation and credit gating are observed
// at cohort boundaries only; units already in flight always complete.
func Run[T any](ctx context.Context, units []Unit[T], opts Options) *Result[T] {
	opts.fill()
	result := &Result[T]{}
	var aborted atomic.Bool

	var deferred []Unit[T]
	stopped := runPass(ctx, units, opts.BatchSize, opts.BatchDelay, &opts, result, &aborted, func(u Unit[T], err error) {
		var rle *RateLimitError
		var se *ServerError
		if errors.As(err, &rle) || errors.As(err, &se) {
			deferred = append(deferred, u)
			return
		}
		result.Failures = append(result.Failures, Failure{ID: u.ID, Err: err})
	}, true)

	if !stopped && len(deferred) > 0 && !aborted.Load() {
		execLogger.Printf("deferred retry pass: %d units after %s pre-wait", len(deferred), opts.RetryDelay)
		if sleepCtx(ctx, opts.RetryDelay) {
			// RetryTotal counts only units the deferred pass actually attempts.
			result.Stats.RetryTotal = len(deferred)
			monitoring.ExecutorRetry("deferred", len(deferred))
			runPass(ctx, deferred, opts.RetryBatchSize, opts.RetryBatchDelay, &opts, result, &aborted, func(u Unit[T], err error) {
				result.Failures = append(result.Failures, Failure{ID: u.ID, Err: err})
			}, false)
		} else {
			result.Stats.StoppedDueToCancel = true
			markUnprocessed(deferred, result)
		}
	} else if len(deferred) > 0 {
		// Run ended before the deferred pass could start.
		markUnprocessed(deferred, result)
	}

	result.Stats.FailedRequests = len(result.Failures)
	result.Stats.Aborted = aborted.Load()
	return result
}

// runPass runs one batched pass. onFailure decides whether a unit failure is
// final or queued for the deferred pass. Returns true when the pass stopped
// early (cancel, credits, abort); unattempted units land in Unprocessed.
func runPass[T any](
	ctx context.Context,
	units []Unit[T],
	batchSize int,
	batchDelay time.Duration,
	opts *Options,
	result *Result[T],
	aborted *atomic.Bool,
	onFailure func(Unit[T], error),
	withRetries bool,
) bool {
	var mu sync.Mutex

	for start := 0; start < len(units); start += batchSize {
		end := start + batchSize
		if end > len(units) {
			end = len(units)
		}
		batch := units[start:end]

		// Cohort boundary: cancel, abort and credit checks happen here and
		// only here.
		if ctx.Err() != nil || (opts.Cancelled != nil && opts.Cancelled()) {
			result.Stats.StoppedDueToCancel = true
			markUnprocessed(units[start:], result)
			return true
		}
		if aborted.Load() {
			markUnprocessed(units[start:], result)
			return true
		}
		if opts.CanAffordNext != nil && !opts.CanAffordNext(len(batch)) {
			result.Stats.StoppedDueToCredits = true
			markUnprocessed(units[start:], result)
			return true
		}

		if start > 0 {
			if !sleepCtx(ctx, batchDelay) {
				result.Stats.StoppedDueToCancel = true
				markUnprocessed(units[start:], result)
				return true
			}
		}

		result.Stats.TotalBatches++

		var wg sync.WaitGroup
		for _, unit := range batch {
			wg.Add(1)
			go func(u Unit[T]) {
				defer wg.Done()

				// A sibling unit may have observed the upstream account
				// depleted; units that have not started yet are skipped.
				if aborted.Load() {
					mu.Lock()
					result.Unprocessed = append(result.Unprocessed, u.ID)
					mu.Unlock()
					return
				}

				var value T
				var err error
				if withRetries {
					value, err = runUnit(ctx, u, opts.BackoffBase, aborted)
				} else {
					// Deferred pass: exactly one more attempt.
					value, err = u.Fn(ctx)
					checkAbort(err, aborted)
				}

				mu.Lock()
				defer mu.Unlock()
				result.Stats.Requests++
				if err != nil {
					onFailure(u, err)
					return
				}
				if !withRetries {
					result.Stats.RetrySuccess++
				}
				result.Successes = append(result.Successes, Success[T]{ID: u.ID, Value: value})
			}(unit)
		}
		wg.Wait()
	}
	return false
}

// runUnit applies the immediate retry tiers:
//   - 5xx: exponential backoff base, 2*base, up to 3 attempts, then ServerError
//   - 429: up to 2 attempts 1s apart, then RateLimitError (deferred, not failed)
//   - transport: one retry after 1s
//   - other 4xx and unknown: fail immediately
func runUnit[T any](ctx context.Context, u Unit[T], backoffBase time.Duration, aborted *atomic.Bool) (T, error) {
	var zero T
	serverTries := 0
	rateLimitTries := 0
	transportRetried := false

	for {
		value, err := u.Fn(ctx)
		if err == nil {
			return value, nil
		}
		if checkAbort(err, aborted) {
			return zero, err
		}

		var apiErr *providers.APIError
		if !errors.As(err, &apiErr) {
			return zero, err
		}

		switch apiErr.Kind {
		case providers.KindServerError:
			serverTries++
			if serverTries >= serverAttempts {
				return zero, &ServerError{Unit: u.ID, Err: err}
			}
			monitoring.ExecutorRetry("immediate", 1)
			if !sleepCtx(ctx, time.Duration(serverTries)*backoffBase) {
				return zero, ctx.Err()
			}

		case providers.KindRateLimited:
			rateLimitTries++
			if rateLimitTries >= rateLimitAttempts {
				return zero, &RateLimitError{Unit: u.ID, Err: err}
			}
			monitoring.ExecutorRetry("immediate", 1)
			if !sleepCtx(ctx, rateLimitDelay) {
				return zero, ctx.Err()
			}

		case providers.KindNetwork:
			if transportRetried {
				return zero, err
			}
			transportRetried = true
			monitoring.ExecutorRetry("immediate", 1)
			if !sleepCtx(ctx, transportDelay) {
				return zero, ctx.Err()
			}

		default:
			// bad-request, insufficient-credits, unknown
			return zero, err
		}
	}
}

func checkAbort(err error, aborted *atomic.Bool) bool {
	var apiErr *providers.APIError
	if errors.As(err, &apiErr) && apiErr.Kind == providers.KindInsufficientCredits {
		aborted.Store(true)
		return true
	}
	return false
}

func markUnprocessed[T any](units []Unit[T], result *Result[T]) {
	for _, u := range units {
		result.Unprocessed = append(result.Unprocessed, u.ID)
	}
}

// sleepCtx sleeps for d unless the context ends first. Returns false when
// interrupted.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
