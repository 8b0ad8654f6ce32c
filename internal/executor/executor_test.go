package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadscope/backend/internal/providers"
)

func fastOpts() Options {
	return Options{
		BatchSize:       30,
		BatchDelay:      time.Millisecond,
		RetryDelay:      time.Millisecond,
		RetryBatchSize:  8,
		RetryBatchDelay: time.Millisecond,
		BackoffBase:     time.Millisecond,
	}
}

func init() {
	rateLimitDelay = time.Millisecond
	transportDelay = time.Millisecond
}

func okUnit(id string) Unit[string] {
	return Unit[string]{ID: id, Fn: func(context.Context) (string, error) { return id, nil }}
}

func TestRunAllSucceed(t *testing.T) {
	var units []Unit[string]
	for i := 0; i < 5; i++ {
		units = append(units, okUnit(fmt.Sprintf("u%d", i)))
	}
	opts := fastOpts()
	opts.BatchSize = 2

	res := Run(context.Background(), units, opts)
	assert.Len(t, res.Successes, 5)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 5, res.Stats.Requests)
	assert.Equal(t, 0, res.Stats.FailedRequests)
	assert.Equal(t, 3, res.Stats.TotalBatches)
}

// Twenty of thirty units hit a sustained 429 in the main pass and all recover
// on the deferred pass.
func TestRateLimitedUnitsRecoverOnDeferredPass(t *testing.T) {
	calls := make([]atomic.Int32, 30)
	var units []Unit[int]
	for i := 0; i < 30; i++ {
		i := i
		limited := i < 20
		units = append(units, Unit[int]{
			ID: fmt.Sprintf("u%d", i),
			Fn: func(context.Context) (int, error) {
				n := calls[i].Add(1)
				// Rate-limited units fail both immediate attempts; the
				// deferred attempt (third call) succeeds.
				if limited && n <= rateLimitAttempts {
					return 0, providers.NewHTTPError("lookup", 429, "slow down")
				}
				return i, nil
			},
		})
	}

	res := Run(context.Background(), units, fastOpts())

	assert.Len(t, res.Successes, 30)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 20, res.Stats.RetryTotal)
	assert.Equal(t, 20, res.Stats.RetrySuccess)
	assert.Equal(t, 0, res.Stats.FailedRequests)
	assert.False(t, res.Stats.Aborted)
}

func TestServerErrorBackoffThenDeferredThenFail(t *testing.T) {
	var calls atomic.Int32
	units := []Unit[int]{{
		ID: "u0",
		Fn: func(context.Context) (int, error) {
			calls.Add(1)
			return 0, providers.NewHTTPError("search", 503, "boom")
		},
	}}

	res := Run(context.Background(), units, fastOpts())

	// Three backoff attempts in the main pass plus exactly one deferred.
	assert.Equal(t, int32(serverAttempts+1), calls.Load())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 1, res.Stats.RetryTotal)
	assert.Equal(t, 0, res.Stats.RetrySuccess)
	assert.Equal(t, 1, res.Stats.FailedRequests)
}

func TestBadRequestFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	units := []Unit[int]{{
		ID: "u0",
		Fn: func(context.Context) (int, error) {
			calls.Add(1)
			return 0, providers.NewHTTPError("search", 404, "no such person")
		},
	}}

	res := Run(context.Background(), units, fastOpts())
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 0, res.Stats.RetryTotal, "4xx never reaches the deferred pass")
}

func TestTransportRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	units := []Unit[int]{{
		ID: "u0",
		Fn: func(context.Context) (int, error) {
			if calls.Add(1) == 1 {
				return 0, providers.NewNetworkError("lookup", errors.New("connection reset"))
			}
			return 7, nil
		},
	}}

	res := Run(context.Background(), units, fastOpts())
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, res.Successes, 1)
	assert.Equal(t, 7, res.Successes[0].Value)
}

func TestInsufficientCreditsAbortsRun(t *testing.T) {
	var units []Unit[int]
	units = append(units, Unit[int]{
		ID: "depleted",
		Fn: func(context.Context) (int, error) {
			return 0, providers.NewHTTPError("lookup", 401, "out of credits")
		},
	})
	for i := 1; i < 10; i++ {
		i := i
		units = append(units, Unit[int]{ID: fmt.Sprintf("u%d", i), Fn: func(context.Context) (int, error) { return i, nil }})
	}
	opts := fastOpts()
	opts.BatchSize = 1

	res := Run(context.Background(), units, opts)

	assert.True(t, res.Stats.Aborted)
	// Nothing past the depleted unit runs.
	assert.Empty(t, res.Successes)
	assert.Len(t, res.Unprocessed, 9)
	require.Len(t, res.Failures, 1)
	var apiErr *providers.APIError
	require.True(t, errors.As(res.Failures[0].Err, &apiErr))
	assert.Equal(t, providers.KindInsufficientCredits, apiErr.Kind)
}

func TestCancelObservedAtCohortBoundary(t *testing.T) {
	var done atomic.Int32
	var units []Unit[int]
	for i := 0; i < 6; i++ {
		i := i
		units = append(units, Unit[int]{ID: fmt.Sprintf("u%d", i), Fn: func(context.Context) (int, error) {
			done.Add(1)
			return i, nil
		}})
	}
	opts := fastOpts()
	opts.BatchSize = 2
	opts.Cancelled = func() bool { return done.Load() >= 2 }

	res := Run(context.Background(), units, opts)

	assert.True(t, res.Stats.StoppedDueToCancel)
	assert.Len(t, res.Successes, 2, "in-flight cohort completes")
	assert.Len(t, res.Unprocessed, 4)
}

// A cancel during the pre-wait means the deferred pass never launches, so
// its units count as unprocessed, not as retries.
func TestCancelDuringRetryPreWaitSkipsDeferredPass(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int32

	const n = 4
	var units []Unit[int]
	for i := 0; i < n; i++ {
		i := i
		units = append(units, Unit[int]{
			ID: fmt.Sprintf("u%d", i),
			Fn: func(context.Context) (int, error) {
				// Cancel once every unit has burned both immediate attempts.
				if calls.Add(1) == n*rateLimitAttempts {
					cancel()
				}
				return 0, providers.NewHTTPError("lookup", 429, "slow down")
			},
		})
	}
	opts := fastOpts()
	opts.RetryDelay = 200 * time.Millisecond

	res := Run(ctx, units, opts)

	assert.Equal(t, int32(n*rateLimitAttempts), calls.Load(), "no deferred attempts ran")
	assert.Equal(t, 0, res.Stats.RetryTotal)
	assert.Equal(t, 0, res.Stats.RetrySuccess)
	assert.True(t, res.Stats.StoppedDueToCancel)
	assert.Len(t, res.Unprocessed, n)
	assert.Empty(t, res.Successes)
}

func TestCreditGateStopsRun(t *testing.T) {
	var affordCalls atomic.Int32
	var units []Unit[int]
	for i := 0; i < 4; i++ {
		i := i
		units = append(units, Unit[int]{ID: fmt.Sprintf("u%d", i), Fn: func(context.Context) (int, error) { return i, nil }})
	}
	opts := fastOpts()
	opts.BatchSize = 2
	opts.CanAffordNext = func(n int) bool {
		assert.Equal(t, 2, n)
		return affordCalls.Add(1) == 1
	}

	res := Run(context.Background(), units, opts)

	assert.True(t, res.Stats.StoppedDueToCredits)
	assert.Len(t, res.Successes, 2)
	assert.Len(t, res.Unprocessed, 2)
}
