// Package fallback implements the primary/fallback race used when a logical
// model has a designated backup backend.
//
// The primary call runs under a timeout; if it resolves first its result is
// returned and the fallback is never invoked. On primary failure or timeout
// the fallback runs and its outcome — success or failure — is final. The
// wrapper is single-level: a fallback that itself times out has no further
// fallback. The trade-off is explicit: bounded latency for the caller at the
// cost of occasionally duplicated work when a timed-out primary completes
// anyway and its result is discarded.
package fallback

import (
	"context"
	"fmt"
	"time"
)

// Call is an asynchronous operation participating in the race. The context
// passed to the primary is cancelled on timeout (best-effort — transports
// that ignore cancellation simply run to completion and are ignored).
type Call[T any] func(ctx context.Context) (T, error)

// Error is returned when both the primary and the fallback fail. The reported
// failure is the fallback's — it was the last attempted path — with the
// primary's error preserved for logging.
type Error struct {
	FallbackErr error
	PrimaryErr  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("fallback failed: %v (primary: %v)", e.FallbackErr, e.PrimaryErr)
}

// Unwrap exposes the fallback's error so errors.Is/As see the final cause.
func (e *Error) Unwrap() error { return e.FallbackErr }

// Race runs primary under the given timeout, deferring to fallback on
// primary failure or timeout.
//
//   - Primary resolves in time  → its result; fallback is never invoked.
//   - Primary fails or times out → fallback's result, success or failure.
//   - No fallback               → primary's original error is returned
//     unwrapped so callers see the true cause; on timeout that is
//     context.DeadlineExceeded.
//   - Both fail                 → *Error carrying both causes.
//   - timeout ≤ 0 with fallback → fallback immediately, primary not attempted.
func Race[T any](ctx context.Context, primary, fallback Call[T], timeout time.Duration) (T, error) {
	var zero T

	if timeout <= 0 {
		if fallback != nil {
			return fallback(ctx)
		}
		// No deadline and nothing to fall back to: run primary unbounded.
		return primary(ctx)
	}

	type outcome struct {
		val T
		err error
	}
	done := make(chan outcome, 1)

	primaryCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		v, err := primary(primaryCtx)
		done <- outcome{val: v, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return settle(ctx, out.val, out.err, fallback)

	case <-timer.C:
		// The primary may have finished on the exact timeout boundary; prefer
		// its outcome over invoking the fallback twice over.
		select {
		case out := <-done:
			return settle(ctx, out.val, out.err, fallback)
		default:
		}

		cancel() // best-effort cancellation; the eventual outcome is discarded

		if fallback == nil {
			return zero, context.DeadlineExceeded
		}
		v, err := fallback(ctx)
		if err != nil {
			return zero, &Error{FallbackErr: err, PrimaryErr: context.DeadlineExceeded}
		}
		return v, nil

	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// settle resolves a completed primary outcome: success passes through,
// failure defers to the fallback when one exists.
func settle[T any](ctx context.Context, val T, err error, fallback Call[T]) (T, error) {
	var zero T

	if err == nil {
		return val, nil
	}
	if fallback == nil {
		return zero, err // the primary's original error, not timeout-wrapped
	}
	v, ferr := fallback(ctx)
	if ferr != nil {
		return zero, &Error{FallbackErr: ferr, PrimaryErr: err}
	}
	return v, nil
}
