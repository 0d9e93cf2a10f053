// Package retry drives attempts through a policy table: each attempt is
// classified, the table decides whether and how long to wait, and the loop
// stops on success, a final class, or a counted class past the ceiling.
package retry

import (
	"context"
	"time"
)

// Sleeper waits d, returning early with ctx's error.
type Sleeper func(ctx context.Context, d time.Duration) error

// AttemptFunc runs one attempt. It returns the attempt's class, the delay the
// remote side asked for (zero if none) and the error behind a failed attempt.
type AttemptFunc func(ctx context.Context, attempt int) (Class, time.Duration, error)

// Loop runs attempts sequentially on the calling goroutine.
type Loop struct {
	Policy Policy
	Sleep  Sleeper // defaults to Sleep

	// OnRetry, if set, is called before each backoff.
	OnRetry func(c Class, s State, wait time.Duration, err error)
}

// Result describes how a loop ended.
type Result struct {
	Class     Class // class of the last attempt, Aborted if a backoff was cut short
	State     State
	Exhausted bool
	Err       error // error of the last attempt, or ctx's error when aborted
}

// OK reports whether the last attempt succeeded.
func (r Result) OK() bool { return r.Class == Success }

// Run calls fn until it succeeds or the policy stops it.
func (l Loop) Run(ctx context.Context, fn AttemptFunc) Result {
	sleep := l.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var r Result
	for {
		r.State.Attempt++
		class, retryAfter, err := fn(ctx, r.State.Attempt)
		r.Class, r.Err = class, err
		if class == Success {
			return r
		}

		if l.Policy.Counts(class) {
			r.State.Counted++
		}
		r.State.RetryAfter = retryAfter
		dec := l.Policy.Decide(class, r.State)
		if dec.Exhausted {
			r.Exhausted = true
			return r
		}
		if !dec.Retry {
			return r
		}

		if l.OnRetry != nil {
			l.OnRetry(class, r.State, dec.Wait, err)
		}
		if err := sleep(ctx, dec.Wait); err != nil {
			r.Class, r.Err = Aborted, err
			return r
		}
	}
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
