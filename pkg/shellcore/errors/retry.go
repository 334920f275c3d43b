package errors

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds how often an operation is attempted.
type Policy struct {
	// Attempts is the total number of attempts, including the first.
	// Values below one mean one.
	Attempts int

	// Backoff is the pause between attempts. Zero retries immediately.
	Backoff time.Duration

	// Retryable decides whether a failure gets another attempt.
	// Default: IsRetryable.
	Retryable func(error) bool

	// Before runs ahead of every attempt after the first, with the
	// one-based number of the attempt about to run. Storage writes use it
	// to free space before trying again.
	Before func(attempt int, lastErr error)
}

// Once retries any failure one time, immediately.
var Once = Policy{
	Attempts:  2,
	Retryable: func(error) bool { return true },
}

// Outcome reports how a retried operation ended.
type Outcome struct {
	Attempts int
	Err      error
}

// Do runs fn under policy p. It stops early when ctx is done, when fn
// succeeds, or when the failure is not retryable. The returned error keeps
// the last failure's category.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) Outcome {
	attempts := max(p.Attempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var last error
	for n := 1; n <= attempts; n++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Attempts: n - 1, Err: Permanent(err, "retry")}
		}
		if n > 1 && p.Before != nil {
			p.Before(n, last)
		}

		last = fn(ctx)
		if last == nil {
			return Outcome{Attempts: n}
		}
		if !retryable(last) {
			return Outcome{Attempts: n, Err: last}
		}
		if n < attempts && p.Backoff > 0 {
			t := time.NewTimer(p.Backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return Outcome{Attempts: n, Err: Permanent(ctx.Err(), "retry")}
			case <-t.C:
			}
		}
	}
	return Outcome{
		Attempts: attempts,
		Err:      &Error{Op: fmt.Sprintf("gave up after %d attempts", attempts), Err: last, Category: Categorize(last)},
	}
}
