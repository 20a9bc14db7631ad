// Package retry runs startup operations, such as connecting a storage
// backend, with exponential backoff. The service itself never retries; this
// is for the daemon around it.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rbaliyan/mailsync"
)

// ErrExhausted is matched by the error returned when every attempt failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy configures Do.
type Policy struct {
	// Attempts is the total number of tries (default: 5).
	Attempts int

	// Initial is the delay after the first failure (default: 200ms).
	Initial time.Duration

	// Max caps a single delay (default: 15s).
	Max time.Duration

	// Jitter spreads delays by +/- that fraction (default: 0.1).
	Jitter float64

	// Retryable decides whether a failure is worth another attempt
	// (default: mailsync.IsRetryableError).
	Retryable func(error) bool

	Logger *slog.Logger
}

// DefaultPolicy returns the policy used for backend connects.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  5,
		Initial:   200 * time.Millisecond,
		Max:       15 * time.Second,
		Jitter:    0.1,
		Retryable: mailsync.IsRetryableError,
		Logger:    slog.Default(),
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.Attempts <= 0 {
		p.Attempts = d.Attempts
	}
	if p.Initial <= 0 {
		p.Initial = d.Initial
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	p.Jitter = math.Min(math.Max(p.Jitter, 0), 1)
	if p.Retryable == nil {
		p.Retryable = d.Retryable
	}
	if p.Logger == nil {
		p.Logger = d.Logger
	}
	return p
}

// Error reports the last failure of an operation that was given up on.
type Error struct {
	Op        string
	Attempts  int
	Permanent bool
	Last      error
}

func (e *Error) Error() string {
	if e.Permanent {
		return fmt.Sprintf("%s: permanent failure after %d attempt(s): %v", e.Op, e.Attempts, e.Last)
	}
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Last)
}

func (e *Error) Unwrap() error { return e.Last }

// Is matches ErrExhausted when the attempts ran out.
func (e *Error) Is(target error) bool {
	return target == ErrExhausted && !e.Permanent
}

// Do calls fn until it succeeds, fails permanently, the attempts run out,
// or ctx is done. op names the operation in logs and errors.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	p = p.withDefaults()
	var last error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return err
			}
			return fmt.Errorf("%s: %w (last error: %v)", op, err, last)
		}

		last = fn(ctx)
		if last == nil {
			if attempt > 1 {
				p.Logger.Info("operation succeeded after retry", "op", op, "attempts", attempt)
			}
			return nil
		}
		if !p.Retryable(last) {
			return &Error{Op: op, Attempts: attempt, Permanent: true, Last: last}
		}
		if attempt == p.Attempts {
			break
		}

		delay := Backoff(p, attempt)
		p.Logger.Warn("operation failed, retrying",
			"op", op, "attempt", attempt, "delay", delay, "error", last)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s: %w (last error: %v)", op, ctx.Err(), last)
		case <-t.C:
		}
	}
	return &Error{Op: op, Attempts: p.Attempts, Last: last}
}

// Backoff returns the delay after the given failed attempt (1-based).
func Backoff(p Policy, attempt int) time.Duration {
	p = p.withDefaults()
	d := float64(p.Initial) * math.Pow(2, float64(attempt-1))
	d = math.Min(d, float64(p.Max))
	if p.Jitter > 0 {
		spread := d * p.Jitter
		d += spread * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}
