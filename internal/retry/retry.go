// Package retry provides the retry policy shared by uploads and remote store
// writes: a bounded number of attempts with a fixed, unjittered exponential
// backoff schedule and a predicate deciding which errors are worth retrying.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Policy describes how an operation is retried.
//
// With Initial=1s and Multiplier=2 the waits between attempts are 1s, 2s, 4s...
type Policy struct {
	// Name identifies the call site in log messages.
	Name string

	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Initial is the wait after the first failure.
	Initial time.Duration

	// Multiplier scales the wait after each further failure.
	Multiplier float64

	// MaxInterval caps a single wait. Zero means one minute.
	MaxInterval time.Duration

	// Retryable reports whether err may succeed on a later attempt.
	// Nil treats every error as retryable.
	Retryable func(err error) bool

	// Logger receives one line per failed attempt. Nil discards.
	Logger *log.Logger
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err came from a policy running out of attempts.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Schedule returns the waits the policy would apply between attempts.
func (p Policy) Schedule() []time.Duration {
	b := p.backOff()
	var waits []time.Duration
	for i := 1; i < p.attempts(); i++ {
		waits = append(waits, b.NextBackOff())
	}
	return waits
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxInterval
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Minute
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Do runs op until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx is done. A non-retryable error is returned unchanged;
// running out of attempts returns an *ExhaustedError wrapping the last error.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	logger := p.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	name := p.Name
	if name == "" {
		name = "operation"
	}
	limit := p.attempts()

	attempt := 0
	permanent := false
	operation := func() error {
		attempt++
		err := op(ctx)
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Printf("%s failed (attempt %d/%d): %v; retrying in %s", name, attempt, limit, err, wait)
	}

	var b backoff.BackOff = backoff.WithMaxRetries(p.backOff(), uint64(limit-1))
	b = backoff.WithContext(b, ctx)

	err := backoff.RetryNotify(operation, b, notify)
	if err == nil || permanent {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	logger.Printf("%s failed (attempt %d/%d): %v; giving up", name, attempt, limit, err)
	return &ExhaustedError{Op: name, Attempts: attempt, Err: err}
}
