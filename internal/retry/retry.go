package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/livedesk/internal/metrics"
	"github.com/dennisdiepolder/livedesk/internal/types"
)

// Policy bounds how often and how patiently an operation is retried
type Policy struct {
	Attempts   int           // total attempts, at least 1
	Backoff    time.Duration // delay before the second attempt
	MaxBackoff time.Duration // cap for the doubling delay
}

// DefaultPolicy tries three times starting at 50ms
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		Backoff:    50 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do returns it without retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// permanent errors are returned without retrying
func permanent(err error) bool {
	var marked *permanentError
	return errors.As(err, &marked) ||
		errors.Is(err, types.ErrNotFound) ||
		errors.Is(err, types.ErrInvalidInput) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Do runs op until it succeeds, fails permanently, or the attempts run out.
// Exhaustion is reported as types.ErrTransientIO wrapping the last error.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Backoff

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op(ctx)
		if err == nil || permanent(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		metrics.Get().RecordStoreRetry()
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", types.ErrTransientIO, ctx.Err())
		case <-time.After(delay):
		}

		// Exponential backoff
		delay *= 2
		if p.MaxBackoff > 0 && delay > p.MaxBackoff {
			delay = p.MaxBackoff
		}
	}

	metrics.Get().RecordStoreFailure()
	return fmt.Errorf("%w after %d attempts: %w", types.ErrTransientIO, attempts, err)
}
