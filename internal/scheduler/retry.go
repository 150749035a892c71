package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
)

// RetryOptions bound the retries of one fetch within a run.
type RetryOptions struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// AttemptTimeout bounds each individual attempt.
	AttemptTimeout time.Duration
}

// RetryingSource retries transient fetch failures with exponential backoff.
// Unauthorized and malformed responses fail immediately; a rate limit waits at
// least the server's retry-after, capped at MaxInterval.
type RetryingSource struct {
	next   energy.Source
	opts   RetryOptions
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

func NewRetryingSource(next energy.Source, opts RetryOptions, logger *zap.Logger) *RetryingSource {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 2 * time.Second
	}
	if opts.MaxInterval < opts.InitialInterval {
		opts.MaxInterval = opts.InitialInterval
	}
	return &RetryingSource{next: next, opts: opts, sleep: sleepCtx, logger: logger}
}

func (r *RetryingSource) Fetch(ctx context.Context, zone string, kind energy.Kind, window energy.Window) ([]energy.RawRecord, error) {
	raws, _, err := r.FetchCounted(ctx, zone, kind, window)
	return raws, err
}

// FetchCounted fetches and reports how many attempts were made.
func (r *RetryingSource) FetchCounted(ctx context.Context, zone string, kind energy.Kind, window energy.Window) ([]energy.RawRecord, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.InitialInterval
	b.MaxInterval = r.opts.MaxInterval
	b.Reset()

	attempts := 0
	for {
		attempts++
		raws, err := r.attempt(ctx, zone, kind, window)
		if err == nil {
			if attempts > 1 {
				r.logger.Info("scheduler: fetch recovered",
					zap.Stringer("kind", kind), zap.Int("attempts", attempts))
			}
			return raws, attempts, nil
		}
		if !retryable(err) || attempts > r.opts.MaxRetries || ctx.Err() != nil {
			return nil, attempts, err
		}

		wait := b.NextBackOff()
		var fe *energy.FetchError
		if errors.As(err, &fe) && fe.RetryAfter > 0 {
			wait = max(wait, min(fe.RetryAfter, r.opts.MaxInterval))
		}
		r.logger.Warn("scheduler: fetch failed, retrying",
			zap.Stringer("kind", kind),
			zap.Int("attempt", attempts),
			zap.Duration("wait", wait),
			zap.Error(err))
		if err := r.sleep(ctx, wait); err != nil {
			return nil, attempts, err
		}
	}
}

func (r *RetryingSource) attempt(ctx context.Context, zone string, kind energy.Kind, window energy.Window) ([]energy.RawRecord, error) {
	if r.opts.AttemptTimeout <= 0 {
		return r.next.Fetch(ctx, zone, kind, window)
	}
	actx, cancel := context.WithTimeout(ctx, r.opts.AttemptTimeout)
	defer cancel()
	return r.next.Fetch(actx, zone, kind, window)
}

// retryable treats typed fetch errors by their kind and anything untyped, such
// as a per-attempt timeout, as transient.
func retryable(err error) bool {
	var fe *energy.FetchError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return !errors.Is(err, context.Canceled)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
