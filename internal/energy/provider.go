package energy

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Source abstracts the external metrics API. Implementations do not retry.
type Source interface {
	Fetch(ctx context.Context, zone string, kind Kind, window Window) ([]RawRecord, error)
}

// FetchErrorKind enumerates the ways a fetch can fail.
type FetchErrorKind uint8

const (
	FetchUnauthorized FetchErrorKind = iota + 1
	FetchRateLimited
	FetchUnavailable
	FetchMalformedResponse
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnavailable       = errors.New("source unavailable")
	ErrMalformedResponse = errors.New("malformed response")
)

func (k FetchErrorKind) sentinel() error {
	switch k {
	case FetchUnauthorized:
		return ErrUnauthorized
	case FetchRateLimited:
		return ErrRateLimited
	case FetchMalformedResponse:
		return ErrMalformedResponse
	default:
		return ErrUnavailable
	}
}

// FetchError is the typed failure returned by a Source.
type FetchError struct {
	Kind FetchErrorKind
	// RetryAfter is the server-suggested delay for FetchRateLimited, zero if not given.
	RetryAfter time.Duration
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Kind == FetchRateLimited && e.RetryAfter > 0 {
		msg = fmt.Sprintf("%s, retry after %s", msg, e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *FetchError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Retryable reports whether another attempt could succeed.
func (e *FetchError) Retryable() bool {
	return e.Kind == FetchRateLimited || e.Kind == FetchUnavailable
}

// UpsertOutcome is what a single operational upsert did.
type UpsertOutcome uint8

const (
	OutcomeInserted UpsertOutcome = iota + 1
	OutcomeUpdated
	// OutcomeUnchanged means the stored content was identical; nothing was written.
	OutcomeUnchanged
	// OutcomeStale means a newer run already owns the key; nothing was written.
	OutcomeStale
)

// OperationalStore is the document store. Each Upsert is atomic for its key.
type OperationalStore interface {
	Upsert(ctx context.Context, row Row) (UpsertOutcome, error)
	// ChangedSince returns rows written after the checkpoint, ordered by (WrittenAt, DocID).
	ChangedSince(ctx context.Context, kind Kind, after Checkpoint, limit int) ([]Row, error)
	Prune(ctx context.Context, kind Kind, before time.Time) (int64, error)
}

// AnalyticalStore is the relational store read by dashboards.
type AnalyticalStore interface {
	Checkpoint(ctx context.Context, kind Kind) (Checkpoint, error)
	// ApplyBatch upserts rows and advances the checkpoint in one atomic step. Rows
	// from an older run than the stored one are ignored. It returns how many rows changed.
	ApplyBatch(ctx context.Context, kind Kind, rows []Row, next Checkpoint) (int, error)
	Range(ctx context.Context, kind Kind, zone string, from, to time.Time) ([]Row, error)
	Prune(ctx context.Context, kind Kind, before time.Time) (int64, error)
}
