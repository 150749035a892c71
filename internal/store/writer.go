package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
)

// WriteResult counts the outcome of one batch write.
type WriteResult struct {
	Attempted int `json:"attempted"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Stale     int `json:"stale"`
	Failed    int `json:"failed"`
	// Skipped rows were never attempted because shutdown was requested.
	Skipped int `json:"skipped"`

	FailedKeys []energy.IdentityKey `json:"-"`
	LastErr    error                `json:"-"`
}

// Written is the number of rows whose stored content changed.
func (r WriteResult) Written() int { return r.Inserted + r.Updated }

// Succeeded is the number of rows confirmed by the store.
func (r WriteResult) Succeeded() int { return r.Inserted + r.Updated + r.Unchanged + r.Stale }

// Unreachable reports whether every attempted write failed.
func (r WriteResult) Unreachable() bool { return r.Attempted > 0 && r.Failed == r.Attempted }

// Writer upserts rows into the operational store one key at a time. Each
// upsert is atomic on its own, so a failure never leaves a partial record.
type Writer struct {
	store   energy.OperationalStore
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewWriter(store energy.OperationalStore, timeout time.Duration, logger *zap.Logger) *Writer {
	return &Writer{store: store, timeout: timeout, now: time.Now, logger: logger}
}

// WithClock overrides the clock used to stamp WrittenAt.
func (w *Writer) WithClock(now func() time.Time) *Writer {
	w.now = now
	return w
}

// Write upserts rows in order. Cancellation of ctx stops the loop between rows;
// the row in flight is always allowed to finish within the write timeout.
func (w *Writer) Write(ctx context.Context, rows []energy.Row) WriteResult {
	var res WriteResult
	for i, row := range rows {
		if ctx.Err() != nil {
			res.Skipped = len(rows) - i
			w.logger.Warn("writer: shutdown requested, stopping batch", zap.Int("skipped", res.Skipped))
			break
		}

		// Mongo keeps millisecond precision; stamp at that precision so cursors round-trip.
		row.WrittenAt = w.now().UTC().Truncate(time.Millisecond)
		res.Attempted++

		outcome, err := w.upsert(ctx, row)
		if err != nil {
			res.Failed++
			res.FailedKeys = append(res.FailedKeys, row.Key)
			res.LastErr = err
			w.logger.Warn("writer: upsert failed", zap.Stringer("key", row.Key), zap.Error(err))
			continue
		}
		switch outcome {
		case energy.OutcomeInserted:
			res.Inserted++
		case energy.OutcomeUpdated:
			res.Updated++
		case energy.OutcomeUnchanged:
			res.Unchanged++
		case energy.OutcomeStale:
			res.Stale++
			w.logger.Debug("writer: newer run owns key", zap.Stringer("key", row.Key))
		}
	}
	return res
}

func (w *Writer) upsert(ctx context.Context, row energy.Row) (energy.UpsertOutcome, error) {
	wctx := context.WithoutCancel(ctx)
	if w.timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(wctx, w.timeout)
		defer cancel()
	}
	return w.store.Upsert(wctx, row)
}
