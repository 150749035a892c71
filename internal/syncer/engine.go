// Package syncer propagates operational rows into the analytical store.
package syncer

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
)

const DefaultBatchSize = 500

// Result counts one Sync call.
type Result struct {
	Batches int `json:"batches"`
	Read    int `json:"read"`
	// Applied is the number of analytical rows that changed.
	Applied    int               `json:"applied"`
	Checkpoint energy.Checkpoint `json:"-"`
}

// Engine copies rows written after the persisted checkpoint, batch by batch.
// A batch and its checkpoint are committed together, so a failed or interrupted
// sync resumes from the last committed batch.
type Engine struct {
	source    energy.OperationalStore
	target    energy.AnalyticalStore
	batchSize int
	timeout   time.Duration
	logger    *zap.Logger
}

func New(source energy.OperationalStore, target energy.AnalyticalStore, batchSize int, timeout time.Duration, logger *zap.Logger) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{source: source, target: target, batchSize: batchSize, timeout: timeout, logger: logger}
}

// Sync drains every change of kind since the checkpoint. Cancelling ctx stops
// between batches; a batch already sent is allowed to commit.
func (e *Engine) Sync(ctx context.Context, kind energy.Kind) (Result, error) {
	var res Result

	cp, err := withTimeout(ctx, e.timeout, func(c context.Context) (energy.Checkpoint, error) {
		return e.target.Checkpoint(c, kind)
	})
	if err != nil {
		return res, eris.Wrapf(err, "sync %s: load checkpoint", kind)
	}
	res.Checkpoint = cp

	for {
		if err := ctx.Err(); err != nil {
			e.logger.Warn("syncer: shutdown requested, stopping between batches",
				zap.Stringer("kind", kind), zap.Int("batches", res.Batches))
			return res, eris.Wrapf(err, "sync %s: interrupted", kind)
		}

		rows, err := withTimeout(ctx, e.timeout, func(c context.Context) ([]energy.Row, error) {
			return e.source.ChangedSince(c, kind, cp, e.batchSize)
		})
		if err != nil {
			return res, eris.Wrapf(err, "sync %s: read changes after %s", kind, cp.WrittenAt.Format(time.RFC3339Nano))
		}
		if len(rows) == 0 {
			break
		}

		next := energy.CheckpointOf(rows[len(rows)-1])
		applied, err := withTimeout(context.WithoutCancel(ctx), e.timeout, func(c context.Context) (int, error) {
			return e.target.ApplyBatch(c, kind, rows, next)
		})
		if err != nil {
			e.logger.Warn("syncer: batch failed, checkpoint kept",
				zap.Stringer("kind", kind),
				zap.Int("rows", len(rows)),
				zap.String("first_key", rows[0].Key.String()),
				zap.String("last_key", rows[len(rows)-1].Key.String()),
				zap.Error(err))
			return res, eris.Wrapf(err, "sync %s: apply batch of %d rows", kind, len(rows))
		}

		cp = next
		res.Checkpoint = cp
		res.Batches++
		res.Read += len(rows)
		res.Applied += applied
		e.logger.Debug("syncer: batch committed",
			zap.Stringer("kind", kind), zap.Int("rows", len(rows)), zap.Int("applied", applied))

		if len(rows) < e.batchSize {
			break
		}
	}
	return res, nil
}

func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	c, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(c)
}
