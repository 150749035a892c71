// Package pipeline executes one complete run: fetch, clean, validate, enrich,
// write and sync for every record kind.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
	"github.com/i474232898/grid-energy-pipeline/internal/store"
	"github.com/i474232898/grid-energy-pipeline/internal/syncer"
)

// CountingSource is a Source that also reports how many attempts a fetch took.
type CountingSource interface {
	energy.Source
	FetchCounted(ctx context.Context, zone string, kind energy.Kind, window energy.Window) ([]energy.RawRecord, int, error)
}

// Options configure a Pipeline.
type Options struct {
	Zone   string
	Window time.Duration
	// Kinds defaults to every known kind.
	Kinds []energy.Kind
}

// Pipeline wires the transformation chain to both stores. It holds no state
// between runs; everything a run depends on is read from the stores.
type Pipeline struct {
	source    energy.Source
	cleaner   *energy.Cleaner
	validator *energy.Validator
	enricher  *energy.Enricher
	writer    *store.Writer
	syncer    *syncer.Engine

	zone   string
	window time.Duration
	kinds  []energy.Kind
	now    func() time.Time
	logger *zap.Logger
}

func New(
	source energy.Source,
	validator *energy.Validator,
	enricher *energy.Enricher,
	writer *store.Writer,
	sync *syncer.Engine,
	opts Options,
	logger *zap.Logger,
) *Pipeline {
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = energy.Kinds
	}
	return &Pipeline{
		source:    source,
		cleaner:   energy.NewCleaner(),
		validator: validator,
		enricher:  enricher,
		writer:    writer,
		syncer:    sync,
		zone:      opts.Zone,
		window:    opts.Window,
		kinds:     kinds,
		now:       time.Now,
		logger:    logger,
	}
}

// WithClock overrides the clock that stamps runs.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Run executes one run. Kinds proceed independently: a failure in one never
// stops another. Cancelling ctx stops each kind between store writes.
func (p *Pipeline) Run(ctx context.Context, runID string) RunResult {
	started := p.now().UTC()
	// Run time orders content across runs and is stored alongside it.
	runAt := started.Truncate(time.Millisecond)
	window := energy.Window{From: runAt.Add(-p.window), To: runAt}
	if p.window <= 0 {
		window = energy.Window{}
	}

	logger := p.logger.With(zap.String("run_id", runID), zap.String("zone", p.zone))
	logger.Info("pipeline: run started",
		zap.Time("from", window.From), zap.Time("to", window.To))

	kinds := make([]KindResult, len(p.kinds))
	errs := make([][]StageError, len(p.kinds))

	var wg conc.WaitGroup
	for i, kind := range p.kinds {
		wg.Go(func() {
			kinds[i], errs[i] = p.runKind(ctx, logger.With(zap.Stringer("kind", kind)), kind, runID, runAt, window)
		})
	}
	wg.Wait()

	res := RunResult{
		RunID:     runID,
		Zone:      p.zone,
		Window:    window,
		StartedAt: started,
		Kinds:     kinds,
		Status:    StatusSuccess,
	}
	for _, e := range errs {
		res.Errors = append(res.Errors, e...)
	}
	if len(res.Errors) > 0 {
		res.Status = StatusFailed
	}
	res.FinishedAt = p.now().UTC()

	totals := res.Totals()
	fields := []zap.Field{
		zap.String("status", string(res.Status)),
		zap.Duration("took", res.Duration()),
		zap.Int("fetched", totals.Fetched),
		zap.Int("accepted", totals.Accepted),
		zap.Int("rejected", totals.Rejected),
		zap.Int("written", totals.Write.Written()),
		zap.Int("synced", totals.Sync.Applied),
	}
	if res.Failed() {
		for _, e := range res.Errors {
			logger.Error("pipeline: stage failed",
				zap.String("stage", string(e.Stage)),
				zap.Stringer("kind", e.Kind),
				zap.Int("affected_keys", len(e.Keys)),
				zap.Error(e.Err))
		}
		logger.Warn("pipeline: run failed", fields...)
	} else {
		logger.Info("pipeline: run finished", fields...)
	}
	return res
}

func (p *Pipeline) runKind(
	ctx context.Context,
	logger *zap.Logger,
	kind energy.Kind,
	runID string,
	runAt time.Time,
	window energy.Window,
) (KindResult, []StageError) {
	res := KindResult{Kind: kind}
	var errs []StageError

	raws, attempts, err := p.fetch(ctx, kind, window)
	res.FetchAttempts = attempts
	if err != nil {
		return res, append(errs, StageError{Stage: StageFetch, Kind: kind, Err: err})
	}
	res.Fetched = len(raws)

	cleaned := p.cleaner.CleanBatch(raws)
	res.Cleaned = len(cleaned)

	validated := p.validator.ValidateBatch(cleaned)
	for _, vr := range validated {
		switch vr.Verdict.Status {
		case energy.StatusAccepted:
			res.Accepted++
		case energy.StatusDuplicate:
			res.Duplicates++
		case energy.StatusRejected:
			res.Rejected++
			if res.RejectedByReason == nil {
				res.RejectedByReason = make(map[energy.Reason]int)
			}
			res.RejectedByReason[vr.Verdict.Reason]++
			logger.Debug("pipeline: record rejected",
				zap.Stringer("key", vr.Record.Key),
				zap.String("raw_datetime", vr.Record.RawTime),
				zap.String("reason", string(vr.Verdict.Reason)),
				zap.String("detail", vr.Verdict.Detail))
		}
	}

	enriched := p.enricher.EnrichBatch(validated)
	rows := make([]energy.Row, len(enriched))
	for i, e := range enriched {
		rows[i] = e.Row(runID, runAt)
	}

	res.Write = p.writer.Write(ctx, rows)
	if res.Write.Failed > 0 {
		errs = append(errs, StageError{
			Stage: StageWrite,
			Kind:  kind,
			Keys:  res.Write.FailedKeys,
			Err:   eris.Wrapf(res.Write.LastErr, "%d of %d upserts failed", res.Write.Failed, res.Write.Attempted),
		})
	}
	if res.Write.Skipped > 0 {
		errs = append(errs, StageError{
			Stage: StageWrite,
			Kind:  kind,
			Err:   eris.Errorf("shutdown before %d rows were written", res.Write.Skipped),
		})
	}

	// Sync runs even after write failures so earlier unsynced rows still catch up.
	synced, err := p.syncer.Sync(ctx, kind)
	res.Sync = synced
	if err != nil {
		errs = append(errs, StageError{Stage: StageSync, Kind: kind, Err: err})
	}
	return res, errs
}

func (p *Pipeline) fetch(ctx context.Context, kind energy.Kind, window energy.Window) ([]energy.RawRecord, int, error) {
	if cs, ok := p.source.(CountingSource); ok {
		return cs.FetchCounted(ctx, p.zone, kind, window)
	}
	raws, err := p.source.Fetch(ctx, p.zone, kind, window)
	return raws, 1, err
}
