package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
)

// Retention deletes observations older than Window from both stores.
type Retention struct {
	Window      time.Duration
	Interval    time.Duration
	Operational energy.OperationalStore
	Analytical  energy.AnalyticalStore
	now         func() time.Time
}

// RetentionResult counts one pruning pass.
type RetentionResult struct {
	Cutoff      time.Time             `json:"cutoff"`
	Operational map[energy.Kind]int64 `json:"operational"`
	Analytical  map[energy.Kind]int64 `json:"analytical"`
}

func (s *Scheduler) startRetention(ctx context.Context) (*gocron.Scheduler, error) {
	interval := s.retention.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	cron := gocron.NewScheduler(time.UTC)
	cron.SingletonModeAll()
	_, err := cron.Every(interval).WaitForSchedule().Do(func() {
		_, err := s.Prune(ctx)
		if err != nil && !errors.Is(err, ErrRunInProgress) && !errors.Is(err, ErrStopped) {
			s.logger.Error("scheduler: retention pass failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: schedule retention job")
	}
	cron.StartAsync()
	return cron, nil
}

// Prune runs one retention pass. It never overlaps a pipeline run.
func (s *Scheduler) Prune(ctx context.Context) (RetentionResult, error) {
	r := s.retention
	if r == nil || r.Window <= 0 {
		return RetentionResult{}, nil
	}
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	res := RetentionResult{
		Cutoff:      now().UTC().Add(-r.Window),
		Operational: make(map[energy.Kind]int64),
		Analytical:  make(map[energy.Kind]int64),
	}

	release, err := s.acquire(ctx, s.recordPruneSkip)
	if err != nil {
		if errors.Is(err, ErrRunInProgress) {
			s.logger.Info("scheduler: retention skipped, run in progress")
		}
		return res, err
	}
	pctx, cancel := s.bound(ctx)
	pruneErr := s.prune(pctx, r, &res)
	cancel()
	release()
	if pruneErr != nil {
		return res, pruneErr
	}

	s.mu.Lock()
	s.lastPrune = &res
	s.mu.Unlock()
	s.logger.Info("scheduler: retention pass finished",
		zap.Time("cutoff", res.Cutoff),
		zap.Any("operational", res.Operational),
		zap.Any("analytical", res.Analytical))
	return res, nil
}

// prune clears both stores for every kind concurrently; the first failure
// cancels the remaining deletes.
func (s *Scheduler) prune(ctx context.Context, r *Retention, res *RetentionResult) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range energy.Kinds {
		g.Go(func() error {
			n, err := r.Operational.Prune(gctx, kind, res.Cutoff)
			if err != nil {
				return eris.Wrapf(err, "prune operational %s", kind)
			}
			s.metrics.ObservePruned("operational", string(kind), n)
			mu.Lock()
			res.Operational[kind] = n
			mu.Unlock()
			return nil
		})
		g.Go(func() error {
			n, err := r.Analytical.Prune(gctx, kind, res.Cutoff)
			if err != nil {
				return eris.Wrapf(err, "prune analytical %s", kind)
			}
			s.metrics.ObservePruned("analytical", string(kind), n)
			mu.Lock()
			res.Analytical[kind] = n
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}
