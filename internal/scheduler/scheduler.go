package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/i474232898/grid-energy-pipeline/internal/lock"
	"github.com/i474232898/grid-energy-pipeline/internal/metrics"
	"github.com/i474232898/grid-energy-pipeline/internal/pipeline"
)

// ErrRunInProgress is returned when a run or retention pass is already active,
// here or on another replica.
var ErrRunInProgress = errors.New("run already in progress")

// ErrStopped is returned once Stop has been called.
var ErrStopped = errors.New("scheduler stopped")

const lockName = "pipeline"

// State is the scheduler's position in its Idle -> Running -> Idle cycle.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, runID string) pipeline.RunResult
}

type Options struct {
	// Interval is measured from the end of one run to the start of the next.
	Interval   time.Duration
	RunOnStart bool
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State         State               `json:"state"`
	Interval      string              `json:"interval"`
	CurrentRun    string              `json:"current_run,omitempty"`
	Runs          int                 `json:"runs"`
	SkippedTicks  int                 `json:"skipped_ticks"`
	SkippedPrunes int                 `json:"skipped_prunes"`
	LastRun       *pipeline.RunResult `json:"last_run,omitempty"`
	LastSuccess   *time.Time          `json:"last_success,omitempty"`
	LastPrune     *RetentionResult    `json:"last_prune,omitempty"`
}

// Scheduler drives sequential, non-overlapping pipeline runs. A failed run is
// recorded and the loop carries on.
type Scheduler struct {
	runner    Runner
	opts      Options
	locker    lock.Locker
	metrics   *metrics.RunMetrics
	retention *Retention
	logger    *zap.Logger

	busy atomic.Bool
	// inflight tracks every exclusive section, including runs started by Submit.
	inflight sync.WaitGroup

	mu            sync.RWMutex
	base          context.Context
	stopping      bool
	current       string
	runs          int
	skipped       int
	skippedPrunes int
	last          *pipeline.RunResult
	lastSuccess   *time.Time
	lastPrune     *RetentionResult

	cron   *gocron.Scheduler
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new Scheduler.
func New(runner Runner, opts Options, logger *zap.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	return &Scheduler{
		runner: runner,
		opts:   opts,
		locker: lock.Noop{},
		logger: logger,
	}
}

// WithLocker shares run exclusion with other replicas.
func (s *Scheduler) WithLocker(l lock.Locker) *Scheduler {
	s.locker = l
	return s
}

func (s *Scheduler) WithMetrics(m *metrics.RunMetrics) *Scheduler {
	s.metrics = m
	return s
}

// WithRetention enables the periodic pruning job.
func (s *Scheduler) WithRetention(r *Retention) *Scheduler {
	s.retention = r
	return s
}

// Start launches the run loop and the retention job in the background. Runs
// started through Trigger or Submit are cancelled together with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)

	if s.retention != nil && s.retention.Window > 0 {
		cron, err := s.startRetention(loopCtx)
		if err != nil {
			cancel()
			return err
		}
		s.cron = cron
	}

	s.mu.Lock()
	s.base = loopCtx
	s.mu.Unlock()

	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.Run(loopCtx)
	}()
	s.logger.Info("scheduler: started",
		zap.Duration("interval", s.opts.Interval), zap.Bool("run_on_start", s.opts.RunOnStart))
	return nil
}

// Stop cancels the loop and every in-flight run, then waits for them to wind
// down. A run finishes its current store write before returning.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.inflight.Wait()
	s.logger.Info("scheduler: stopped")
}

// Run loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s.opts.RunOnStart {
		s.tick(ctx)
	}

	timer := time.NewTimer(s.opts.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.opts.Interval)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.Trigger(ctx); err != nil {
		switch {
		case errors.Is(err, ErrRunInProgress):
			s.logger.Info("scheduler: tick skipped, run in progress")
		case errors.Is(err, ErrStopped):
		default:
			s.logger.Error("scheduler: run not started", zap.Error(err))
		}
	}
}

// Trigger executes a run now and waits for its result, unless one is already
// active.
func (s *Scheduler) Trigger(ctx context.Context) (pipeline.RunResult, error) {
	release, err := s.acquire(ctx, s.recordSkip)
	if err != nil {
		return pipeline.RunResult{}, err
	}
	defer release()

	runCtx, cancel := s.bound(ctx)
	defer cancel()
	return s.execute(runCtx, uuid.NewString()), nil
}

// Submit starts a run in the background and returns its ID. The run outlives
// ctx but not Stop; its result shows up in Status.
func (s *Scheduler) Submit(ctx context.Context) (string, error) {
	release, err := s.acquire(ctx, s.recordSkip)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	runCtx, cancel := s.bound(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.current = runID
	s.mu.Unlock()
	go func() {
		defer release()
		defer cancel()
		s.execute(runCtx, runID)
	}()
	return runID, nil
}

func (s *Scheduler) execute(ctx context.Context, runID string) pipeline.RunResult {
	s.mu.Lock()
	s.runs++
	s.current = runID
	s.mu.Unlock()

	res := s.runner.Run(ctx, runID)

	s.mu.Lock()
	s.current = ""
	s.last = &res
	if !res.Failed() {
		finished := res.FinishedAt
		s.lastSuccess = &finished
	}
	s.mu.Unlock()
	s.metrics.ObserveRun(res)
	return res
}

// bound derives a context that is also cancelled when the scheduler stops.
func (s *Scheduler) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.RLock()
	base := s.base
	s.mu.RUnlock()
	if base == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(base, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// acquire takes the local busy flag and the shared lock. The returned release
// must be called once the exclusive section ends.
func (s *Scheduler) acquire(ctx context.Context, onSkip func()) (func(), error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.mu.Unlock()
		onSkip()
		return nil, ErrRunInProgress
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	token, err := s.locker.Acquire(ctx, lockName)
	if err != nil {
		s.busy.Store(false)
		s.inflight.Done()
		if errors.Is(err, lock.ErrHeld) {
			onSkip()
			s.logger.Info("scheduler: lock held by another replica")
			return nil, ErrRunInProgress
		}
		return nil, err
	}

	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.locker.Release(rctx, lockName, token); err != nil {
			s.logger.Warn("scheduler: release lock", zap.Error(err))
		}
		s.busy.Store(false)
		s.inflight.Done()
	}, nil
}

func (s *Scheduler) recordSkip() {
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
	s.metrics.ObserveSkippedTick()
}

func (s *Scheduler) recordPruneSkip() {
	s.mu.Lock()
	s.skippedPrunes++
	s.mu.Unlock()
	s.metrics.ObserveSkippedPrune()
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		State:         StateIdle,
		Interval:      s.opts.Interval.String(),
		CurrentRun:    s.current,
		Runs:          s.runs,
		SkippedTicks:  s.skipped,
		SkippedPrunes: s.skippedPrunes,
		LastRun:       s.last,
		LastSuccess:   s.lastSuccess,
		LastPrune:     s.lastPrune,
	}
	if s.busy.Load() {
		st.State = StateRunning
	}
	return st
}
