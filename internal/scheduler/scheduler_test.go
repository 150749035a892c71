package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
	"github.com/i474232898/grid-energy-pipeline/internal/lock"
	"github.com/i474232898/grid-energy-pipeline/internal/pipeline"
	"github.com/i474232898/grid-energy-pipeline/internal/store"
)

type fakeRunner struct {
	calls   atomic.Int32
	status  pipeline.Status
	release chan struct{}
	started chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, runID string) pipeline.RunResult {
	f.calls.Add(1)
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	status := f.status
	if status == "" {
		status = pipeline.StatusSuccess
	}
	return pipeline.RunResult{RunID: runID, Status: status, StartedAt: testNow, FinishedAt: testNow.Add(time.Second)}
}

type heldLocker struct{}

func (heldLocker) Acquire(context.Context, string) (string, error) { return "", lock.ErrHeld }
func (heldLocker) Release(context.Context, string, string) error   { return nil }

func TestTriggerRecordsResult(t *testing.T) {
	s := New(&fakeRunner{}, Options{Interval: time.Hour}, zaptest.NewLogger(t))

	res, err := s.Trigger(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)

	st := s.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, 1, st.Runs)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, res.RunID, st.LastRun.RunID)
	require.NotNil(t, st.LastSuccess)
	assert.Equal(t, testNow.Add(time.Second), *st.LastSuccess)
}

func TestFailedRunKeepsLastSuccess(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, Options{Interval: time.Hour}, zaptest.NewLogger(t))
	_, err := s.Trigger(context.Background())
	require.NoError(t, err)

	runner.status = pipeline.StatusFailed
	res, err := s.Trigger(context.Background())
	require.NoError(t, err, "a failed run is a result, not an error")
	assert.True(t, res.Failed())

	st := s.Status()
	assert.Equal(t, pipeline.StatusFailed, st.LastRun.Status)
	require.NotNil(t, st.LastSuccess)
}

func TestOverlappingTriggerIsSkipped(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	s := New(runner, Options{Interval: time.Hour}, zaptest.NewLogger(t))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.Trigger(context.Background())
	}()
	<-runner.started
	assert.Equal(t, StateRunning, s.Status().State)

	_, err := s.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(runner.release)
	wg.Wait()

	st := s.Status()
	assert.Equal(t, 1, st.SkippedTicks)
	assert.Equal(t, 1, st.Runs)
	assert.EqualValues(t, 1, runner.calls.Load(), "skipped ticks are never queued")
}

func TestHeldLockSkipsRun(t *testing.T) {
	runner := &fakeRunner{}
	s := New(runner, Options{Interval: time.Hour}, zaptest.NewLogger(t)).WithLocker(heldLocker{})

	_, err := s.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Zero(t, runner.calls.Load())
	assert.Equal(t, 1, s.Status().SkippedTicks)
}

func TestLoopRunsOnStartAndContinuesAfterFailure(t *testing.T) {
	runner := &fakeRunner{status: pipeline.StatusFailed}
	s := New(runner, Options{Interval: 10 * time.Millisecond, RunOnStart: true}, zaptest.NewLogger(t))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()

	calls := runner.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, runner.calls.Load(), "no runs after Stop")
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	s := New(runner, Options{Interval: time.Hour, RunOnStart: true}, zaptest.NewLogger(t))
	require.NoError(t, s.Start(context.Background()))
	<-runner.started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(runner.release)
	<-stopped
	assert.NotNil(t, s.Status().LastRun)
}

// cancelAwareRunner blocks until its context is cancelled, then takes a moment
// to finish the write it was in the middle of.
type cancelAwareRunner struct {
	started   chan struct{}
	cancelled atomic.Bool
	finished  atomic.Bool
}

func (r *cancelAwareRunner) Run(ctx context.Context, runID string) pipeline.RunResult {
	r.started <- struct{}{}
	<-ctx.Done()
	r.cancelled.Store(true)
	time.Sleep(20 * time.Millisecond)
	r.finished.Store(true)
	return pipeline.RunResult{RunID: runID, Status: pipeline.StatusFailed}
}

func TestStopCancelsAndWaitsForTriggeredRun(t *testing.T) {
	runner := &cancelAwareRunner{started: make(chan struct{}, 1)}
	s := New(runner, Options{Interval: time.Hour}, zaptest.NewLogger(t))

	parent, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(parent))

	go func() { _, _ = s.Trigger(context.Background()) }()
	<-runner.started

	cancel()
	s.Stop()

	assert.True(t, runner.cancelled.Load(), "shutdown reaches runs triggered with an unrelated context")
	assert.True(t, runner.finished.Load(), "Stop returned while a triggered run was in flight")
	assert.Equal(t, StateIdle, s.Status().State)
}

func TestStopWaitsForSubmittedRun(t *testing.T) {
	runner := &cancelAwareRunner{started: make(chan struct{}, 1)}
	s := New(runner, Options{Interval: time.Hour}, zaptest.NewLogger(t))
	require.NoError(t, s.Start(context.Background()))

	runID, err := s.Submit(context.Background())
	require.NoError(t, err)
	<-runner.started
	assert.Equal(t, runID, s.Status().CurrentRun)

	s.Stop()
	assert.True(t, runner.finished.Load())
	st := s.Status()
	require.NotNil(t, st.LastRun)
	assert.Equal(t, runID, st.LastRun.RunID)
	assert.Empty(t, st.CurrentRun)

	_, err = s.Trigger(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	_, err = s.Submit(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestSubmitRunsInBackground(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	s := New(runner, Options{Interval: time.Hour}, zaptest.NewLogger(t))

	runID, err := s.Submit(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	<-runner.started

	_, err = s.Submit(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(runner.release)
	assert.Eventually(t, func() bool {
		st := s.Status()
		return st.State == StateIdle && st.LastRun != nil && st.LastRun.RunID == runID
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Status().SkippedTicks)
}

func TestPruneRemovesOldRowsFromBothStores(t *testing.T) {
	ctx := context.Background()
	ops := store.NewMemoryStore()
	analytics := store.NewMemoryAnalytics()

	old := energy.Row{Key: energy.IdentityKey{Zone: "TR", Datetime: testNow.Add(-48 * time.Hour), Kind: energy.KindCarbon}, Hash: "a"}
	recent := energy.Row{Key: energy.IdentityKey{Zone: "TR", Datetime: testNow.Add(-time.Hour), Kind: energy.KindCarbon}, Hash: "b"}
	for _, r := range []energy.Row{old, recent} {
		_, err := ops.Upsert(ctx, r)
		require.NoError(t, err)
	}
	_, err := analytics.ApplyBatch(ctx, energy.KindCarbon, []energy.Row{old, recent}, energy.Checkpoint{})
	require.NoError(t, err)

	s := New(&fakeRunner{}, Options{Interval: time.Hour}, zaptest.NewLogger(t)).WithRetention(&Retention{
		Window:      24 * time.Hour,
		Operational: ops,
		Analytical:  analytics,
		now:         func() time.Time { return testNow },
	})

	res, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Operational[energy.KindCarbon])
	assert.EqualValues(t, 1, res.Analytical[energy.KindCarbon])
	assert.Len(t, ops.Rows(energy.KindCarbon), 1)
	assert.Len(t, analytics.Rows(energy.KindCarbon), 1)
	assert.NotNil(t, s.Status().LastPrune)
}

func TestPruneNeverOverlapsRun(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	s := New(runner, Options{Interval: time.Hour}, zaptest.NewLogger(t)).WithRetention(&Retention{
		Window:      time.Hour,
		Operational: store.NewMemoryStore(),
		Analytical:  store.NewMemoryAnalytics(),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Trigger(context.Background())
	}()
	<-runner.started

	_, err := s.Prune(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(runner.release)
	<-done

	st := s.Status()
	assert.Zero(t, st.SkippedTicks, "a yielding retention pass is not a skipped tick")
	assert.Equal(t, 1, st.SkippedPrunes)
}

type failingAnalytics struct {
	*store.MemoryAnalytics
}

func (failingAnalytics) Prune(context.Context, energy.Kind, time.Time) (int64, error) {
	return 0, errors.New("analytical store unreachable")
}

func TestPruneFailureIsReported(t *testing.T) {
	s := New(&fakeRunner{}, Options{Interval: time.Hour}, zaptest.NewLogger(t)).WithRetention(&Retention{
		Window:      time.Hour,
		Operational: store.NewMemoryStore(),
		Analytical:  failingAnalytics{store.NewMemoryAnalytics()},
	})

	_, err := s.Prune(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune analytical")
	assert.Nil(t, s.Status().LastPrune)
	assert.Equal(t, StateIdle, s.Status().State, "the guard is released after a failed pass")
}
