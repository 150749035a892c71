package syncer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
	"github.com/i474232898/grid-energy-pipeline/internal/store"
)

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func row(hour int, intensity float64, runAt time.Time, written time.Time) energy.Row {
	return energy.Row{
		Key:       energy.IdentityKey{Zone: "TR", Datetime: base.Add(time.Duration(hour) * time.Hour), Kind: energy.KindCarbon},
		Values:    map[string]*float64{"carbon_intensity": &intensity},
		Hash:      fmt.Sprintf("%d/%v", hour, intensity),
		RunAt:     runAt,
		WrittenAt: written,
	}
}

func seed(t *testing.T, mem *store.MemoryStore, rows ...energy.Row) {
	t.Helper()
	for _, r := range rows {
		_, err := mem.Upsert(context.Background(), r)
		require.NoError(t, err)
	}
}

func TestSyncDrainsInBatchesAndPersistsCheckpoint(t *testing.T) {
	mem := store.NewMemoryStore()
	analytics := store.NewMemoryAnalytics()
	for h := 0; h < 5; h++ {
		seed(t, mem, row(h, float64(100+h), base, base.Add(time.Duration(h)*time.Millisecond)))
	}

	e := New(mem, analytics, 2, time.Second, zaptest.NewLogger(t))
	res, err := e.Sync(context.Background(), energy.KindCarbon)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 5, res.Read)
	assert.Equal(t, 5, res.Applied)
	assert.Len(t, analytics.Rows(energy.KindCarbon), 5)

	cp, err := analytics.Checkpoint(context.Background(), energy.KindCarbon)
	require.NoError(t, err)
	assert.Equal(t, res.Checkpoint, cp)

	again, err := e.Sync(context.Background(), energy.KindCarbon)
	require.NoError(t, err)
	assert.Zero(t, again.Read, "nothing new after the checkpoint")
}

func TestSyncFailureKeepsCheckpoint(t *testing.T) {
	mem := store.NewMemoryStore()
	analytics := store.NewMemoryAnalytics()
	seed(t, mem, row(0, 100, base, base), row(1, 110, base, base.Add(time.Millisecond)))
	analytics.FailApply = errors.New("connection refused")

	e := New(mem, analytics, 10, time.Second, zaptest.NewLogger(t))
	_, err := e.Sync(context.Background(), energy.KindCarbon)
	require.Error(t, err)

	cp, err := analytics.Checkpoint(context.Background(), energy.KindCarbon)
	require.NoError(t, err)
	assert.True(t, cp.WrittenAt.IsZero())

	analytics.FailApply = nil
	res, err := e.Sync(context.Background(), energy.KindCarbon)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied, "the failed range is retried")
}

func TestSyncResumesAfterCommittedBatch(t *testing.T) {
	mem := store.NewMemoryStore()
	analytics := store.NewMemoryAnalytics()
	seed(t, mem, row(0, 100, base, base), row(1, 110, base, base.Add(time.Millisecond)))

	e := New(mem, analytics, 10, time.Second, zaptest.NewLogger(t))
	_, err := e.Sync(context.Background(), energy.KindCarbon)
	require.NoError(t, err)

	seed(t, mem, row(2, 120, base, base.Add(2*time.Millisecond)))
	res, err := e.Sync(context.Background(), energy.KindCarbon)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Read, "only rows after the checkpoint are read")
	assert.Len(t, analytics.Rows(energy.KindCarbon), 3)
}

func TestSyncIsMonotonic(t *testing.T) {
	ctx := context.Background()
	analytics := store.NewMemoryAnalytics()
	newer := row(0, 300, base.Add(time.Hour), base.Add(time.Hour))
	_, err := analytics.ApplyBatch(ctx, energy.KindCarbon, []energy.Row{newer}, energy.Checkpoint{})
	require.NoError(t, err)

	// An older run's content for the same key arrives through the operational store.
	mem := store.NewMemoryStore()
	seed(t, mem, row(0, 100, base, base.Add(2*time.Hour)))

	res, err := New(mem, analytics, 10, time.Second, zaptest.NewLogger(t)).Sync(ctx, energy.KindCarbon)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Read)
	assert.Zero(t, res.Applied)

	got := analytics.Rows(energy.KindCarbon)
	require.Len(t, got, 1)
	assert.Equal(t, 300.0, *got[0].Values["carbon_intensity"])
}

func TestSyncStopsWhenCancelled(t *testing.T) {
	mem := store.NewMemoryStore()
	analytics := store.NewMemoryAnalytics()
	seed(t, mem, row(0, 100, base, base))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(mem, analytics, 10, time.Second, zaptest.NewLogger(t)).Sync(ctx, energy.KindCarbon)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted")
	assert.Empty(t, analytics.Rows(energy.KindCarbon))
}
