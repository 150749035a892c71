package mongo

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
)

var (
	testStore      *Store
	mongoContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mongo integration tests skipped: %v\n", err)
		os.Exit(m.Run())
	}
	mongoContainer = container

	if err := connectStore(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "mongo integration tests skipped: %v\n", err)
	}
	code := m.Run()

	if testStore != nil {
		_ = testStore.Close(ctx)
	}
	_ = mongoContainer.Terminate(ctx)
	os.Exit(code)
}

func connectStore(ctx context.Context) error {
	endpoint, err := mongoContainer.Endpoint(ctx, "mongodb")
	if err != nil {
		return fmt.Errorf("container endpoint: %w", err)
	}
	s, err := Connect(ctx, endpoint, "grid_energy_test", zap.NewNop())
	if err != nil {
		return err
	}
	testStore = s
	return nil
}

func requireStore(t *testing.T) *Store {
	t.Helper()
	if testStore == nil {
		t.Skip("mongo container not available")
	}
	ctx := context.Background()
	require.NoError(t, testStore.db.Drop(ctx))
	require.NoError(t, testStore.EnsureIndexes(ctx))
	return testStore
}

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func carbonRow(hour int, intensity float64, runAt, writtenAt time.Time) energy.Row {
	return energy.Row{
		Key:       energy.IdentityKey{Zone: "TR", Datetime: base.Add(time.Duration(hour) * time.Hour), Kind: energy.KindCarbon},
		Values:    map[string]*float64{"carbon_intensity": &intensity, "fossil_free_percentage": nil},
		Unknown:   []string{"fossil_free_percentage"},
		Hash:      fmt.Sprintf("%d/%v", hour, intensity),
		RunID:     runAt.Format(time.RFC3339),
		RunAt:     runAt,
		WrittenAt: writtenAt,
	}
}

func TestUpsertOutcomes(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	run1 := base.Add(6 * time.Hour)
	run2 := run1.Add(time.Hour)

	out, err := s.Upsert(ctx, carbonRow(0, 150, run1, run1))
	require.NoError(t, err)
	assert.Equal(t, energy.OutcomeInserted, out)

	out, err = s.Upsert(ctx, carbonRow(0, 150, run2, run2))
	require.NoError(t, err)
	assert.Equal(t, energy.OutcomeUnchanged, out, "identical content is a no-op even from a later run")

	out, err = s.Upsert(ctx, carbonRow(0, 180, run2, run2))
	require.NoError(t, err)
	assert.Equal(t, energy.OutcomeUpdated, out)

	out, err = s.Upsert(ctx, carbonRow(0, 120, run1, run2.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, energy.OutcomeStale, out, "an older run never replaces newer content")

	rows, err := s.ChangedSince(ctx, energy.KindCarbon, energy.Checkpoint{}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 180.0, *rows[0].Values["carbon_intensity"])
	assert.Nil(t, rows[0].Values["fossil_free_percentage"])
	assert.Equal(t, run2, rows[0].RunAt)
}

func TestConcurrentUpsertsKeepNewestRun(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	newest := base.Add(20 * time.Hour)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runAt := base.Add(time.Duration(5+i) * time.Hour)
			if i == 15 {
				runAt = newest
			}
			if _, err := s.Upsert(ctx, carbonRow(0, float64(100+i), runAt, runAt)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	rows, err := s.ChangedSince(ctx, energy.KindCarbon, energy.Checkpoint{}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, newest, rows[0].RunAt)
	assert.Equal(t, 115.0, *rows[0].Values["carbon_intensity"])
}

func TestChangedSincePagesByCursor(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	runAt := base.Add(6 * time.Hour)

	// Two rows share a written_at so the _id tiebreak is exercised.
	written := []time.Time{runAt, runAt.Add(time.Second), runAt.Add(time.Second), runAt.Add(2 * time.Second), runAt.Add(3 * time.Second)}
	for hour, w := range written {
		_, err := s.Upsert(ctx, carbonRow(hour, float64(100+hour), runAt, w))
		require.NoError(t, err)
	}

	var (
		seen []energy.Row
		cp   energy.Checkpoint
	)
	for {
		page, err := s.ChangedSince(ctx, energy.KindCarbon, cp, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		assert.LessOrEqual(t, len(page), 2)
		seen = append(seen, page...)
		cp = energy.CheckpointOf(page[len(page)-1])
	}

	require.Len(t, seen, len(written))
	ids := make(map[string]bool)
	for i, r := range seen {
		assert.False(t, ids[r.Key.DocID()], "row %s returned twice", r.Key)
		ids[r.Key.DocID()] = true
		if i > 0 {
			assert.True(t, energy.CheckpointOf(seen[i-1]).Precedes(r), "rows arrive in cursor order")
		}
	}
}

func TestPruneDeletesOldObservations(t *testing.T) {
	s := requireStore(t)
	ctx := context.Background()
	runAt := base.Add(24 * time.Hour)
	for hour := 0; hour < 4; hour++ {
		_, err := s.Upsert(ctx, carbonRow(hour, 100, runAt, runAt))
		require.NoError(t, err)
	}

	n, err := s.Prune(ctx, energy.KindCarbon, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rows, err := s.ChangedSince(ctx, energy.KindCarbon, energy.Checkpoint{}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, base.Add(2*time.Hour), rows[0].Key.Datetime)

	n, err = s.Prune(ctx, energy.KindPower, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}
