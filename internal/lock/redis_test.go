package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("redis container skipped in short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container not available: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLockerExcludesSecondHolder(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	l := NewRedis(client, time.Minute)

	token, err := l.Acquire(ctx, "run")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = l.Acquire(ctx, "run")
	assert.ErrorIs(t, err, ErrHeld)

	// A stale token must not release someone else's lock.
	require.NoError(t, l.Release(ctx, "run", "not-the-owner"))
	_, err = l.Acquire(ctx, "run")
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, l.Release(ctx, "run", token))
	_, err = l.Acquire(ctx, "run")
	assert.NoError(t, err)
}

func TestNoopAlwaysGrants(t *testing.T) {
	var l Locker = Noop{}
	_, err := l.Acquire(context.Background(), "run")
	require.NoError(t, err)
	_, err = l.Acquire(context.Background(), "run")
	require.NoError(t, err)
	assert.NoError(t, l.Release(context.Background(), "run", ""))
}
