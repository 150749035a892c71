package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/grid-energy-pipeline/internal/energy"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("API_TOKEN", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "TR", cfg.Zone)
	assert.Equal(t, time.Hour, cfg.RunInterval)
	assert.True(t, cfg.RunOnStart)
	assert.Equal(t, 2160*time.Hour, cfg.RetentionWindow)
	assert.Equal(t, 500, cfg.SyncBatchSize)
	assert.Equal(t, "mongo", cfg.OperationalBackend)
	assert.Equal(t, energy.LevelMedium, cfg.Thresholds().Classify(energy.Known(250)))
}

func TestLoadRequiresToken(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("API_TOKEN", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
zone: DE
run_interval: 30m
api_token: from-file
operational_backend: memory
analytical_backend: memory
carbon_thresholds: "100,250,500"
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("ZONE", "FR")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "FR", cfg.Zone)
	assert.Equal(t, 30*time.Minute, cfg.RunInterval)
	assert.Equal(t, "from-file", cfg.APIToken)
	assert.Equal(t, "memory", cfg.OperationalBackend)
	assert.Equal(t, energy.LevelMedium, cfg.Thresholds().Classify(energy.Known(150)))
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"bad duration":   {"RUN_INTERVAL", "soon"},
		"bad backend":    {"OPERATIONAL_BACKEND", "sqlite"},
		"bad thresholds": {"CARBON_THRESHOLDS", "600,400,200"},
		"bad batch size": {"SYNC_BATCH_SIZE", "0"},
		"bad log level":  {"LOG_LEVEL", "verbose"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv("API_TOKEN", "secret")
			t.Setenv(kv[0], kv[1])

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
