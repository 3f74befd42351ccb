package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/devghori1264/aerophoenix/continuity/internal/storage"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("CONTINUITY_HTTP_ADDR", ":18080")
	t.Setenv("CONTINUITY_SCHEDULER_ENABLED", "true")
	t.Setenv("CONTINUITY_SCHEDULER_INTERVAL", "30s")
	t.Setenv("CONTINUITY_METRICS_SCORES", "coherence,self_awareness")
	t.Setenv("CONTINUITY_STORAGE_DRIVER", "memory")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, ":18080", cfg.HTTP.Addr)
	require.True(t, cfg.Scheduler.Enabled)
	require.Equal(t, 30*time.Second, cfg.Scheduler.Interval)
	require.Equal(t, []string{"coherence", "self_awareness"}, cfg.Metrics.Scores)
	require.Equal(t, storage.DriverMemory, cfg.Storage.Driver)
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "conf", "continuity.yaml")
	require.NoError(t, WriteDefault(path, false))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	require.Equal(t, Defaults(), cfg)

	require.Error(t, WriteDefault(path, false))
	require.NoError(t, WriteDefault(path, true))
}

func TestLoadFileInWorkingDirectory(t *testing.T) {
	dir := isolate(t)
	data := []byte("storage:\n  driver: sqlite\n  path: ./data/continuity.db\nscheduler:\n  enabled: true\n  derivation: tally\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "continuity.yaml"), data, 0o600))

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	require.Equal(t, storage.DriverSQLite, cfg.Storage.Driver)
	require.Equal(t, "tally", cfg.Scheduler.Derivation)
	require.Equal(t, Defaults().HTTP, cfg.HTTP)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	_, err := Load(viper.New(), filepath.Join(dir, "nope.yaml"))
	require.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Storage = storage.Config{Driver: storage.DriverBolt}
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Derivation = "teleport"
	cfg.Metrics.Scores = []string{"Bad Key"}
	cfg.Log.Level = "loud"
	cfg.Tracing.Exporter = "zipkin"

	err := cfg.Validate()
	require.Error(t, err)
	require.Len(t, multierr.Errors(err), 5)

	require.NoError(t, Defaults().Validate())
}

func TestValidateRateLimit(t *testing.T) {
	cfg := Defaults()
	cfg.API.RateBurst = 0
	require.Error(t, cfg.Validate())

	cfg.API.RateLimit = 0
	require.NoError(t, cfg.Validate())
}
