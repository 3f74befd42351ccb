package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devghori1264/aerophoenix/continuity/internal/config"
	"github.com/devghori1264/aerophoenix/continuity/internal/derive"
	"github.com/devghori1264/aerophoenix/continuity/internal/models"
)

func TestInitConfigWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "continuity.yaml")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"init-config", path})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "driver: badger")

	cmd = newRootCmd()
	cmd.SetArgs([]string{"init-config", path})
	cmd.SetErr(&bytes.Buffer{})
	require.Error(t, cmd.Execute())
}

func TestSchedulerParams(t *testing.T) {
	cfg := config.Defaults()
	cfg.Scheduler.Derivation = derive.NameOptimize
	params := schedulerParams(cfg)
	require.Len(t, params, len(cfg.Metrics.Scores))
	for _, s := range cfg.Metrics.Scores {
		require.Equal(t, models.KindNull, params[s].Kind())
	}

	cfg.Scheduler.Derivation = derive.NameTally
	require.Nil(t, schedulerParams(cfg))
}
