package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestWriteThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowbtree.yaml")
	want := Default()
	want.Index.Dir = "/var/lib/cowbtree"
	want.Index.PageSize = 8192
	want.Index.CheckpointRate = 2.5
	want.Telemetry.Enabled = true
	require.NoError(t, Write(path, want))
	require.Error(t, Write(path, want), "existing files are not overwritten")

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cowbtree.yaml")
	require.NoError(t, Write(path, Default()))
	t.Setenv("COWBTREE_INDEX_CACHE_SIZE", "17")
	t.Setenv("COWBTREE_LOGGER_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 17, cfg.Index.CacheSize)
	require.Equal(t, "debug", cfg.Logger.Level)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("COWBTREE_INDEX_PAGE_SIZE", "16")
	_, err := Load("")
	require.ErrorIs(t, err, flushmanager.ErrInvalidConfig)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	cfg.Index.Dir = ""
	cfg.Index.KeyBufferSize = 0
	cfg.Telemetry.TraceSampleRatio = 2
	require.ErrorIs(t, cfg.Validate(), flushmanager.ErrInvalidConfig)
}
