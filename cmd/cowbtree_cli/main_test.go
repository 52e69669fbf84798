package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), out.String())
	return out.String()
}

func TestCLI_Commands(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COWBTREE_LOGGER_LEVEL", "error")

	require.Equal(t, "OK\n", run(t, "--dir", dir, "put", "alpha", "first", "value"))
	require.Equal(t, "OK\n", run(t, "--dir", dir, "put", "beta", "second"))
	require.Equal(t, "first value\n", run(t, "--dir", dir, "get", "alpha"))
	require.Equal(t, "(not found)\n", run(t, "--dir", dir, "get", "gamma"))
	require.Equal(t, "alpha\tfirst value\n(1 keys)\n", run(t, "--dir", dir, "scan", "a", "b"))
	require.Equal(t, "OK\n", run(t, "--dir", dir, "del", "alpha"))
	require.Contains(t, run(t, "--dir", dir, "stats"), "blob bytes:")
	require.Contains(t, run(t, "--dir", dir, "backup", t.TempDir()), "sha256:")

	cfgPath := filepath.Join(t.TempDir(), "cowbtree.yaml")
	require.Contains(t, run(t, "init-config", cfgPath), cfgPath)
}

func TestShell_ProcessCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("COWBTREE_LOGGER_LEVEL", "error")
	dirFlag = dir
	t.Cleanup(func() { dirFlag = "" })

	var out bytes.Buffer
	a := &app{}
	rootCmd.SetOut(&out)
	require.NoError(t, a.open(rootCmd))
	defer a.close()
	ctx := context.Background()

	quit, err := a.processCommand(ctx, []string{"put", "k1", "v1"})
	require.NoError(t, err)
	require.False(t, quit)
	_, err = a.processCommand(ctx, []string{"put", "k1", "again"})
	require.Error(t, err)
	_, err = a.processCommand(ctx, []string{"get"})
	require.ErrorContains(t, err, "usage")
	_, err = a.processCommand(ctx, []string{"frobnicate"})
	require.ErrorContains(t, err, "unknown command")

	out.Reset()
	_, err = a.processCommand(ctx, []string{"get", "k1"})
	require.NoError(t, err)
	require.Equal(t, "v1\n", out.String())

	quit, err = a.processCommand(ctx, []string{"quit"})
	require.NoError(t, err)
	require.True(t, quit)
}
