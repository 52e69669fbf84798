package common

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCopyThrottled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	data := bytes.Repeat([]byte("cowbtree"), 300_000) // spans several chunks
	require.NoError(t, os.WriteFile(src, data, 0644))

	res, err := CopyThrottled(context.Background(), zap.NewNop(), src, dst, 0)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), res.Bytes)
	require.Equal(t, sha256.Sum256(data), res.SHA256)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, data, got)

	sum, err := FileSHA256(dst)
	require.NoError(t, err)
	require.Equal(t, res.SHA256, sum)
}

func TestCopyThrottled_CanceledRemovesDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CopyThrottled(ctx, nil, src, dst, 1<<20)
	require.ErrorIs(t, err, context.Canceled)
	_, err = os.Stat(dst)
	require.True(t, os.IsNotExist(err))
}

func TestCopyThrottled_MissingSource(t *testing.T) {
	_, err := CopyThrottled(context.Background(), nil, filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "dst"), 0)
	require.Error(t, err)
}
