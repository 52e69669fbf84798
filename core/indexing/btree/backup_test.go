package btree

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/cowbtree/core/storage_engine/common"
	"go.uber.org/zap"
)

func TestBTree_Backup(t *testing.T) {
	ctx := context.Background()
	opts := tinyOptions()
	opts.CheckpointRate = -1

	bt, err := Open(t.TempDir(), opts, zap.NewNop())
	require.NoError(t, err)
	defer bt.Close()
	require.NoError(t, bt.InsertMany(ctx, pairs(keySpan(0, 300))))

	info, err := bt.Backup(ctx, t.TempDir(), 0)
	require.NoError(t, err)
	require.Positive(t, info.Bytes)
	sum, err := common.FileSHA256(filepath.Join(info.Dir, PagesFileName))
	require.NoError(t, err)
	require.Equal(t, info.PagesSHA256, sum)

	// Later writes do not leak into the backup.
	require.NoError(t, bt.InsertMany(ctx, pairs(keySpan(300, 400))))

	restored, err := Open(info.Dir, opts, zap.NewNop())
	require.NoError(t, err)
	defer restored.Close()
	it, err := restored.Range(ctx, Full[uint64]())
	require.NoError(t, err)
	require.Equal(t, keySpan(0, 300), collectKeys(t, it))
	require.NoError(t, restored.Verify(ctx))
}

func TestBTree_BackupInMemory(t *testing.T) {
	bt := newMemTree(t, tinyOptions())
	_, err := bt.Backup(context.Background(), t.TempDir(), 0)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
