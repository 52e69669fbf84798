package memtable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
	"go.uber.org/zap"
)

func newPage(id pagemanager.PageID, size int, fill byte) *pagemanager.Page {
	p := pagemanager.NewPage(id, size)
	for i := range p.GetData() {
		p.GetData()[i] = fill
	}
	return p
}

func TestBufferPool_CachesReads(t *testing.T) {
	storage, err := flushmanager.NewMemStorage(128)
	require.NoError(t, err)
	bpm, err := NewBufferPoolManager(2, storage, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, bpm.WritePages([]*pagemanager.Page{
		newPage(1, 128, 1), newPage(2, 128, 2), newPage(3, 128, 3),
	}))

	// Page 1 was evicted by the writes of 2 and 3.
	p, err := bpm.FetchPage(1)
	require.NoError(t, err)
	require.Equal(t, byte(1), p.GetData()[0])
	_, err = bpm.FetchPage(1)
	require.NoError(t, err)

	stats := bpm.Stats()
	require.Equal(t, uint64(1), stats.Misses)
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(3), stats.Writes)
	require.Equal(t, 2, stats.Cached)
}

func TestBufferPool_OverwriteRefreshesCache(t *testing.T) {
	storage, err := flushmanager.NewMemStorage(128)
	require.NoError(t, err)
	bpm, err := NewBufferPoolManager(8, storage, nil)
	require.NoError(t, err)

	require.NoError(t, bpm.WritePages([]*pagemanager.Page{newPage(4, 128, 0xA)}))
	p, err := bpm.FetchPage(4)
	require.NoError(t, err)
	require.Equal(t, byte(0xA), p.GetData()[0])

	// A reclaimed id is written again with new contents.
	require.NoError(t, bpm.WritePages([]*pagemanager.Page{newPage(4, 128, 0xB)}))
	p, err = bpm.FetchPage(4)
	require.NoError(t, err)
	require.Equal(t, byte(0xB), p.GetData()[0])
}

func TestBufferPool_WithoutCacheReadsThrough(t *testing.T) {
	dm, err := flushmanager.NewDiskManager(filepath.Join(t.TempDir(), "pages.db"), 256, nil)
	require.NoError(t, err)
	_, err = dm.OpenOrCreateFile(true, flushmanager.StoreSettings{PageSize: 256, KeyBufferSize: 8, ValueSize: 8})
	require.NoError(t, err)

	bpm, err := NewBufferPoolManager(0, dm, nil)
	require.NoError(t, err)
	require.Equal(t, dm.PageSize(), bpm.PageSize())

	require.NoError(t, bpm.WritePages([]*pagemanager.Page{newPage(1, bpm.PageSize(), 7)}))
	require.NoError(t, bpm.FlushAllPages())
	p, err := bpm.FetchPage(1)
	require.NoError(t, err)
	require.Equal(t, byte(7), p.GetData()[bpm.PageSize()-1])

	_, err = bpm.FetchPage(9)
	require.ErrorIs(t, err, flushmanager.ErrPageOutOfRange)
	require.Equal(t, 0, bpm.Stats().Cached)
	require.NoError(t, bpm.Close())
}
