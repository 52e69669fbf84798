package transaction

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/cowbtree/core/indexing/btree/node"
	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
	"github.com/sushant-115/cowbtree/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
	"go.uber.org/zap"
)

var testLayout = node.Layout{PageSize: 128, KeyBufferSize: 8, ValueSize: 8}

type fixture struct {
	tm      *TransactionManager
	pool    *memtable.BufferPoolManager
	storage *flushmanager.MemStorage
}

// newFixture bootstraps a store whose only page is an empty root leaf.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	storage, err := flushmanager.NewMemStorage(testLayout.PageSize)
	require.NoError(t, err)
	pool, err := memtable.NewBufferPoolManager(8, storage, zap.NewNop())
	require.NoError(t, err)

	pm := pagemanager.NewPageManager()
	root := pm.NewPage()
	buf := make([]byte, testLayout.PageSize)
	require.NoError(t, testLayout.InitLeaf(buf))
	require.NoError(t, pool.WritePages([]*pagemanager.Page{pagemanager.WrapPage(root, buf)}))

	tm := NewTransactionManager(flushmanager.Metadata{Root: root, Pages: pm}, zap.NewNop())
	return &fixture{tm: tm, pool: pool, storage: storage}
}

// touchRoot shadows the current root and commits.
func (f *fixture) touchRoot(t *testing.T) *Version {
	t.Helper()
	tx := f.tm.InsertTransaction(f.pool, testLayout)
	_, _, _, err := tx.MutPage(tx.Root())
	require.NoError(t, err)
	v, err := tx.Commit()
	require.NoError(t, err)
	return v
}

func noFlush(flushmanager.Metadata) error { return nil }

func TestInsertTransaction_ShadowsAndPublishes(t *testing.T) {
	f := newFixture(t)

	tx := f.tm.InsertTransaction(f.pool, testLayout)
	require.Equal(t, pagemanager.PageID(1), tx.Root())

	newID, buf, redirected, err := tx.MutPage(1)
	require.NoError(t, err)
	require.True(t, redirected)
	require.Equal(t, pagemanager.PageID(2), newID)
	require.Equal(t, newID, tx.Root(), "copying the root moves the root")
	require.True(t, tx.Owned(newID))
	require.False(t, tx.Owned(1))

	again, buf2, redirected, err := tx.MutPage(newID)
	require.NoError(t, err)
	require.False(t, redirected, "owned pages are mutated in place")
	require.Equal(t, newID, again)
	require.Same(t, &buf[0], &buf2[0])

	_, _, _, err = tx.MutPage(1)
	require.Error(t, err, "a shadowed page cannot be copied twice")

	v, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, TxnStateCommitted, tx.State())
	require.Equal(t, uint64(1), v.ID())
	require.Equal(t, newID, v.Root())
	require.Equal(t, []pagemanager.PageID{1}, v.Transaction().ShadowedPages)
	require.Equal(t, pagemanager.PageID(3), v.Transaction().NextPageID)
	require.Same(t, v, f.tm.Latest())

	p, err := f.pool.FetchPage(newID)
	require.NoError(t, err)
	tag, err := node.TagOf(p.GetData())
	require.NoError(t, err)
	require.Equal(t, node.TagLeaf, tag)
}

func TestInsertTransaction_CleanCommitPublishesNothing(t *testing.T) {
	f := newFixture(t)
	base := f.tm.Latest()

	tx := f.tm.InsertTransaction(f.pool, testLayout)
	v, err := tx.Commit()
	require.NoError(t, err)
	require.Same(t, base, v)
	require.Equal(t, 0, f.tm.Stats().PendingVersions)
}

func TestInsertTransaction_AbortRollsBackAllocator(t *testing.T) {
	f := newFixture(t)
	before := f.tm.Stats()

	tx := f.tm.InsertTransaction(f.pool, testLayout)
	_, _, _, err := tx.MutPage(1)
	require.NoError(t, err)
	_, _, err = tx.AddNewPage()
	require.NoError(t, err)
	tx.Abort()
	tx.Abort()
	require.Equal(t, TxnStateAborted, tx.State())

	_, err = tx.Commit()
	require.Error(t, err)

	after := f.tm.Stats()
	require.Equal(t, before.NextPage, after.NextPage)
	require.Equal(t, before.LatestVersion, after.LatestVersion)
	require.Equal(t, pagemanager.PageID(1), f.tm.Latest().Root())

	// The writer lock was released.
	f.touchRoot(t)
}

func TestInsertTransaction_WriteFailureAborts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.storage.Close())

	tx := f.tm.InsertTransaction(f.pool, testLayout)
	_, _, err := tx.AddNewPage()
	require.NoError(t, err)
	_, err = tx.Commit()
	require.ErrorIs(t, err, flushmanager.ErrClosed)
	require.Equal(t, TxnStateAborted, tx.State())

	s := f.tm.Stats()
	require.Equal(t, uint64(0), s.LatestVersion)
	require.Equal(t, pagemanager.PageID(2), s.NextPage)
}

func TestInsertTransaction_FreePage(t *testing.T) {
	f := newFixture(t)

	tx := f.tm.InsertTransaction(f.pool, testLayout)
	extra, buf, err := tx.AddNewPage()
	require.NoError(t, err)
	require.NoError(t, testLayout.InitLeaf(buf))
	_, err = tx.Commit()
	require.NoError(t, err)

	tx = f.tm.InsertTransaction(f.pool, testLayout)
	_, _, _, err = tx.MutPage(1)
	require.NoError(t, err)

	// A page created in this transaction goes straight back to the allocator.
	scratch, _, err := tx.AddNewPage()
	require.NoError(t, err)
	require.NoError(t, tx.FreePage(scratch))
	require.False(t, tx.Owned(scratch))
	reused, _, err := tx.AddNewPage()
	require.NoError(t, err)
	require.Equal(t, scratch, reused)
	require.NoError(t, tx.FreePage(reused))

	// A committed page is retired until its version is collected.
	require.NoError(t, tx.FreePage(extra))
	require.ErrorIs(t, tx.FreePage(extra), pagemanager.ErrDoubleFree)
	_, _, _, err = tx.MutPage(extra)
	require.Error(t, err, "a retired page cannot be copied")
	require.Error(t, tx.FreePage(1), "a shadowed page is already on its way out")

	v, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, []pagemanager.PageID{1, extra}, v.Transaction().ShadowedPages)
	require.False(t, f.tm.IsFree(extra))
	require.True(t, f.tm.IsFree(scratch))

	cp := f.tm.CollectPending()
	require.NotNil(t, cp)
	require.ElementsMatch(t, []pagemanager.PageID{1, extra}, cp.Reclaimed)
	require.NoError(t, cp.Commit(noFlush))
	require.True(t, f.tm.IsFree(extra))
	require.True(t, f.tm.IsFree(1))
}

func TestReadTransaction_PinsSnapshot(t *testing.T) {
	f := newFixture(t)

	rt := f.tm.ReadTransaction(f.pool)
	require.Equal(t, int64(2), rt.Version().Refs())
	v1 := f.touchRoot(t)

	require.Equal(t, pagemanager.PageID(1), rt.Root(), "the reader keeps its snapshot")
	require.NotEqual(t, rt.Root(), v1.Root())
	_, err := rt.Page(rt.Root())
	require.NoError(t, err)

	s := f.tm.Stats()
	require.Equal(t, int64(0), s.Readers)
	require.Equal(t, int64(1), s.PinnedReaders)

	rt.Close()
	rt.Close()
	require.Equal(t, int64(0), rt.Version().Refs())
}

func TestCollectPending_WaitsForReaders(t *testing.T) {
	f := newFixture(t)

	rt := f.tm.ReadTransaction(f.pool)
	v1 := f.touchRoot(t)
	require.Nil(t, f.tm.CollectPending(), "version 0 is still pinned")

	// While pinned, the shadowed page is never handed out again.
	tx := f.tm.InsertTransaction(f.pool, testLayout)
	id, _, err := tx.AddNewPage()
	require.NoError(t, err)
	require.NotEqual(t, pagemanager.PageID(1), id)
	tx.Abort()

	rt.Close()
	cp := f.tm.CollectPending()
	require.NotNil(t, cp)
	require.Equal(t, 1, cp.Collected)
	require.Equal(t, v1.Root(), cp.Root)
	require.Equal(t, []pagemanager.PageID{1}, cp.Reclaimed)

	var persisted flushmanager.Metadata
	require.NoError(t, cp.Commit(func(m flushmanager.Metadata) error {
		persisted = m
		return nil
	}))
	require.Equal(t, v1.Root(), persisted.Root)
	require.True(t, persisted.Pages.IsFree(1))
	require.True(t, f.tm.IsFree(1))
	require.Nil(t, f.tm.CollectPending())

	// The reclaimed page is reused by the next write.
	tx = f.tm.InsertTransaction(f.pool, testLayout)
	id, _, err = tx.AddNewPage()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(1), id)
	tx.Abort()
}

func TestCollectPending_StopsAtFirstPinnedVersion(t *testing.T) {
	f := newFixture(t)

	f.touchRoot(t) // v1 shadows 1
	rt := f.tm.ReadTransaction(f.pool)
	v2 := f.touchRoot(t) // v2 shadows v1's root
	f.touchRoot(t)       // v3 shadows v2's root

	cp := f.tm.CollectPending()
	require.NotNil(t, cp)
	require.Equal(t, 1, cp.Collected, "v1 is pinned, so only v0 goes")
	require.Equal(t, []pagemanager.PageID{1}, cp.Reclaimed)
	require.Equal(t, rt.Root(), cp.Root)
	require.NoError(t, cp.Commit(noFlush))

	require.False(t, f.tm.IsFree(rt.Root()))
	require.Equal(t, 2, f.tm.Stats().PendingVersions)

	rt.Close()
	cp = f.tm.CollectPending()
	require.NotNil(t, cp)
	require.Equal(t, 2, cp.Collected)
	require.ElementsMatch(t, []pagemanager.PageID{rt.Root(), v2.Root()}, cp.Reclaimed)
	require.Equal(t, f.tm.Latest().Root(), cp.Root)
	require.NoError(t, cp.Commit(noFlush))
	require.Equal(t, 0, f.tm.Stats().PendingVersions)
}

func TestCheckpoint_FlushFailureWithholdsPages(t *testing.T) {
	f := newFixture(t)
	f.touchRoot(t)

	cp := f.tm.CollectPending()
	require.NotNil(t, cp)
	boom := errors.New("disk full")
	require.ErrorIs(t, cp.Commit(func(flushmanager.Metadata) error { return boom }), boom)
	require.False(t, f.tm.IsFree(1))
	require.NoError(t, cp.Commit(noFlush), "a finished checkpoint is inert")

	// The lock was released and the version is gone either way.
	require.Nil(t, f.tm.CollectPending())
	f.touchRoot(t)
}

func TestCheckpoint_Release(t *testing.T) {
	f := newFixture(t)
	f.touchRoot(t)

	cp := f.tm.CollectPending()
	require.NotNil(t, cp)
	cp.Release()
	cp.Release()
	require.False(t, f.tm.IsFree(1))
	f.touchRoot(t)
}

func TestExclusive_SeesLatest(t *testing.T) {
	f := newFixture(t)
	v := f.touchRoot(t)
	require.NoError(t, f.tm.Exclusive(func(latest *Version) error {
		require.Same(t, v, latest)
		return nil
	}))
}

func TestDrain_IgnoresPins(t *testing.T) {
	f := newFixture(t)
	rt := f.tm.ReadTransaction(f.pool)
	f.touchRoot(t)
	require.Nil(t, f.tm.CollectPending())

	cp := f.tm.Drain()
	require.NotNil(t, cp)
	require.Equal(t, f.tm.Latest().Root(), cp.Root)
	require.NoError(t, cp.Commit(noFlush))
	require.Equal(t, 0, f.tm.Stats().PendingVersions)
	rt.Close()
}
