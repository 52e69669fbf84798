package pagemanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageManager_AllocatesFromOne(t *testing.T) {
	pm := NewPageManager()
	require.Equal(t, PageID(1), pm.NewPage())
	require.Equal(t, PageID(2), pm.NewPage())
	require.Equal(t, PageID(3), pm.NextPage())
	require.Equal(t, 2, pm.InUse())
}

func TestPageManager_ReusesFreedPages(t *testing.T) {
	pm := NewPageManager()
	for i := 0; i < 4; i++ {
		pm.NewPage()
	}
	require.NoError(t, pm.Free(2, 3))
	require.True(t, pm.IsFree(2))
	require.Equal(t, 2, pm.FreeCount())

	got := []PageID{pm.NewPage(), pm.NewPage()}
	require.ElementsMatch(t, []PageID{2, 3}, got)
	require.Equal(t, PageID(5), pm.NewPage(), "free list exhausted, file must grow")
}

func TestPageManager_RejectsDoubleFree(t *testing.T) {
	pm := NewPageManager()
	pm.NewPage()
	pm.NewPage()

	require.NoError(t, pm.Free(1))
	require.ErrorIs(t, pm.Free(1), ErrDoubleFree)
	require.ErrorIs(t, pm.Free(2, 2), ErrDoubleFree)
	require.ErrorIs(t, pm.Free(9), ErrDoubleFree, "never allocated")
	require.ErrorIs(t, pm.Free(InvalidPageID), ErrDoubleFree)
	require.False(t, pm.IsFree(2), "a rejected batch frees nothing")
}

func TestPageManager_CloneIsIndependent(t *testing.T) {
	pm := NewPageManager()
	pm.NewPage()
	pm.NewPage()
	require.NoError(t, pm.Free(1))

	c := pm.Clone()
	require.Equal(t, PageID(1), c.NewPage())
	c.NewPage()

	require.True(t, pm.IsFree(1))
	require.Equal(t, PageID(3), pm.NextPage())
}

