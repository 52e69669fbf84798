package node

import (
	"testing"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
)

// 80 bytes: five internal keys and four leaf entries.
const mediumPage = 80

func mediumFormat(t *testing.T) Format[uint64, uint64] {
	t.Helper()
	f, err := NewFormat[uint64, uint64](mediumPage, 8, Uint64, Uint64, DefaultKeyOrder[uint64])
	require.NoError(t, err)
	require.Equal(t, 5, f.InternalCapacity())
	require.Equal(t, 4, f.LeafCapacity())
	return f
}

// leafOf builds a leaf holding k -> k*10 for each key.
func leafOf(t *testing.T, f Format[uint64, uint64], keys ...uint64) Leaf[uint64, uint64] {
	t.Helper()
	l, err := f.NewLeaf(make([]byte, mediumPage))
	require.NoError(t, err)
	for _, k := range keys {
		split, err := l.Insert(k, k*10, nil)
		require.NoError(t, err)
		require.Nil(t, split)
	}
	return l
}

func internalOf(t *testing.T, f Format[uint64, uint64], keys []uint64, children []pagemanager.PageID) Internal[uint64] {
	t.Helper()
	n, err := f.NewInternal(make([]byte, mediumPage))
	require.NoError(t, err)
	slots := make([][]byte, len(keys))
	for i, k := range keys {
		slots[i] = make([]byte, 8)
		require.NoError(t, Uint64.Encode(slots[i], k))
	}
	n.fill(slots, children)
	return n
}

func TestLeaf_BorrowAndMerge(t *testing.T) {
	f := mediumFormat(t)
	parent := internalOf(t, f, []uint64{10, 20}, []pagemanager.PageID{1, 2, 3})
	left := leafOf(t, f, 1, 2, 3)
	n := leafOf(t, f, 10)
	right := leafOf(t, f, 20, 21, 22)

	require.Equal(t, 2, n.MinLen())
	require.True(t, n.Underflow())
	require.True(t, left.CanLend())

	n.TakeFromLeft(left, parent, 0)
	require.Equal(t, []uint64{3, 10}, n.Keys())
	require.Equal(t, []uint64{30, 100}, n.Values())
	require.Equal(t, []uint64{1, 2}, left.Keys())
	require.Equal(t, []uint64{3, 20}, parent.Keys())
	require.False(t, left.CanLend())

	n.Remove(0)
	n.TakeFromRight(right, parent, 1)
	require.Equal(t, []uint64{10, 20}, n.Keys())
	require.Equal(t, []uint64{100, 200}, n.Values())
	require.Equal(t, []uint64{21, 22}, right.Keys())
	require.Equal(t, []uint64{3, 21}, parent.Keys())

	require.NoError(t, left.MergeRight(n, parent, 0))
	require.Equal(t, []uint64{1, 2, 10, 20}, left.Keys())
	require.Equal(t, []uint64{10, 20, 100, 200}, left.Values())
	require.Equal(t, []uint64{21}, parent.Keys())
	require.Equal(t, []pagemanager.PageID{1, 3}, parent.Children())

	require.ErrorIs(t, left.MergeRight(right, parent, 0), flushmanager.ErrCorruptPage)
	require.Equal(t, []uint64{1, 2, 10, 20}, left.Keys(), "a failed merge changes nothing")
}

func TestInternal_BorrowThroughParent(t *testing.T) {
	f := mediumFormat(t)

	parent := internalOf(t, f, []uint64{100}, []pagemanager.PageID{1, 2})
	left := internalOf(t, f, []uint64{10, 20, 30}, []pagemanager.PageID{11, 12, 13, 14})
	n := internalOf(t, f, []uint64{150}, []pagemanager.PageID{21, 22})
	require.Equal(t, 2, n.MinLen())
	require.True(t, n.Underflow())

	n.TakeFromLeft(left, parent, 0)
	require.Equal(t, []uint64{100, 150}, n.Keys())
	require.Equal(t, []pagemanager.PageID{14, 21, 22}, n.Children())
	require.Equal(t, []uint64{10, 20}, left.Keys())
	require.Equal(t, []pagemanager.PageID{11, 12, 13}, left.Children())
	require.Equal(t, []uint64{30}, parent.Keys())

	parent = internalOf(t, f, []uint64{100}, []pagemanager.PageID{1, 2})
	n = internalOf(t, f, []uint64{50}, []pagemanager.PageID{21, 22})
	right := internalOf(t, f, []uint64{110, 120, 130}, []pagemanager.PageID{31, 32, 33, 34})

	n.TakeFromRight(right, parent, 0)
	require.Equal(t, []uint64{50, 100}, n.Keys())
	require.Equal(t, []pagemanager.PageID{21, 22, 31}, n.Children())
	require.Equal(t, []uint64{120, 130}, right.Keys())
	require.Equal(t, []pagemanager.PageID{32, 33, 34}, right.Children())
	require.Equal(t, []uint64{110}, parent.Keys())
}

func TestInternal_MergeAndRemove(t *testing.T) {
	f := mediumFormat(t)
	parent := internalOf(t, f, []uint64{100, 200}, []pagemanager.PageID{1, 2, 3})
	left := internalOf(t, f, []uint64{10, 20}, []pagemanager.PageID{11, 12, 13})
	n := internalOf(t, f, []uint64{150}, []pagemanager.PageID{21, 22})

	require.Equal(t, 1, parent.ChildSlot(2))
	require.Equal(t, -1, parent.ChildSlot(9))

	require.NoError(t, left.MergeRight(n, parent, 0))
	require.Equal(t, []uint64{10, 20, 100, 150}, left.Keys())
	require.Equal(t, []pagemanager.PageID{11, 12, 13, 21, 22}, left.Children())
	require.Equal(t, []uint64{200}, parent.Keys())
	require.Equal(t, []pagemanager.PageID{1, 3}, parent.Children())

	full := internalOf(t, f, []uint64{300, 400}, []pagemanager.PageID{41, 42, 43})
	require.ErrorIs(t, left.MergeRight(full, parent, 0), flushmanager.ErrCorruptPage)

	parent.RemoveAt(0)
	require.Zero(t, parent.Len())
	require.Equal(t, []pagemanager.PageID{1}, parent.Children())
	parent.RemoveAt(0)
	require.Zero(t, parent.Len(), "out of range removes are ignored")
}
