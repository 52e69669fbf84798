package kvstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/cowbtree/core/indexing/btree"
	"github.com/sushant-115/cowbtree/core/indexing/btree/node"
	"go.uber.org/zap/zaptest"
)

func testOptions() btree.Options[string, uint64] {
	opts := btree.OptionsFor[string, uint64](node.FixedString(16), node.Uint64)
	opts.PageSize = 256
	opts.CacheSize = 32
	return opts
}

func blobFor(i int) []byte {
	return []byte(fmt.Sprintf("value-%d-%s", i, string(make([]byte, i%97))))
}

func TestStore_PutGetScan(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open[string](dir, testOptions(), zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		require.NoError(t, s.Put(ctx, fmt.Sprintf("key-%04d", i), blobFor(i)))
	}
	err = s.Put(ctx, "key-0007", []byte("again"))
	require.ErrorIs(t, err, btree.ErrDuplicateKey)

	blob, ok, err := s.Get(ctx, "key-0042")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, blobFor(42), blob)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	var seen []string
	err = s.Scan(ctx, btree.Between("key-0010", "key-0020"), func(k string, b []byte) bool {
		seen = append(seen, k)
		return true
	})
	require.NoError(t, err)
	require.Len(t, seen, 10)
	require.Equal(t, "key-0010", seen[0])
	require.Equal(t, "key-0019", seen[9])

	n := 0
	require.NoError(t, s.Scan(ctx, btree.Full[string](), func(string, []byte) bool {
		n++
		return n < 5
	}))
	require.Equal(t, 5, n)

	require.NoError(t, s.Delete(ctx, "key-0042"))
	require.ErrorIs(t, s.Delete(ctx, "key-0042"), btree.ErrKeyNotFound)
	require.Positive(t, s.Stats().BlobBytes)
	require.NoError(t, s.Close())

	// Every acknowledged write survives a reopen.
	s, err = Open[string](dir, testOptions(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	_, ok, err = s.Get(ctx, "key-0042")
	require.NoError(t, err)
	require.False(t, ok)
	blob, ok, err = s.Get(ctx, "key-0199")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, blobFor(199), blob)
	require.NoError(t, s.Index().Verify(ctx))
}

func TestStore_PutManyIsAtomic(t *testing.T) {
	ctx := context.Background()
	s, err := Open[string](t.TempDir(), testOptions(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "b", []byte("first")))
	err = s.PutMany(ctx, func(yield func(string, []byte) bool) {
		for _, k := range []string{"a", "b", "c"} {
			if !yield(k, []byte(k)) {
				return
			}
		}
	})
	require.ErrorIs(t, err, btree.ErrDuplicateKey)

	for _, k := range []string{"a", "c"} {
		_, ok, err := s.Get(ctx, k)
		require.NoError(t, err)
		require.False(t, ok)
	}

	require.NoError(t, s.PutMany(ctx, func(yield func(string, []byte) bool) {
		for _, k := range []string{"a", "c"} {
			if !yield(k, []byte(k)) {
				return
			}
		}
	}))
	blob, ok, err := s.Get(ctx, "c")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("c"), blob)
}

func TestStore_Backup(t *testing.T) {
	ctx := context.Background()
	s, err := Open[string](t.TempDir(), testOptions(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Put(ctx, fmt.Sprintf("key-%04d", i), blobFor(i)))
	}

	info, err := s.Backup(ctx, t.TempDir(), 0)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "late", []byte("not in backup")))

	restored, err := Open[string](info.Dir, testOptions(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer restored.Close()
	n := 0
	require.NoError(t, restored.Scan(ctx, btree.Full[string](), func(k string, b []byte) bool {
		require.Equal(t, fmt.Sprintf("key-%04d", n), k)
		require.Equal(t, blobFor(n), b)
		n++
		return true
	}))
	require.Equal(t, 50, n)
}
