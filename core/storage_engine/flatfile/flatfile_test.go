package flatfile

import (
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
	"go.uber.org/zap"
)

func TestFile_AppendedBlobsAreRecoverable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blobs")
	f, err := Open(path, zap.NewNop())
	require.NoError(t, err)

	r := rand.New(rand.NewPCG(35, 35))
	reference := make(map[uint64][]byte)
	for i := 0; i < 500; i++ {
		blob := make([]byte, r.IntN(2048))
		for j := range blob {
			blob[j] = byte(r.UintN(256))
		}
		off, err := f.Append(blob)
		require.NoError(t, err)
		reference[off] = blob
	}
	require.NoError(t, f.Sync())
	for off, want := range reference {
		got, err := f.ReadAt(off)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	size := f.Size()
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	f, err = Open(path, zap.NewNop())
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, size, f.Size())
	for off, want := range reference {
		got, err := f.ReadAt(off)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestFile_Errors(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(filepath.Join(dir, "blobs"), nil)
	require.NoError(t, err)

	_, err = f.Append(make([]byte, MaxBlobSize+1))
	require.ErrorIs(t, err, ErrBlobTooLarge)

	off, err := f.Append([]byte("hello"))
	require.NoError(t, err)
	_, err = f.ReadAt(off + 1000)
	require.ErrorIs(t, err, flushmanager.ErrInconsistentRead)
	_, err = f.ReadAt(0)
	require.ErrorIs(t, err, flushmanager.ErrInconsistentRead)
	require.NoError(t, f.Close())

	// Flip a payload byte behind the file's back.
	raw, err := os.ReadFile(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	raw[off+recordHead] ^= 0xff
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blobs"), raw, 0644))
	f, err = Open(filepath.Join(dir, "blobs"), nil)
	require.NoError(t, err)
	_, err = f.ReadAt(off)
	require.ErrorIs(t, err, flushmanager.ErrChecksumMismatch)
	require.NoError(t, f.Close())
	_, err = f.Append([]byte("x"))
	require.ErrorIs(t, err, flushmanager.ErrClosed)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad"), []byte("not a blob file at all"), 0644))
	_, err = Open(filepath.Join(dir, "bad"), nil)
	require.ErrorIs(t, err, flushmanager.ErrInvalidMagic)
}
