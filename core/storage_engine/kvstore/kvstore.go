// Package kvstore stores variable sized blobs under ordered keys. Blobs live
// in an append-only file; a btree maps every key to its blob's offset.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync"

	"github.com/sushant-115/cowbtree/core/indexing/btree"
	"github.com/sushant-115/cowbtree/core/indexing/btree/node"
	"github.com/sushant-115/cowbtree/core/storage_engine/common"
	"github.com/sushant-115/cowbtree/core/storage_engine/flatfile"
	"go.uber.org/zap"
)

const BlobsFileName = "blobs.dat"

// Store is safe for concurrent use.
type Store[K any] struct {
	index  *btree.BTree[K, uint64]
	blobs  *flatfile.File
	dir    string
	logger *zap.Logger

	// held shared by writes, exclusively by Backup
	writes sync.RWMutex
}

// Open creates or reopens the store in dir. opts.Values is replaced with the
// offset codec and checkpoints are driven by the store after every write.
func Open[K any](dir string, opts btree.Options[K, uint64], logger *zap.Logger) (*Store[K], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("kvstore")
	opts.Values = node.Uint64
	opts.CheckpointRate = -1

	index, err := btree.Open(dir, opts, logger)
	if err != nil {
		return nil, err
	}
	blobs, err := flatfile.Open(filepath.Join(dir, BlobsFileName), logger)
	if err != nil {
		return nil, errors.Join(err, index.Close())
	}
	return &Store[K]{index: index, blobs: blobs, dir: dir, logger: logger}, nil
}

// Put stores blob under key. The blob is synced before the index references
// it and the index is checkpointed before Put returns.
func (s *Store[K]) Put(ctx context.Context, key K, blob []byte) error {
	s.writes.RLock()
	defer s.writes.RUnlock()
	off, err := s.blobs.Append(blob)
	if err != nil {
		return err
	}
	if err := s.blobs.Sync(); err != nil {
		return err
	}
	if err := s.index.Insert(ctx, key, off); err != nil {
		return err
	}
	return s.checkpoint(ctx)
}

// PutMany stores every pair in one index transaction.
func (s *Store[K]) PutMany(ctx context.Context, entries iter.Seq2[K, []byte]) error {
	s.writes.RLock()
	defer s.writes.RUnlock()
	var (
		keys []K
		offs []uint64
	)
	for k, blob := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		off, err := s.blobs.Append(blob)
		if err != nil {
			return err
		}
		keys = append(keys, k)
		offs = append(offs, off)
	}
	if err := s.blobs.Sync(); err != nil {
		return err
	}
	err := s.index.InsertMany(ctx, func(yield func(K, uint64) bool) {
		for i := range keys {
			if !yield(keys[i], offs[i]) {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return s.checkpoint(ctx)
}

// Delete removes key from the index. Its blob stays in the file.
func (s *Store[K]) Delete(ctx context.Context, key K) error {
	s.writes.RLock()
	defer s.writes.RUnlock()
	if err := s.index.Delete(ctx, key); err != nil {
		return err
	}
	return s.checkpoint(ctx)
}

func (s *Store[K]) checkpoint(ctx context.Context) error {
	if _, err := s.index.Checkpoint(ctx); err != nil {
		return fmt.Errorf("kvstore checkpoint: %w", err)
	}
	return nil
}

// Get returns the blob stored under key.
func (s *Store[K]) Get(ctx context.Context, key K) ([]byte, bool, error) {
	off, ok, err := s.index.Get(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	blob, err := s.blobs.ReadAt(off)
	if err != nil {
		return nil, false, fmt.Errorf("key %v: %w", key, err)
	}
	return blob, true, nil
}

// Scan calls fn for each key in r in order until fn returns false. The scan
// sees one version of the index throughout.
func (s *Store[K]) Scan(ctx context.Context, r btree.Range[K], fn func(key K, blob []byte) bool) error {
	it, err := s.index.Range(ctx, r)
	if err != nil {
		return err
	}
	defer it.Close()
	for {
		k, off, ok := it.Next()
		if !ok {
			return it.Err()
		}
		blob, err := s.blobs.ReadAt(off)
		if err != nil {
			return fmt.Errorf("key %v: %w", k, err)
		}
		if !fn(k, blob) {
			return nil
		}
	}
}

// Backup copies the index and the blob file into a new directory under
// dstRoot that Open accepts. Writes wait until it finishes.
func (s *Store[K]) Backup(ctx context.Context, dstRoot string, rateBytesPerSec int64) (btree.BackupInfo, error) {
	s.writes.Lock()
	defer s.writes.Unlock()
	info, err := s.index.Backup(ctx, dstRoot, rateBytesPerSec)
	if err != nil {
		return info, err
	}
	res, err := common.CopyThrottled(ctx, s.logger, s.blobs.Path(), filepath.Join(info.Dir, BlobsFileName), rateBytesPerSec)
	if err != nil {
		return info, fmt.Errorf("backup %s: copying blobs: %w", info.ID, err)
	}
	info.Bytes += res.Bytes
	s.logger.Info("blob backup complete", zap.String("backup_id", info.ID.String()), zap.Int64("blob_bytes", res.Bytes))
	return info, nil
}

// Stats extends the index stats with the blob file size.
type Stats struct {
	btree.Stats
	BlobBytes int64
}

func (s *Store[K]) Stats() Stats {
	return Stats{Stats: s.index.Stats(), BlobBytes: s.blobs.Size()}
}

// Index exposes the underlying offset index.
func (s *Store[K]) Index() *btree.BTree[K, uint64] { return s.index }

func (s *Store[K]) Close() error {
	indexErr := s.index.Close()
	blobErr := s.blobs.Close()
	return errors.Join(indexErr, blobErr)
}
