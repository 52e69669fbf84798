package memtable

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// BufferPoolManager is the shared page store of a tree. It fronts a Storage
// with an LRU of committed page buffers and a single reader-writer lock:
// page reads take it shared, the physical writes of a commit take it
// exclusively.
//
// Cached buffers are handed out without copying. Callers must not modify a
// fetched page; mutation always happens on a copy under a new id.
type BufferPoolManager struct {
	storage  flushmanager.Storage
	cache    *lru.Cache[pagemanager.PageID, []byte] // nil when poolSize is 0
	poolSize int
	pageSize int
	mu       sync.RWMutex
	hits     atomic.Uint64
	misses   atomic.Uint64
	writes   atomic.Uint64
	logger   *zap.Logger
}

// PoolStats is a point-in-time snapshot of the pool counters.
type PoolStats struct {
	Hits   uint64
	Misses uint64
	Writes uint64
	Cached int
}

// NewBufferPoolManager creates a pool caching up to poolSize pages.
func NewBufferPoolManager(poolSize int, storage flushmanager.Storage, logger *zap.Logger) (*BufferPoolManager, error) {
	if storage == nil {
		return nil, fmt.Errorf("%w: buffer pool without storage", flushmanager.ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		storage:  storage,
		poolSize: poolSize,
		pageSize: storage.PageSize(),
		logger:   logger.Named("buffer_pool"),
	}
	if poolSize > 0 {
		cache, err := lru.New[pagemanager.PageID, []byte](poolSize)
		if err != nil {
			return nil, fmt.Errorf("%w: page cache: %v", flushmanager.ErrInvalidConfig, err)
		}
		bpm.cache = cache
	}
	bpm.logger.Debug("buffer pool initialized",
		zap.Int("pool_size", poolSize), zap.Int("page_size", bpm.pageSize))
	return bpm, nil
}

func (bpm *BufferPoolManager) PageSize() int { return bpm.pageSize }

// FetchPage returns the committed page. The result is shared and read-only.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	bpm.mu.RLock()
	defer bpm.mu.RUnlock()

	if bpm.cache != nil {
		if data, ok := bpm.cache.Get(pageID); ok {
			bpm.hits.Add(1)
			return pagemanager.WrapPage(pageID, data), nil
		}
	}
	bpm.misses.Add(1)

	data := make([]byte, bpm.pageSize)
	if err := bpm.storage.ReadPage(pageID, data); err != nil {
		return nil, fmt.Errorf("failed to read page %d: %w", pageID, err)
	}
	if bpm.cache != nil {
		bpm.cache.Add(pageID, data)
	}
	return pagemanager.WrapPage(pageID, data), nil
}

// WritePages writes a batch of new pages under the exclusive lock and takes
// ownership of their buffers. Pages
// written before a failure stay in storage; they are unreachable until
// their ids are reallocated and overwritten.
func (bpm *BufferPoolManager) WritePages(pages []*pagemanager.Page) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	for _, p := range pages {
		if err := bpm.storage.WritePage(p.GetPageID(), p.GetData()); err != nil {
			if bpm.cache != nil {
				bpm.cache.Remove(p.GetPageID())
			}
			return fmt.Errorf("failed to write page %d: %w", p.GetPageID(), err)
		}
		if bpm.cache != nil {
			bpm.cache.Add(p.GetPageID(), p.GetData())
		}
		bpm.writes.Add(1)
	}
	return nil
}

// FlushAllPages makes every written page durable.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.storage.Sync()
}

// Stats reports cache effectiveness.
func (bpm *BufferPoolManager) Stats() PoolStats {
	s := PoolStats{
		Hits:   bpm.hits.Load(),
		Misses: bpm.misses.Load(),
		Writes: bpm.writes.Load(),
	}
	if bpm.cache != nil {
		s.Cached = bpm.cache.Len()
	}
	return s
}

// Close flushes and closes the underlying storage.
func (bpm *BufferPoolManager) Close() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if bpm.cache != nil {
		bpm.cache.Purge()
	}
	if err := bpm.storage.Sync(); err != nil {
		bpm.logger.Error("sync on close failed", zap.Error(err))
		_ = bpm.storage.Close()
		return err
	}
	return bpm.storage.Close()
}
