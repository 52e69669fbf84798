// Package btree is an embedded ordered index: a copy-on-write B+Tree over
// fixed-size pages with snapshot isolated readers. One writer runs at a
// time; readers never block it and always see the version that was latest
// when they started.
package btree

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sushant-115/cowbtree/core/indexing/btree/node"
	"github.com/sushant-115/cowbtree/core/transaction"
	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
	"github.com/sushant-115/cowbtree/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/cowbtree/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// --- Error Definitions ---

var (
	ErrDuplicateKey  = flushmanager.ErrDuplicateKey
	ErrKeyNotFound   = flushmanager.ErrKeyNotFound
	ErrKeyTooLarge   = flushmanager.ErrKeyTooLarge
	ErrInvalidKey    = flushmanager.ErrInvalidKey
	ErrCorruptPage   = flushmanager.ErrCorruptPage
	ErrInvalidConfig = flushmanager.ErrInvalidConfig
	ErrClosed        = flushmanager.ErrClosed
)

// maxHeight bounds descents so a cycle in a corrupt file cannot hang a reader.
const maxHeight = 64

// BTree is a persistent or in-memory copy-on-write B+Tree.
type BTree[K, V any] struct {
	format node.Format[K, V]
	opts   Options[K, V]

	storage flushmanager.Storage
	pool    *memtable.BufferPoolManager
	tm      *transaction.TransactionManager

	dir      string // empty for in-memory trees
	metaPath string

	limiter *rate.Limiter // nil when every write checkpoints
	metrics *internaltelemetry.IndexMetrics
	tracer  trace.Tracer
	logger  *zap.Logger

	// lifecycle is held shared by every operation and exclusively by Close.
	lifecycle sync.RWMutex
	closed    bool
}

// Open creates or reopens the tree stored in dir.
func Open[K, V any](dir string, opts Options[K, V], logger *zap.Logger) (*BTree[K, V], error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", flushmanager.ErrIO, dir, err)
	}

	pagesPath := filepath.Join(dir, PagesFileName)
	metaPath := filepath.Join(dir, MetadataFileName)
	dm, err := flushmanager.NewDiskManager(pagesPath, opts.PageSize, logger)
	if err != nil {
		return nil, err
	}
	format, err := node.NewFormat(dm.PageSize(), opts.KeyBufferSize, opts.Keys, opts.Values, opts.Order)
	if err != nil {
		return nil, err
	}
	settings := flushmanager.StoreSettings{
		PageSize:      opts.PageSize,
		KeyBufferSize: format.KeyBufferSize,
		ValueSize:     format.ValueSize,
	}

	_, statErr := os.Stat(pagesPath)
	create := errors.Is(statErr, os.ErrNotExist)
	if _, err := dm.OpenOrCreateFile(create, settings); err != nil {
		return nil, err
	}

	pool, err := memtable.NewBufferPoolManager(opts.CacheSize, dm, logger)
	if err != nil {
		dm.Close()
		return nil, err
	}

	var meta flushmanager.Metadata
	if !create {
		meta, err = flushmanager.ReadMetadataFile(metaPath)
		// A crash between creating the page file and writing the first
		// metadata leaves at most the bootstrap root behind.
		if errors.Is(err, flushmanager.ErrDBFileNotFound) && dm.GetNumPages() <= 2 {
			logger.Warn("page file has no metadata, reinitializing", zap.String("dir", dir))
			create = true
			err = nil
		}
		if err != nil {
			pool.Close()
			return nil, err
		}
	}
	if create {
		if meta, err = bootstrap(format, pool); err == nil {
			err = flushmanager.WriteMetadataFile(metaPath, meta)
		}
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialize tree in %s: %w", dir, err)
		}
	}

	bt, err := newBTree(format, opts, dm, pool, meta, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	bt.dir, bt.metaPath = dir, metaPath
	bt.logger.Info("opened tree",
		zap.String("dir", dir),
		zap.Bool("created", create),
		zap.Uint32("root", uint32(meta.Root)),
		zap.Uint32("next_page", uint32(meta.Pages.NextPage())),
		zap.Int("free_pages", meta.Pages.FreeCount()),
		zap.String("store_id", dm.StoreID().String()))
	return bt, nil
}

// NewInMemory creates a tree whose pages live in memory. Checkpoints still
// reclaim pages but persist nothing.
func NewInMemory[K, V any](opts Options[K, V], logger *zap.Logger) (*BTree[K, V], error) {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	storage, err := flushmanager.NewMemStorage(opts.PageSize)
	if err != nil {
		return nil, err
	}
	format, err := node.NewFormat(storage.PageSize(), opts.KeyBufferSize, opts.Keys, opts.Values, opts.Order)
	if err != nil {
		return nil, err
	}
	pool, err := memtable.NewBufferPoolManager(opts.CacheSize, storage, logger)
	if err != nil {
		return nil, err
	}
	meta, err := bootstrap(format, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return newBTree(format, opts, storage, pool, meta, logger)
}

// bootstrap writes an empty root leaf at the first page.
func bootstrap[K, V any](format node.Format[K, V], pool *memtable.BufferPoolManager) (flushmanager.Metadata, error) {
	pm := pagemanager.NewPageManager()
	root := pm.NewPage()
	buf := make([]byte, format.PageSize)
	if err := format.InitLeaf(buf); err != nil {
		return flushmanager.Metadata{}, err
	}
	if err := pool.WritePages([]*pagemanager.Page{pagemanager.WrapPage(root, buf)}); err != nil {
		return flushmanager.Metadata{}, err
	}
	if err := pool.FlushAllPages(); err != nil {
		return flushmanager.Metadata{}, err
	}
	return flushmanager.Metadata{Root: root, Pages: pm}, nil
}

func newBTree[K, V any](format node.Format[K, V], opts Options[K, V], storage flushmanager.Storage,
	pool *memtable.BufferPoolManager, meta flushmanager.Metadata, logger *zap.Logger) (*BTree[K, V], error) {
	metrics, err := internaltelemetry.NewIndexMetrics(opts.Meter, func() (int64, int64) {
		s := pool.Stats()
		return int64(s.Hits), int64(s.Misses)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register index metrics: %w", err)
	}
	bt := &BTree[K, V]{
		format:  format,
		opts:    opts,
		storage: storage,
		pool:    pool,
		tm:      transaction.NewTransactionManager(meta, logger),
		metrics: metrics,
		tracer:  opts.Tracer,
		logger:  logger.Named("btree"),
	}
	if opts.CheckpointRate > 0 {
		bt.limiter = rate.NewLimiter(rate.Limit(opts.CheckpointRate), 1)
	}
	return bt, nil
}

// Format exposes the page layout of the tree.
func (bt *BTree[K, V]) Format() node.Format[K, V] { return bt.format }

func (bt *BTree[K, V]) enter() error {
	bt.lifecycle.RLock()
	if bt.closed {
		bt.lifecycle.RUnlock()
		return ErrClosed
	}
	return nil
}

func (bt *BTree[K, V]) leave() { bt.lifecycle.RUnlock() }

// --- Writes ---

// InsertMany inserts every pair in one transaction. Either all pairs become
// visible together or, on the first error, none do. entries must not call
// back into the tree's write methods.
func (bt *BTree[K, V]) InsertMany(ctx context.Context, entries iter.Seq2[K, V]) error {
	return bt.write(ctx, "btree.InsertMany", func(tx *transaction.InsertTransaction) (int, error) {
		n := 0
		for k, v := range entries {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			if err := bt.insert(tx, k, v); err != nil {
				return n, err
			}
			n++
		}
		return n, nil
	})
}

// Insert adds a single key. An existing key is ErrDuplicateKey.
func (bt *BTree[K, V]) Insert(ctx context.Context, key K, value V) error {
	return bt.write(ctx, "btree.Insert", func(tx *transaction.InsertTransaction) (int, error) {
		return 1, bt.insert(tx, key, value)
	})
}

// Update replaces the value of an existing key.
func (bt *BTree[K, V]) Update(ctx context.Context, key K, value V) error {
	return bt.write(ctx, "btree.Update", func(tx *transaction.InsertTransaction) (int, error) {
		return 0, bt.update(tx, key, value)
	})
}

// Delete removes key. Leaves are never merged; an emptied leaf stays in
// place and separators keep routing correctly.
func (bt *BTree[K, V]) Delete(ctx context.Context, key K) error {
	return bt.write(ctx, "btree.Delete", func(tx *transaction.InsertTransaction) (int, error) {
		return 0, bt.delete(tx, key)
	})
}

func (bt *BTree[K, V]) write(ctx context.Context, op string, fn func(*transaction.InsertTransaction) (int, error)) error {
	if err := bt.enter(); err != nil {
		return err
	}
	defer bt.leave()
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := bt.tracer.Start(ctx, op)
	defer span.End()
	start := time.Now()

	tx := bt.tm.InsertTransaction(bt.pool, bt.format.Layout)
	inserted, err := fn(tx)
	if err != nil {
		tx.Abort()
		bt.metrics.AbortsCounter.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	v, err := tx.Commit()
	if err != nil {
		bt.metrics.AbortsCounter.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	bt.metrics.CommitsCounter.Add(ctx, 1)
	bt.metrics.InsertsCounter.Add(ctx, int64(inserted))
	bt.metrics.CommitLatency.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	span.SetAttributes(
		attribute.Int("cowbtree.inserted", inserted),
		attribute.Int64("cowbtree.version", int64(v.ID())),
	)
	bt.maybeCheckpoint(ctx)
	return nil
}

// --- Reads ---

// Get looks key up in the latest version.
func (bt *BTree[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var zero V
	if err := bt.enter(); err != nil {
		return zero, false, err
	}
	defer bt.leave()
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	rt := bt.tm.ReadTransaction(bt.pool)
	defer rt.Close()
	bt.metrics.GetsCounter.Add(ctx, 1)
	return bt.get(rt, rt.Root(), key)
}

// Range opens an iterator over the latest version. The iterator pins that
// version until it is exhausted or closed.
func (bt *BTree[K, V]) Range(ctx context.Context, r Range[K]) (*Iterator[K, V], error) {
	if err := bt.enter(); err != nil {
		return nil, err
	}
	defer bt.leave()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rt := bt.tm.ReadTransaction(bt.pool)
	bt.metrics.ActiveReaders.Add(ctx, 1)
	bt.metrics.RangeScansCounter.Add(ctx, 1)
	release := func() {
		rt.Close()
		bt.metrics.ActiveReaders.Add(context.Background(), -1)
	}
	return newIterator(ctx, bt, rt, r, release), nil
}

// ReadTransaction pins the latest version for repeated reads.
func (bt *BTree[K, V]) ReadTransaction() (*Snapshot[K, V], error) {
	if err := bt.enter(); err != nil {
		return nil, err
	}
	defer bt.leave()
	rt := bt.tm.ReadTransaction(bt.pool)
	bt.metrics.ActiveReaders.Add(context.Background(), 1)
	return &Snapshot[K, V]{bt: bt, rt: rt}, nil
}

// pageSource is a read or insert transaction.
type pageSource interface {
	Page(id pagemanager.PageID) ([]byte, error)
}

func (bt *BTree[K, V]) get(src pageSource, root pagemanager.PageID, key K) (V, bool, error) {
	var zero V
	id := root
	for depth := 0; depth < maxHeight; depth++ {
		buf, err := src.Page(id)
		if err != nil {
			return zero, false, err
		}
		n, ok, err := bt.format.Internal(buf)
		if err != nil {
			return zero, false, fmt.Errorf("page %d: %w", id, err)
		}
		if ok {
			id = n.Child(n.ChildIndex(key))
			continue
		}
		leaf, _, err := bt.format.Leaf(buf)
		if err != nil {
			return zero, false, fmt.Errorf("page %d: %w", id, err)
		}
		pos, found := leaf.Search(key)
		if !found {
			return zero, false, nil
		}
		return leaf.Value(pos), true, nil
	}
	return zero, false, fmt.Errorf("%w: tree deeper than %d levels", ErrCorruptPage, maxHeight)
}

// Height is the number of levels of the latest version; a lone root leaf is 1.
func (bt *BTree[K, V]) Height(ctx context.Context) (int, error) {
	if err := bt.enter(); err != nil {
		return 0, err
	}
	defer bt.leave()
	rt := bt.tm.ReadTransaction(bt.pool)
	defer rt.Close()

	id := rt.Root()
	for h := 1; h <= maxHeight; h++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		buf, err := rt.Page(id)
		if err != nil {
			return 0, err
		}
		n, ok, err := bt.format.Internal(buf)
		if err != nil {
			return 0, fmt.Errorf("page %d: %w", id, err)
		}
		if !ok {
			return h, nil
		}
		id = n.Child(0)
	}
	return 0, fmt.Errorf("%w: tree deeper than %d levels", ErrCorruptPage, maxHeight)
}

// --- Checkpoints ---

// Checkpoint reclaims pages of versions no reader can reach and persists the
// oldest still reachable root with the allocator state. It reports whether
// anything was collected.
func (bt *BTree[K, V]) Checkpoint(ctx context.Context) (bool, error) {
	if err := bt.enter(); err != nil {
		return false, err
	}
	defer bt.leave()
	return bt.checkpoint(ctx, bt.tm.CollectPending())
}

func (bt *BTree[K, V]) checkpoint(ctx context.Context, cp *transaction.Checkpoint) (bool, error) {
	if cp == nil {
		return false, nil
	}
	ctx, span := bt.tracer.Start(ctx, "btree.Checkpoint")
	defer span.End()
	span.SetAttributes(
		attribute.Int("cowbtree.collected", cp.Collected),
		attribute.Int("cowbtree.reclaimed", len(cp.Reclaimed)),
	)
	if err := cp.Commit(bt.persist); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return true, fmt.Errorf("checkpoint of version %d failed: %w", cp.Version, err)
	}
	bt.metrics.CheckpointsCounter.Add(ctx, 1)
	bt.metrics.ReclaimedPagesCounter.Add(ctx, int64(len(cp.Reclaimed)))
	return true, nil
}

// persist makes the pages durable, then points the metadata file at them.
func (bt *BTree[K, V]) persist(meta flushmanager.Metadata) error {
	if err := bt.pool.FlushAllPages(); err != nil {
		return err
	}
	if bt.metaPath == "" {
		return nil
	}
	return flushmanager.WriteMetadataFile(bt.metaPath, meta)
}

func (bt *BTree[K, V]) maybeCheckpoint(ctx context.Context) {
	switch {
	case bt.opts.CheckpointRate < 0:
		return
	case bt.limiter != nil && !bt.limiter.Allow():
		return
	}
	if _, err := bt.checkpoint(ctx, bt.tm.CollectPending()); err != nil {
		bt.logger.Error("automatic checkpoint failed", zap.Error(err))
	}
}

// --- Introspection ---

// Stats is a point in time view of the tree's bookkeeping.
type Stats struct {
	Version         uint64
	Root            pagemanager.PageID
	PendingVersions int
	Readers         int64
	PinnedReaders   int64
	NextPage        pagemanager.PageID
	FreePages       int
	CacheHits       uint64
	CacheMisses     uint64
	PageWrites      uint64
	CachedPages     int
}

func (bt *BTree[K, V]) Stats() Stats {
	ts := bt.tm.Stats()
	ps := bt.pool.Stats()
	return Stats{
		Version:         ts.LatestVersion,
		Root:            ts.Root,
		PendingVersions: ts.PendingVersions,
		Readers:         ts.Readers,
		PinnedReaders:   ts.PinnedReaders,
		NextPage:        ts.NextPage,
		FreePages:       ts.FreePages,
		CacheHits:       ps.Hits,
		CacheMisses:     ps.Misses,
		PageWrites:      ps.Writes,
		CachedPages:     ps.Cached,
	}
}

// String renders the latest version page by page, for debugging small trees.
func (bt *BTree[K, V]) String() string {
	snap, err := bt.ReadTransaction()
	if err != nil {
		return fmt.Sprintf("BTree (%v)\n", err)
	}
	defer snap.Close()
	var sb strings.Builder
	if err := bt.stringRecursive(&sb, snap.rt, snap.rt.Root(), 0); err != nil {
		fmt.Fprintf(&sb, "Error generating string: %v\n", err)
	}
	return sb.String()
}

func (bt *BTree[K, V]) stringRecursive(sb *strings.Builder, src pageSource, id pagemanager.PageID, level int) error {
	if level >= maxHeight {
		return fmt.Errorf("%w: tree deeper than %d levels", ErrCorruptPage, maxHeight)
	}
	buf, err := src.Page(id)
	if err != nil {
		return err
	}
	indent := strings.Repeat("  ", level)
	n, ok, err := bt.format.Internal(buf)
	if err != nil {
		return fmt.Errorf("page %d: %w", id, err)
	}
	if !ok {
		leaf, _, err := bt.format.Leaf(buf)
		if err != nil {
			return fmt.Errorf("page %d: %w", id, err)
		}
		fmt.Fprintf(sb, "%sPageID: %d (Leaf, Keys: %d)\n", indent, id, leaf.Len())
		fmt.Fprintf(sb, "%s  Keys: %v\n", indent, leaf.Keys())
		fmt.Fprintf(sb, "%s  Values: %v\n", indent, leaf.Values())
		return nil
	}
	fmt.Fprintf(sb, "%sPageID: %d (Internal, Keys: %d)\n", indent, id, n.Len())
	fmt.Fprintf(sb, "%s  Keys: %v\n", indent, n.Keys())
	fmt.Fprintf(sb, "%s  ChildPageIDs: %v\n", indent, n.Children())
	for _, child := range n.Children() {
		if err := bt.stringRecursive(sb, src, child, level+1); err != nil {
			return err
		}
	}
	return nil
}

// --- Lifecycle ---

// Close waits for in-flight operations, checkpoints everything, and closes
// the page store. Iterators and snapshots still open afterwards fail with
// ErrClosed on their next page access.
func (bt *BTree[K, V]) Close() error {
	bt.lifecycle.Lock()
	defer bt.lifecycle.Unlock()
	if bt.closed {
		return nil
	}
	bt.closed = true

	if s := bt.tm.Stats(); s.Readers+s.PinnedReaders > 0 {
		bt.logger.Warn("closing with open readers", zap.Int64("readers", s.Readers+s.PinnedReaders))
	}
	_, cpErr := bt.checkpoint(context.Background(), bt.tm.Drain())
	closeErr := bt.pool.Close()
	_ = bt.metrics.Unregister()

	if cpErr != nil {
		bt.logger.Error("final checkpoint failed", zap.Error(cpErr))
		return errors.Join(cpErr, closeErr)
	}
	if closeErr != nil {
		return closeErr
	}
	bt.logger.Info("closed tree", zap.String("dir", bt.dir))
	return nil
}
