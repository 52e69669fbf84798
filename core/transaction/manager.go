package transaction

import (
	"sync"

	"github.com/sushant-115/cowbtree/core/indexing/btree/node"
	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
	"github.com/sushant-115/cowbtree/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// TransactionManager coordinates one writer and any number of readers over
// a single logical tree.
//
// Lock order: pagesMu, then versionsMu, then latestMu. A writer and a
// checkpoint hold the first two for their whole duration.
type TransactionManager struct {
	latestMu sync.RWMutex
	latest   *Version

	versionsMu    sync.Mutex
	versions      []*Version // superseded and not yet collected, oldest first
	nextVersionID uint64

	pagesMu     sync.Mutex
	pageManager *pagemanager.PageManager

	logger *zap.Logger
}

// Stats is a snapshot of the manager's bookkeeping.
type Stats struct {
	LatestVersion   uint64
	Root            pagemanager.PageID
	PendingVersions int
	Readers         int64 // readers pinning the latest version
	PinnedReaders   int64 // readers pinning superseded versions
	NextPage        pagemanager.PageID
	FreePages       int
}

// NewTransactionManager starts from the persisted (or freshly bootstrapped)
// metadata.
func NewTransactionManager(meta flushmanager.Metadata, logger *zap.Logger) *TransactionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	tx := WriteTransaction{NewRoot: meta.Root, NextPageID: meta.Pages.NextPage()}
	return &TransactionManager{
		latest:        newVersion(0, meta.Root, tx),
		nextVersionID: 1,
		pageManager:   meta.Pages,
		logger:        logger.Named("txn"),
	}
}

// Latest returns the newest committed version without pinning it.
func (tm *TransactionManager) Latest() *Version {
	tm.latestMu.RLock()
	defer tm.latestMu.RUnlock()
	return tm.latest
}

// ReadTransaction pins the latest version. The caller must Close it.
func (tm *TransactionManager) ReadTransaction(pool *memtable.BufferPoolManager) *ReadTransaction {
	tm.latestMu.RLock()
	v := tm.latest
	v.acquire()
	tm.latestMu.RUnlock()
	return &ReadTransaction{version: v, pool: pool}
}

// InsertTransaction blocks until no other writer or checkpoint is active,
// then starts a transaction on top of the latest version.
func (tm *TransactionManager) InsertTransaction(pool *memtable.BufferPoolManager, layout node.Layout) *InsertTransaction {
	tm.pagesMu.Lock()
	tm.versionsMu.Lock()
	base := tm.Latest()
	return &InsertTransaction{
		tm:          tm,
		pool:        pool,
		layout:      layout,
		base:        base,
		root:        base.root,
		pm:          tm.pageManager.Clone(),
		shadows:     make(map[pagemanager.PageID]pagemanager.PageID),
		shadowImage: make(map[pagemanager.PageID]struct{}),
		retired:     make(map[pagemanager.PageID]struct{}),
		dirty:       make(map[pagemanager.PageID][]byte),
		state:       TxnStateRunning,
	}
}

// publish installs a committed version. Called with the writer locks held.
func (tm *TransactionManager) publish(root pagemanager.PageID, tx WriteTransaction, pm *pagemanager.PageManager) *Version {
	v := newVersion(tm.nextVersionID, root, tx)
	tm.nextVersionID++
	tm.pageManager = pm

	tm.latestMu.Lock()
	old := tm.latest
	tm.latest = v
	tm.latestMu.Unlock()

	tm.versions = append(tm.versions, old)
	old.release()
	return v
}

func (tm *TransactionManager) unlockWriter() {
	tm.versionsMu.Unlock()
	tm.pagesMu.Unlock()
}

// CollectPending pops every superseded version that no reader pins, oldest
// first, stopping at the first pinned one. The pages shadowed by each
// popped version's successor become reclaimable. It returns nil when
// nothing is collectible; otherwise the returned Checkpoint holds the writer
// locks until it is committed.
func (tm *TransactionManager) CollectPending() *Checkpoint {
	return tm.collect(false)
}

// Drain collects every superseded version, pinned or not. It is only safe
// once no reader can fetch another page, i.e. while the store is closing.
func (tm *TransactionManager) Drain() *Checkpoint {
	return tm.collect(true)
}

func (tm *TransactionManager) collect(force bool) *Checkpoint {
	tm.pagesMu.Lock()
	tm.versionsMu.Lock()

	latest := tm.Latest()
	var (
		reclaimed []pagemanager.PageID
		successor *Version
		collected int
	)
	for len(tm.versions) > 0 && (force || tm.versions[0].Refs() == 0) {
		popped := tm.versions[0]
		if refs := popped.Refs(); refs > 0 {
			tm.logger.Warn("dropping pinned version",
				zap.Uint64("version", popped.id), zap.Int64("readers", refs))
		}
		tm.versions[0] = nil
		tm.versions = tm.versions[1:]
		successor = latest
		if len(tm.versions) > 0 {
			successor = tm.versions[0]
		}
		reclaimed = append(reclaimed, successor.tx.ShadowedPages...)
		collected++
		tm.logger.Debug("collected version",
			zap.Uint64("version", popped.id),
			zap.Int("reclaimable", len(successor.tx.ShadowedPages)))
	}
	if collected == 0 {
		tm.unlockWriter()
		return nil
	}
	return &Checkpoint{
		tm:        tm,
		Root:      successor.root,
		Version:   successor.id,
		Reclaimed: reclaimed,
		Collected: collected,
	}
}

// Stats reports version and allocator bookkeeping. It waits for an active
// writer to finish.
func (tm *TransactionManager) Stats() Stats {
	tm.pagesMu.Lock()
	defer tm.pagesMu.Unlock()
	tm.versionsMu.Lock()
	defer tm.versionsMu.Unlock()

	latest := tm.Latest()
	s := Stats{
		LatestVersion:   latest.id,
		Root:            latest.root,
		PendingVersions: len(tm.versions),
		Readers:         latest.Refs() - 1,
		NextPage:        tm.pageManager.NextPage(),
		FreePages:       tm.pageManager.FreeCount(),
	}
	for _, v := range tm.versions {
		s.PinnedReaders += v.Refs()
	}
	return s
}

// IsFree reports whether id is on the allocator's free list.
func (tm *TransactionManager) IsFree(id pagemanager.PageID) bool {
	tm.pagesMu.Lock()
	defer tm.pagesMu.Unlock()
	return tm.pageManager.IsFree(id)
}

// Exclusive runs fn while holding the writer locks, so no page is written
// or reclaimed while it runs. Readers are not blocked.
func (tm *TransactionManager) Exclusive(fn func(latest *Version) error) error {
	tm.pagesMu.Lock()
	defer tm.pagesMu.Unlock()
	tm.versionsMu.Lock()
	defer tm.versionsMu.Unlock()
	return fn(tm.Latest())
}
