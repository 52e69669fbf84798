package transaction

import (
	"fmt"
	"maps"
	"slices"

	"github.com/sushant-115/cowbtree/core/indexing/btree/node"
	"github.com/sushant-115/cowbtree/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// InsertTransaction is the single in-flight writer. Pages it touches are
// copied to fresh ids and staged in memory; Commit writes them and
// publishes a new Version, Abort drops them.
type InsertTransaction struct {
	tm     *TransactionManager
	pool   *memtable.BufferPoolManager
	layout node.Layout
	base   *Version
	root   pagemanager.PageID
	pm     *pagemanager.PageManager // private copy until commit

	shadows     map[pagemanager.PageID]pagemanager.PageID // committed id -> copy
	shadowImage map[pagemanager.PageID]struct{}           // ids this transaction owns
	retired     map[pagemanager.PageID]struct{}           // committed pages dropped from the tree
	dirty       map[pagemanager.PageID][]byte
	state       TransactionState
}

func (tx *InsertTransaction) Root() pagemanager.PageID { return tx.root }
func (tx *InsertTransaction) Layout() node.Layout      { return tx.layout }
func (tx *InsertTransaction) Base() *Version           { return tx.base }
func (tx *InsertTransaction) State() TransactionState  { return tx.state }

// SetRoot installs a new root, e.g. after the old root split.
func (tx *InsertTransaction) SetRoot(id pagemanager.PageID) { tx.root = id }

// Owned reports whether id was created by this transaction and may be
// mutated in place.
func (tx *InsertTransaction) Owned(id pagemanager.PageID) bool {
	_, ok := tx.shadowImage[id]
	return ok
}

// Page returns the staged copy of id if there is one, else the committed page.
func (tx *InsertTransaction) Page(id pagemanager.PageID) ([]byte, error) {
	if buf, ok := tx.dirty[id]; ok {
		return buf, nil
	}
	p, err := tx.pool.FetchPage(id)
	if err != nil {
		return nil, err
	}
	return p.GetData(), nil
}

// MutPage returns a writable buffer for id. A page this transaction already
// owns is returned in place. A committed page is copied to a fresh id; the
// caller must then redirect the parent to the returned id (redirected=true).
func (tx *InsertTransaction) MutPage(id pagemanager.PageID) (pagemanager.PageID, []byte, bool, error) {
	if err := tx.checkRunning(); err != nil {
		return 0, nil, false, err
	}
	if tx.Owned(id) {
		return id, tx.dirty[id], false, nil
	}
	if copied, ok := tx.shadows[id]; ok {
		// A parent still pointing at a shadowed page was not redirected.
		return 0, nil, false, fmt.Errorf("transaction: page %d already copied to %d", id, copied)
	}
	if _, ok := tx.retired[id]; ok {
		return 0, nil, false, fmt.Errorf("transaction: page %d was freed", id)
	}
	src, err := tx.pool.FetchPage(id)
	if err != nil {
		return 0, nil, false, err
	}
	newID := tx.pm.NewPage()
	buf := src.Clone(newID).GetData()
	tx.dirty[newID] = buf
	tx.shadows[id] = newID
	tx.shadowImage[newID] = struct{}{}
	if id == tx.root {
		tx.root = newID
	}
	return newID, buf, true, nil
}

// AddNewPage allocates an owned, zeroed page.
func (tx *InsertTransaction) AddNewPage() (pagemanager.PageID, []byte, error) {
	if err := tx.checkRunning(); err != nil {
		return 0, nil, err
	}
	id := tx.pm.NewPage()
	buf := make([]byte, tx.layout.PageSize)
	tx.dirty[id] = buf
	tx.shadowImage[id] = struct{}{}
	return id, buf, nil
}

// FreePage drops id from the tree being built. A page this transaction
// created goes straight back to its allocator. A committed page is retired
// and reclaimed along with the shadowed pages once no reader can reach it.
func (tx *InsertTransaction) FreePage(id pagemanager.PageID) error {
	if err := tx.checkRunning(); err != nil {
		return err
	}
	if tx.Owned(id) {
		delete(tx.dirty, id)
		delete(tx.shadowImage, id)
		return tx.pm.Free(id)
	}
	if copied, ok := tx.shadows[id]; ok {
		return fmt.Errorf("transaction: page %d already copied to %d", id, copied)
	}
	if _, ok := tx.retired[id]; ok {
		return fmt.Errorf("%w: page %d", pagemanager.ErrDoubleFree, id)
	}
	tx.retired[id] = struct{}{}
	return nil
}

// Dirty reports whether the transaction changed anything.
func (tx *InsertTransaction) Dirty() bool { return len(tx.dirty) > 0 || len(tx.retired) > 0 }

func (tx *InsertTransaction) checkRunning() error {
	if tx.state != TxnStateRunning {
		return fmt.Errorf("transaction: %s", tx.state)
	}
	return nil
}

// Commit writes the staged pages and publishes the new version. A clean
// transaction publishes nothing and returns the base version. On a write
// error nothing is published and the allocator is left untouched.
func (tx *InsertTransaction) Commit() (*Version, error) {
	if err := tx.checkRunning(); err != nil {
		return nil, err
	}
	defer tx.tm.unlockWriter()

	if !tx.Dirty() {
		tx.state = TxnStateCommitted
		return tx.base, nil
	}

	ids := slices.Sorted(maps.Keys(tx.dirty))
	pages := make([]*pagemanager.Page, 0, len(ids))
	for _, id := range ids {
		pages = append(pages, pagemanager.WrapPage(id, tx.dirty[id]))
	}
	if err := tx.pool.WritePages(pages); err != nil {
		tx.state = TxnStateAborted
		tx.tm.logger.Error("commit failed, transaction aborted",
			zap.Int("pages", len(pages)), zap.Error(err))
		return nil, err
	}

	shadowed := slices.AppendSeq(slices.Collect(maps.Keys(tx.shadows)), maps.Keys(tx.retired))
	slices.Sort(shadowed)
	wtx := WriteTransaction{
		NewRoot:       tx.root,
		ShadowedPages: shadowed,
		NextPageID:    tx.pm.NextPage(),
	}
	v := tx.tm.publish(tx.root, wtx, tx.pm)
	tx.state = TxnStateCommitted
	tx.tm.logger.Debug("committed version",
		zap.Uint64("version", v.id),
		zap.Uint32("root", uint32(v.root)),
		zap.Int("written", len(pages)),
		zap.Int("shadowed", len(shadowed)))
	return v, nil
}

// Abort drops the transaction. Safe to call after Commit, where it does nothing.
func (tx *InsertTransaction) Abort() {
	if tx.state != TxnStateRunning {
		return
	}
	tx.state = TxnStateAborted
	tx.tm.unlockWriter()
}
