// Package transaction is the version manager of the copy-on-write tree. It
// serializes writers, pins versions for readers, and decides when pages
// shadowed by a write can be reused.
package transaction

import (
	"fmt"
	"sync/atomic"

	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
)

// TransactionState is the lifecycle of an insert transaction.
type TransactionState int

const (
	TxnStateRunning   TransactionState = iota // Pages are being copied and mutated
	TxnStateCommitted                         // A new Version was published
	TxnStateAborted                           // Dropped; nothing became visible
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "running"
	case TxnStateCommitted:
		return "committed"
	case TxnStateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// WriteTransaction is the effect of one committed insert transaction.
type WriteTransaction struct {
	NewRoot pagemanager.PageID
	// ShadowedPages were live in the previous version and replaced by copies
	// in this one. They are freed once no reader can reach the previous version.
	ShadowedPages []pagemanager.PageID
	NextPageID    pagemanager.PageID
}

// Version is an immutable tree root plus the write that produced it.
// refs counts the readers pinning it, plus one while it is the latest.
type Version struct {
	id   uint64
	root pagemanager.PageID
	tx   WriteTransaction
	refs atomic.Int64
}

func newVersion(id uint64, root pagemanager.PageID, tx WriteTransaction) *Version {
	v := &Version{id: id, root: root, tx: tx}
	v.refs.Store(1)
	return v
}

func (v *Version) ID() uint64                    { return v.id }
func (v *Version) Root() pagemanager.PageID      { return v.root }
func (v *Version) Transaction() WriteTransaction { return v.tx }

// Refs is the current reference count.
func (v *Version) Refs() int64 { return v.refs.Load() }

func (v *Version) acquire() { v.refs.Add(1) }

func (v *Version) release() {
	if n := v.refs.Add(-1); n < 0 {
		panic(fmt.Sprintf("transaction: version %d released more times than acquired", v.id))
	}
}
