package transaction

import (
	"sync/atomic"

	"github.com/sushant-115/cowbtree/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
)

// ReadTransaction is an immutable snapshot: a pinned Version and the page
// store it reads from. Writes committed after it started are invisible to it.
type ReadTransaction struct {
	version *Version
	pool    *memtable.BufferPoolManager
	closed  atomic.Bool
}

func (rt *ReadTransaction) Root() pagemanager.PageID { return rt.version.root }
func (rt *ReadTransaction) Version() *Version        { return rt.version }

// Page returns a read-only view of a committed page.
func (rt *ReadTransaction) Page(id pagemanager.PageID) ([]byte, error) {
	p, err := rt.pool.FetchPage(id)
	if err != nil {
		return nil, err
	}
	return p.GetData(), nil
}

// Close unpins the version. Safe to call more than once.
func (rt *ReadTransaction) Close() {
	if rt.closed.CompareAndSwap(false, true) {
		rt.version.release()
	}
}
