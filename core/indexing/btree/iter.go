package btree

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/sushant-115/cowbtree/core/indexing/btree/node"
	"github.com/sushant-115/cowbtree/core/transaction"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
)

// BoundKind says how a range endpoint treats its key.
type BoundKind int

const (
	BoundUnbounded BoundKind = iota
	BoundIncluded
	BoundExcluded
)

// Bound is one end of a Range.
type Bound[K any] struct {
	Kind BoundKind
	Key  K
}

func Unbounded[K any]() Bound[K]     { return Bound[K]{} }
func Included[K any](k K) Bound[K]   { return Bound[K]{Kind: BoundIncluded, Key: k} }
func Excluded[K any](k K) Bound[K]   { return Bound[K]{Kind: BoundExcluded, Key: k} }
func (b Bound[K]) IsUnbounded() bool { return b.Kind == BoundUnbounded }

// Range selects keys between Start and End.
type Range[K any] struct {
	Start Bound[K]
	End   Bound[K]
}

// Full selects every key.
func Full[K any]() Range[K] { return Range[K]{} }

// Between selects from <= k < to.
func Between[K any](from, to K) Range[K] {
	return Range[K]{Start: Included(from), End: Excluded(to)}
}

// frame is one internal node on the iterator's path and the child it is in.
type frame[K any] struct {
	id    pagemanager.PageID
	node  node.Internal[K]
	child int
}

// Iterator walks a key range of one pinned version in ascending order. It
// keeps the path from the root to the current leaf, so moving to the next
// leaf only climbs as far as the nearest unvisited subtree.
type Iterator[K, V any] struct {
	ctx     context.Context
	bt      *BTree[K, V]
	rt      *transaction.ReadTransaction
	end     Bound[K]
	release func()
	once    sync.Once

	stack []frame[K]
	leaf  node.Leaf[K, V]
	pos   int
	done  bool
	err   error
}

func newIterator[K, V any](ctx context.Context, bt *BTree[K, V], rt *transaction.ReadTransaction, r Range[K], release func()) *Iterator[K, V] {
	it := &Iterator[K, V]{ctx: ctx, bt: bt, rt: rt, end: r.End, release: release}
	it.seek(r.Start)
	return it
}

func (it *Iterator[K, V]) fail(err error) {
	it.err = err
	it.finish()
}

// finish marks the iterator exhausted and unpins the version early.
func (it *Iterator[K, V]) finish() {
	it.done = true
	it.stack = nil
	it.Close()
}

// descend follows child pointers from id, pushing each internal node. pick
// chooses the child; nil means leftmost.
func (it *Iterator[K, V]) descend(id pagemanager.PageID, pick func(node.Internal[K]) int) bool {
	for depth := len(it.stack); depth < maxHeight; depth++ {
		buf, err := it.rt.Page(id)
		if err != nil {
			it.fail(err)
			return false
		}
		n, ok, err := it.bt.format.Internal(buf)
		if err != nil {
			it.fail(fmt.Errorf("page %d: %w", id, err))
			return false
		}
		if !ok {
			leaf, _, err := it.bt.format.Leaf(buf)
			if err != nil {
				it.fail(fmt.Errorf("page %d: %w", id, err))
				return false
			}
			it.leaf, it.pos = leaf, 0
			return true
		}
		child := 0
		if pick != nil {
			child = pick(n)
		}
		it.stack = append(it.stack, frame[K]{id: id, node: n, child: child})
		id = n.Child(child)
	}
	it.fail(fmt.Errorf("%w: tree deeper than %d levels", ErrCorruptPage, maxHeight))
	return false
}

// seek positions the iterator on the first key not below start.
func (it *Iterator[K, V]) seek(start Bound[K]) {
	if start.IsUnbounded() {
		it.descend(it.rt.Root(), nil)
		return
	}
	if !it.descend(it.rt.Root(), func(n node.Internal[K]) int { return n.ChildIndex(start.Key) }) {
		return
	}
	pos, found := it.leaf.Search(start.Key)
	if found && start.Kind == BoundExcluded {
		pos++
	}
	it.pos = pos
}

// moveToRightSibling pops to the nearest ancestor with an unvisited child
// and descends to the leftmost leaf under it. Empty leaves left by deletes
// are skipped by the caller's loop.
func (it *Iterator[K, V]) moveToRightSibling() bool {
	if err := it.ctx.Err(); err != nil {
		it.fail(err)
		return false
	}
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if top.child < top.node.Len() {
			top.child++
			return it.descend(top.node.Child(top.child), nil)
		}
		it.stack = it.stack[:len(it.stack)-1]
	}
	it.finish()
	return false
}

func (it *Iterator[K, V]) pastEnd(k K) bool {
	switch it.end.Kind {
	case BoundIncluded:
		return it.bt.format.Order(k, it.end.Key) > 0
	case BoundExcluded:
		return it.bt.format.Order(k, it.end.Key) >= 0
	default:
		return false
	}
}

// Next returns the next pair in key order, or ok=false once the range is
// exhausted or an error occurred (see Err).
func (it *Iterator[K, V]) Next() (key K, value V, ok bool) {
	for !it.done {
		if it.pos < it.leaf.Len() {
			k := it.leaf.Key(it.pos)
			if it.pastEnd(k) {
				it.finish()
				break
			}
			v := it.leaf.Value(it.pos)
			it.pos++
			return k, v, true
		}
		if !it.moveToRightSibling() {
			break
		}
	}
	return key, value, false
}

// Err returns the error that stopped the iterator, if any.
func (it *Iterator[K, V]) Err() error { return it.err }

// Close unpins the version. It is safe to call more than once.
func (it *Iterator[K, V]) Close() {
	it.done = true
	it.once.Do(func() {
		if it.release != nil {
			it.release()
		}
	})
}

// All adapts the iterator for range-over-func and closes it when the loop
// ends. Check Err afterwards.
func (it *Iterator[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		defer it.Close()
		for {
			k, v, ok := it.Next()
			if !ok || !yield(k, v) {
				return
			}
		}
	}
}

// Collect drains the iterator into slices.
func (it *Iterator[K, V]) Collect() ([]K, []V, error) {
	var keys []K
	var values []V
	for k, v := range it.All() {
		keys = append(keys, k)
		values = append(values, v)
	}
	return keys, values, it.Err()
}

// Snapshot is an explicit read transaction: every read through it sees the
// same version, however many writes commit meanwhile.
type Snapshot[K, V any] struct {
	bt   *BTree[K, V]
	rt   *transaction.ReadTransaction
	once sync.Once
}

// Version is the id of the pinned version.
func (s *Snapshot[K, V]) Version() uint64 { return s.rt.Version().ID() }

func (s *Snapshot[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	if err := ctx.Err(); err != nil {
		var zero V
		return zero, false, err
	}
	s.bt.metrics.GetsCounter.Add(ctx, 1)
	return s.bt.get(s.rt, s.rt.Root(), key)
}

// Range iterates the snapshot. The iterator does not outlive the snapshot's pin.
func (s *Snapshot[K, V]) Range(ctx context.Context, r Range[K]) (*Iterator[K, V], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.bt.metrics.RangeScansCounter.Add(ctx, 1)
	return newIterator(ctx, s.bt, s.rt, r, nil), nil
}

// Close unpins the version.
func (s *Snapshot[K, V]) Close() {
	s.once.Do(func() {
		s.rt.Close()
		s.bt.metrics.ActiveReaders.Add(context.Background(), -1)
	})
}
