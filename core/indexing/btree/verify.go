package btree

import (
	"context"
	"fmt"

	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
)

// Verify walks the latest version and checks the structural invariants:
// keys ascend within and across nodes, every key lies within the bounds its
// ancestors route to it, every node but the root is at least half full, and
// all leaves sit at the same depth.
func (bt *BTree[K, V]) Verify(ctx context.Context) error {
	snap, err := bt.ReadTransaction()
	if err != nil {
		return err
	}
	defer snap.Close()
	v := verifier[K, V]{ctx: ctx, bt: bt, src: snap.rt, leafDepth: -1, seen: make(map[pagemanager.PageID]bool)}
	return v.walk(snap.rt.Root(), 0, nil, nil)
}

type verifier[K, V any] struct {
	ctx       context.Context
	bt        *BTree[K, V]
	src       pageSource
	leafDepth int
	seen      map[pagemanager.PageID]bool
}

// walk checks the subtree at id, whose keys must satisfy lo <= k < hi.
func (v *verifier[K, V]) walk(id pagemanager.PageID, depth int, lo, hi *K) error {
	if err := v.ctx.Err(); err != nil {
		return err
	}
	if depth >= maxHeight {
		return fmt.Errorf("%w: tree deeper than %d levels", ErrCorruptPage, maxHeight)
	}
	if v.seen[id] {
		return fmt.Errorf("%w: page %d is reachable twice", ErrCorruptPage, id)
	}
	v.seen[id] = true

	buf, err := v.src.Page(id)
	if err != nil {
		return err
	}
	order := v.bt.format.Order
	inBounds := func(k K) bool {
		return (lo == nil || order(*lo, k) <= 0) && (hi == nil || order(k, *hi) < 0)
	}

	n, ok, err := v.bt.format.Internal(buf)
	if err != nil {
		return fmt.Errorf("page %d: %w", id, err)
	}
	if !ok {
		leaf, _, err := v.bt.format.Leaf(buf)
		if err != nil {
			return fmt.Errorf("page %d: %w", id, err)
		}
		if v.leafDepth == -1 {
			v.leafDepth = depth
		} else if v.leafDepth != depth {
			return fmt.Errorf("%w: leaf %d at depth %d, expected %d", ErrCorruptPage, id, depth, v.leafDepth)
		}
		if depth > 0 && leaf.Underflow() {
			return fmt.Errorf("%w: leaf %d holds %d entries, minimum %d", ErrCorruptPage, id, leaf.Len(), leaf.MinLen())
		}
		keys := leaf.Keys()
		for i, k := range keys {
			if i > 0 && order(keys[i-1], k) >= 0 {
				return fmt.Errorf("%w: leaf %d keys out of order at %d", ErrCorruptPage, id, i)
			}
			if !inBounds(k) {
				return fmt.Errorf("%w: leaf %d key at %d outside its parent's range", ErrCorruptPage, id, i)
			}
		}
		return nil
	}

	if n.Len() == 0 {
		return fmt.Errorf("%w: internal node %d has no keys", ErrCorruptPage, id)
	}
	if depth > 0 && n.Underflow() {
		return fmt.Errorf("%w: internal node %d holds %d keys, minimum %d", ErrCorruptPage, id, n.Len(), n.MinLen())
	}
	keys := n.Keys()
	for i, k := range keys {
		if i > 0 && order(keys[i-1], k) >= 0 {
			return fmt.Errorf("%w: internal node %d keys out of order at %d", ErrCorruptPage, id, i)
		}
		if !inBounds(k) {
			return fmt.Errorf("%w: internal node %d key at %d outside its parent's range", ErrCorruptPage, id, i)
		}
	}
	for i, child := range n.Children() {
		if child == pagemanager.InvalidPageID {
			return fmt.Errorf("%w: internal node %d has a null child at %d", ErrCorruptPage, id, i)
		}
		childLo, childHi := lo, hi
		if i > 0 {
			childLo = &keys[i-1]
		}
		if i < len(keys) {
			childHi = &keys[i]
		}
		if err := v.walk(child, depth+1, childLo, childHi); err != nil {
			return err
		}
	}
	return nil
}
