package btree

import (
	"fmt"

	"github.com/sushant-115/cowbtree/core/indexing/btree/node"
	"github.com/sushant-115/cowbtree/core/transaction"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
)

// searchFor returns the ids from the transaction's root down to the leaf
// that holds, or would hold, key.
func (bt *BTree[K, V]) searchFor(tx *transaction.InsertTransaction, key K) ([]pagemanager.PageID, node.Leaf[K, V], error) {
	path := make([]pagemanager.PageID, 0, 8)
	id := tx.Root()
	for depth := 0; depth < maxHeight; depth++ {
		path = append(path, id)
		buf, err := tx.Page(id)
		if err != nil {
			return nil, node.Leaf[K, V]{}, err
		}
		n, ok, err := bt.format.Internal(buf)
		if err != nil {
			return nil, node.Leaf[K, V]{}, fmt.Errorf("page %d: %w", id, err)
		}
		if ok {
			id = n.Child(n.ChildIndex(key))
			continue
		}
		leaf, _, err := bt.format.Leaf(buf)
		if err != nil {
			return nil, node.Leaf[K, V]{}, fmt.Errorf("page %d: %w", id, err)
		}
		return path, leaf, nil
	}
	return nil, node.Leaf[K, V]{}, fmt.Errorf("%w: tree deeper than %d levels", ErrCorruptPage, maxHeight)
}

// redirect makes every page on path writable. The leaf is copied first; each
// copy forces its parent to be copied and pointed at it, walking rootward
// until a parent this transaction already owns absorbs the change. path is
// rewritten to the writable ids and the leaf's buffer is returned.
func (bt *BTree[K, V]) redirect(tx *transaction.InsertTransaction, path []pagemanager.PageID) ([]byte, error) {
	last := len(path) - 1
	oldID := path[last]
	newID, leafBuf, redirected, err := tx.MutPage(oldID)
	if err != nil {
		return nil, err
	}
	path[last] = newID

	for i := last - 1; redirected && i >= 0; i-- {
		parentID := path[i]
		var buf []byte
		path[i], buf, redirected, err = tx.MutPage(parentID)
		if err != nil {
			return nil, err
		}
		ok, err := bt.format.ReplaceChild(buf, oldID, newID)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", path[i], err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: page %d has no child %d", ErrCorruptPage, parentID, oldID)
		}
		oldID, newID = parentID, path[i]
	}
	return leafBuf, nil
}

func (bt *BTree[K, V]) allocFor(tx *transaction.InsertTransaction) node.AllocFunc {
	return func() (pagemanager.PageID, []byte, error) {
		return tx.AddNewPage()
	}
}

// insert adds key to the transaction's tree, splitting full nodes on the
// way back up and growing a new root when the old one splits.
func (bt *BTree[K, V]) insert(tx *transaction.InsertTransaction, key K, value V) error {
	path, leaf, err := bt.searchFor(tx, key)
	if err != nil {
		return err
	}
	if _, found := leaf.Search(key); found {
		return ErrDuplicateKey
	}

	leafBuf, err := bt.redirect(tx, path)
	if err != nil {
		return err
	}
	leaf, _, err = bt.format.Leaf(leafBuf)
	if err != nil {
		return err
	}
	alloc := bt.allocFor(tx)
	split, err := leaf.Insert(key, value, alloc)
	if err != nil {
		return err
	}

	for i := len(path) - 2; split != nil && i >= 0; i-- {
		buf, err := tx.Page(path[i])
		if err != nil {
			return err
		}
		parent, ok, err := bt.format.Internal(buf)
		if err != nil {
			return fmt.Errorf("page %d: %w", path[i], err)
		}
		if !ok {
			return fmt.Errorf("%w: page %d on the search path is a leaf", ErrCorruptPage, path[i])
		}
		split, err = parent.Insert(split.Pivot, split.Right, alloc)
		if err != nil {
			return err
		}
	}
	if split == nil {
		return nil
	}

	rootID, buf, err := tx.AddNewPage()
	if err != nil {
		return err
	}
	root, err := bt.format.NewInternal(buf)
	if err != nil {
		return err
	}
	if err := root.InsertFirst(split.Pivot, path[0], split.Right); err != nil {
		return err
	}
	tx.SetRoot(rootID)
	return nil
}

// update overwrites the value of an existing key in a copy of its leaf.
func (bt *BTree[K, V]) update(tx *transaction.InsertTransaction, key K, value V) error {
	path, leaf, err := bt.searchFor(tx, key)
	if err != nil {
		return err
	}
	pos, found := leaf.Search(key)
	if !found {
		return ErrKeyNotFound
	}
	leafBuf, err := bt.redirect(tx, path)
	if err != nil {
		return err
	}
	leaf, _, err = bt.format.Leaf(leafBuf)
	if err != nil {
		return err
	}
	return leaf.SetValue(pos, value)
}

// delete removes key from a copy of its leaf, then restores occupancy on
// the way up. An underfull node borrows from a sibling that can spare an
// entry, otherwise it merges with one and its parent loses a separator.
// A root left with a single child is replaced by that child.
func (bt *BTree[K, V]) delete(tx *transaction.InsertTransaction, key K) error {
	path, leaf, err := bt.searchFor(tx, key)
	if err != nil {
		return err
	}
	pos, found := leaf.Search(key)
	if !found {
		return ErrKeyNotFound
	}
	leafBuf, err := bt.redirect(tx, path)
	if err != nil {
		return err
	}
	leaf, _, err = bt.format.Leaf(leafBuf)
	if err != nil {
		return err
	}
	leaf.Remove(pos)

	for i := len(path) - 1; i > 0; i-- {
		merged, err := bt.rebalance(tx, path[i-1], path[i])
		if err != nil {
			return err
		}
		if !merged {
			break
		}
	}
	return bt.collapseRoot(tx)
}

// balancer is the borrow and merge surface shared by leaves and internal
// nodes.
type balancer[K, N any] interface {
	Underflow() bool
	CanLend() bool
	TakeFromLeft(left N, parent node.Internal[K], sep int)
	TakeFromRight(right N, parent node.Internal[K], sep int)
	MergeRight(right N, parent node.Internal[K], sep int) error
}

// rebalance fixes the owned page id after one of its entries went away and
// reports whether it merged, which leaves parentID one separator short.
func (bt *BTree[K, V]) rebalance(tx *transaction.InsertTransaction, parentID, id pagemanager.PageID) (bool, error) {
	parentBuf, err := tx.Page(parentID)
	if err != nil {
		return false, err
	}
	parent, ok, err := bt.format.Internal(parentBuf)
	if err != nil {
		return false, fmt.Errorf("page %d: %w", parentID, err)
	}
	if !ok {
		return false, fmt.Errorf("%w: page %d on the search path is a leaf", ErrCorruptPage, parentID)
	}
	idx := parent.ChildSlot(id)
	if idx < 0 {
		return false, fmt.Errorf("%w: page %d has no child %d", ErrCorruptPage, parentID, id)
	}
	buf, err := tx.Page(id)
	if err != nil {
		return false, err
	}

	n, ok, err := bt.format.Internal(buf)
	if err != nil {
		return false, fmt.Errorf("page %d: %w", id, err)
	}
	if ok {
		return rebalanceNode(tx, parent, idx, n, func(sid pagemanager.PageID, sbuf []byte) (node.Internal[K], error) {
			sn, ok, err := bt.format.Internal(sbuf)
			if err == nil && !ok {
				err = fmt.Errorf("%w: sibling %d of an internal node is a leaf", ErrCorruptPage, sid)
			}
			return sn, err
		})
	}
	leaf, _, err := bt.format.Leaf(buf)
	if err != nil {
		return false, fmt.Errorf("page %d: %w", id, err)
	}
	return rebalanceNode(tx, parent, idx, leaf, func(sid pagemanager.PageID, sbuf []byte) (node.Leaf[K, V], error) {
		sl, ok, err := bt.format.Leaf(sbuf)
		if err == nil && !ok {
			err = fmt.Errorf("%w: sibling %d of a leaf is an internal node", ErrCorruptPage, sid)
		}
		return sl, err
	})
}

// rebalanceNode prefers borrowing, left sibling first, and only merges when
// neither sibling can lend. A merge into the left sibling frees n's page; a
// merge of the right sibling into n frees the sibling's.
func rebalanceNode[K any, N balancer[K, N]](
	tx *transaction.InsertTransaction,
	parent node.Internal[K],
	idx int,
	n N,
	view func(pagemanager.PageID, []byte) (N, error),
) (bool, error) {
	if !n.Underflow() {
		return false, nil
	}
	sibling := func(i int, writable bool) (N, error) {
		var zero N
		id := parent.Child(i)
		if !writable {
			buf, err := tx.Page(id)
			if err != nil {
				return zero, err
			}
			return view(id, buf)
		}
		newID, buf, redirected, err := tx.MutPage(id)
		if err != nil {
			return zero, err
		}
		if redirected {
			parent.SetChild(i, newID)
		}
		return view(newID, buf)
	}

	hasLeft, hasRight := idx > 0, idx < parent.Len()
	if hasLeft {
		left, err := sibling(idx-1, false)
		if err != nil {
			return false, err
		}
		if left.CanLend() {
			if left, err = sibling(idx-1, true); err != nil {
				return false, err
			}
			n.TakeFromLeft(left, parent, idx-1)
			return false, nil
		}
	}
	if hasRight {
		right, err := sibling(idx+1, false)
		if err != nil {
			return false, err
		}
		if right.CanLend() {
			if right, err = sibling(idx+1, true); err != nil {
				return false, err
			}
			n.TakeFromRight(right, parent, idx)
			return false, nil
		}
	}

	switch {
	case hasLeft:
		left, err := sibling(idx-1, true)
		if err != nil {
			return false, err
		}
		self := parent.Child(idx)
		if err := left.MergeRight(n, parent, idx-1); err != nil {
			return false, err
		}
		return true, tx.FreePage(self)
	case hasRight:
		right, err := sibling(idx+1, false)
		if err != nil {
			return false, err
		}
		rightID := parent.Child(idx + 1)
		if err := n.MergeRight(right, parent, idx); err != nil {
			return false, err
		}
		return true, tx.FreePage(rightID)
	default:
		return false, nil
	}
}

// collapseRoot replaces an internal root that lost its last separator with
// its only child, shrinking the tree by one level.
func (bt *BTree[K, V]) collapseRoot(tx *transaction.InsertTransaction) error {
	for {
		rootID := tx.Root()
		buf, err := tx.Page(rootID)
		if err != nil {
			return err
		}
		root, ok, err := bt.format.Internal(buf)
		if err != nil {
			return fmt.Errorf("page %d: %w", rootID, err)
		}
		if !ok || root.Len() > 0 {
			return nil
		}
		tx.SetRoot(root.Child(0))
		if err := tx.FreePage(rootID); err != nil {
			return err
		}
	}
}
