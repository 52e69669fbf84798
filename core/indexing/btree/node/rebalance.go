package node

import (
	"fmt"
	"slices"

	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
)

// Borrow and merge helpers used by delete. In each of them n and its sibling
// are children of parent and sep is the index of the separator between them.

// MinLen is the fewest entries a non-root leaf holds, ceil(cap/2). A split
// never leaves less on either side.
func (n Leaf[K, V]) MinLen() int     { return (n.Capacity() + 1) / 2 }
func (n Leaf[K, V]) Underflow() bool { return n.Len() < n.MinLen() }
func (n Leaf[K, V]) CanLend() bool   { return n.Len() > n.MinLen() }

func (n Leaf[K, V]) entries() (keys, values [][]byte) {
	keys = make([][]byte, n.Len())
	values = make([][]byte, n.Len())
	for i := range keys {
		keys[i] = slices.Clone(n.keySlot(i))
		values[i] = slices.Clone(n.valueSlot(i))
	}
	return keys, values
}

// TakeFromLeft moves the last entry of left to the front of n.
func (n Leaf[K, V]) TakeFromLeft(left Leaf[K, V], parent Internal[K], sep int) {
	lk, lv := left.entries()
	k, v := n.entries()
	last := len(lk) - 1
	n.fill(append([][]byte{lk[last]}, k...), append([][]byte{lv[last]}, v...))
	left.fill(lk[:last], lv[:last])
	copy(parent.keySlot(sep), n.keySlot(0))
}

// TakeFromRight moves the first entry of right to the end of n.
func (n Leaf[K, V]) TakeFromRight(right Leaf[K, V], parent Internal[K], sep int) {
	rk, rv := right.entries()
	k, v := n.entries()
	n.fill(append(k, rk[0]), append(v, rv[0]))
	right.fill(rk[1:], rv[1:])
	copy(parent.keySlot(sep), right.keySlot(0))
}

// MergeRight appends every entry of right to n and drops the separator and
// right's slot from parent. right's page is left for the caller to free.
func (n Leaf[K, V]) MergeRight(right Leaf[K, V], parent Internal[K], sep int) error {
	k, v := n.entries()
	rk, rv := right.entries()
	if len(k)+len(rk) > n.Capacity() {
		return fmt.Errorf("%w: merged leaf would hold %d of %d entries", flushmanager.ErrCorruptPage, len(k)+len(rk), n.Capacity())
	}
	n.fill(append(k, rk...), append(v, rv...))
	parent.RemoveAt(sep)
	return nil
}

// MinLen is the fewest separators a non-root internal node holds,
// ceil((cap+1)/2) children less one.
func (n Internal[K]) MinLen() int     { return (n.Capacity()+2)/2 - 1 }
func (n Internal[K]) Underflow() bool { return n.Len() < n.MinLen() }
func (n Internal[K]) CanLend() bool   { return n.Len() > n.MinLen() }

func (n Internal[K]) entries() ([][]byte, []pagemanager.PageID) {
	keys := make([][]byte, n.Len())
	for i := range keys {
		keys[i] = slices.Clone(n.keySlot(i))
	}
	return keys, n.Children()
}

// ChildSlot returns the index of the slot pointing at id, or -1.
func (n Internal[K]) ChildSlot(id pagemanager.PageID) int {
	for i := 0; i <= n.Len(); i++ {
		if n.Child(i) == id {
			return i
		}
	}
	return -1
}

// RemoveAt deletes separator i together with its right child.
func (n Internal[K]) RemoveAt(i int) {
	keys, children := n.entries()
	if i < 0 || i >= len(keys) {
		return
	}
	n.fill(slices.Delete(keys, i, i+1), slices.Delete(children, i+1, i+2))
}

// TakeFromLeft rotates through the parent: the separator comes down to the
// front of n with left's last child, and left's last key goes up.
func (n Internal[K]) TakeFromLeft(left Internal[K], parent Internal[K], sep int) {
	lk, lc := left.entries()
	k, c := n.entries()
	last := len(lk) - 1
	down := slices.Clone(parent.keySlot(sep))
	n.fill(append([][]byte{down}, k...), append([]pagemanager.PageID{lc[last+1]}, c...))
	copy(parent.keySlot(sep), lk[last])
	left.fill(lk[:last], lc[:last+1])
}

// TakeFromRight is the mirror of TakeFromLeft.
func (n Internal[K]) TakeFromRight(right Internal[K], parent Internal[K], sep int) {
	rk, rc := right.entries()
	k, c := n.entries()
	down := slices.Clone(parent.keySlot(sep))
	n.fill(append(k, down), append(c, rc[0]))
	copy(parent.keySlot(sep), rk[0])
	right.fill(rk[1:], rc[1:])
}

// MergeRight pulls the separator down and appends right's keys and children.
func (n Internal[K]) MergeRight(right Internal[K], parent Internal[K], sep int) error {
	k, c := n.entries()
	rk, rc := right.entries()
	if len(k)+1+len(rk) > n.Capacity() {
		return fmt.Errorf("%w: merged node would hold %d of %d keys", flushmanager.ErrCorruptPage, len(k)+1+len(rk), n.Capacity())
	}
	keys := append(append(k, slices.Clone(parent.keySlot(sep))), rk...)
	n.fill(keys, append(c, rc...))
	parent.RemoveAt(sep)
	return nil
}
