package node

import (
	"fmt"

	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
)

// Internal is a typed view over an internal node page: Len() separator keys
// and Len()+1 children. Child i holds keys k with key(i-1) <= k < key(i).
type Internal[K any] struct {
	buf    []byte
	layout Layout
	keys   Codec[K]
	order  Order[K]
}

func (n Internal[K]) Len() int      { return readLen(n.buf) }
func (n Internal[K]) Capacity() int { return n.layout.InternalCapacity() }

func (n Internal[K]) keySlot(i int) []byte {
	off := headerSize + i*n.layout.KeyBufferSize
	return n.buf[off : off+n.layout.KeyBufferSize]
}

func (n Internal[K]) childSlot(i int) []byte {
	off := n.layout.childOffset(i)
	return n.buf[off : off+childSize]
}

func (n Internal[K]) Key(i int) K { return n.keys.Decode(n.keySlot(i)) }

func (n Internal[K]) Child(i int) pagemanager.PageID {
	return pagemanager.ReadPageID(n.childSlot(i))
}

func (n Internal[K]) SetChild(i int, id pagemanager.PageID) {
	pagemanager.PutPageID(n.childSlot(i), id)
}

// Keys decodes all separator keys.
func (n Internal[K]) Keys() []K {
	out := make([]K, n.Len())
	for i := range out {
		out[i] = n.Key(i)
	}
	return out
}

// Children returns all child ids.
func (n Internal[K]) Children() []pagemanager.PageID {
	out := make([]pagemanager.PageID, n.Len()+1)
	for i := range out {
		out[i] = n.Child(i)
	}
	return out
}

// Search is a binary search over the separator keys.
func (n Internal[K]) Search(key K) (int, bool) {
	return searchSlots(n.Len(), n.Key, n.order, key)
}

// ChildIndex picks the child whose range contains key: an exact separator
// match goes right of it, otherwise to the insertion point, clamped to the
// last child.
func (n Internal[K]) ChildIndex(key K) int {
	pos, found := n.Search(key)
	if found {
		pos++
	}
	return min(pos, n.Len())
}

// InsertFirst turns an empty node into a root with one separator.
func (n Internal[K]) InsertFirst(key K, left, right pagemanager.PageID) error {
	if err := n.keys.Encode(n.keySlot(0), key); err != nil {
		return err
	}
	n.SetChild(0, left)
	n.SetChild(1, right)
	writeLen(n.buf, 1)
	return nil
}

// Insert adds key with child as its right neighbour. On overflow the node
// splits: the lower half stays here, the middle key is promoted, and the
// upper half moves to a page obtained from alloc.
func (n Internal[K]) Insert(key K, child pagemanager.PageID, alloc AllocFunc) (*Split[K], error) {
	pos, found := n.Search(key)
	if found {
		return nil, fmt.Errorf("%w: separator already present", flushmanager.ErrDuplicateKey)
	}
	slot := make([]byte, n.layout.KeyBufferSize)
	if err := n.keys.Encode(slot, key); err != nil {
		return nil, err
	}

	length := n.Len()
	if length < n.Capacity() {
		kbs := n.layout.KeyBufferSize
		keysStart := headerSize
		copy(n.buf[keysStart+(pos+1)*kbs:keysStart+(length+1)*kbs], n.buf[keysStart+pos*kbs:keysStart+length*kbs])
		copy(n.keySlot(pos), slot)
		childStart := n.layout.childOffset(0)
		copy(n.buf[childStart+(pos+2)*childSize:childStart+(length+2)*childSize], n.buf[childStart+(pos+1)*childSize:childStart+(length+1)*childSize])
		n.SetChild(pos+1, child)
		writeLen(n.buf, length+1)
		return nil, nil
	}

	// Overflow: build the combined sequence, then cut it.
	keys := make([][]byte, 0, length+1)
	children := make([]pagemanager.PageID, 0, length+2)
	for i := 0; i < length; i++ {
		if i == pos {
			keys = append(keys, slot)
		}
		keys = append(keys, append([]byte(nil), n.keySlot(i)...))
	}
	if pos == length {
		keys = append(keys, slot)
	}
	for i := 0; i <= length; i++ {
		children = append(children, n.Child(i))
		if i == pos {
			children = append(children, child)
		}
	}

	rightID, rightBuf, err := alloc()
	if err != nil {
		return nil, err
	}
	if err := n.layout.InitInternal(rightBuf); err != nil {
		return nil, err
	}
	right := Internal[K]{buf: rightBuf, layout: n.layout, keys: n.keys, order: n.order}

	total := len(keys)
	m := (total+1)/2 - 1
	pivot := n.keys.Decode(keys[m])

	n.fill(keys[:m], children[:m+1])
	right.fill(keys[m+1:], children[m+1:])
	return &Split[K]{Pivot: pivot, Right: rightID}, nil
}

// fill rewrites the node from encoded keys and children and zeroes the
// unused tail so equal trees have equal bytes.
func (n Internal[K]) fill(keys [][]byte, children []pagemanager.PageID) {
	for i := 0; i < n.Capacity(); i++ {
		if i < len(keys) {
			copy(n.keySlot(i), keys[i])
		} else {
			clear(n.keySlot(i))
		}
	}
	for i := 0; i <= n.Capacity(); i++ {
		if i < len(children) {
			n.SetChild(i, children[i])
		} else {
			n.SetChild(i, pagemanager.InvalidPageID)
		}
	}
	writeLen(n.buf, len(keys))
}
