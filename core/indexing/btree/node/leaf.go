package node

import (
	"fmt"

	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
)

// Leaf is a typed view over a leaf page: Len() sorted keys with one value each.
type Leaf[K, V any] struct {
	buf    []byte
	layout Layout
	keys   Codec[K]
	values Codec[V]
	order  Order[K]
}

func (n Leaf[K, V]) Len() int      { return readLen(n.buf) }
func (n Leaf[K, V]) Capacity() int { return n.layout.LeafCapacity() }

func (n Leaf[K, V]) keySlot(i int) []byte {
	off := headerSize + i*n.layout.KeyBufferSize
	return n.buf[off : off+n.layout.KeyBufferSize]
}

func (n Leaf[K, V]) valueSlot(i int) []byte {
	off := headerSize + n.Capacity()*n.layout.KeyBufferSize + i*n.layout.ValueSize
	return n.buf[off : off+n.layout.ValueSize]
}

func (n Leaf[K, V]) Key(i int) K   { return n.keys.Decode(n.keySlot(i)) }
func (n Leaf[K, V]) Value(i int) V { return n.values.Decode(n.valueSlot(i)) }

// Keys decodes all keys.
func (n Leaf[K, V]) Keys() []K {
	out := make([]K, n.Len())
	for i := range out {
		out[i] = n.Key(i)
	}
	return out
}

// Values decodes all values.
func (n Leaf[K, V]) Values() []V {
	out := make([]V, n.Len())
	for i := range out {
		out[i] = n.Value(i)
	}
	return out
}

// Search is a binary search over the keys.
func (n Leaf[K, V]) Search(key K) (int, bool) {
	return searchSlots(n.Len(), n.Key, n.order, key)
}

// SetValue overwrites the value at i.
func (n Leaf[K, V]) SetValue(i int, v V) error {
	if i < 0 || i >= n.Len() {
		return fmt.Errorf("%w: value index %d of %d", flushmanager.ErrCorruptPage, i, n.Len())
	}
	return n.values.Encode(n.valueSlot(i), v)
}

// Remove deletes the entry at i, shifting the tail left.
func (n Leaf[K, V]) Remove(i int) {
	length := n.Len()
	if i < 0 || i >= length {
		return
	}
	for j := i; j < length-1; j++ {
		copy(n.keySlot(j), n.keySlot(j+1))
		copy(n.valueSlot(j), n.valueSlot(j+1))
	}
	clear(n.keySlot(length - 1))
	clear(n.valueSlot(length - 1))
	writeLen(n.buf, length-1)
}

// Insert adds key/value in order. On overflow the leaf splits: the first
// ceil(cap/2) entries stay, the rest move to a page from alloc, and the
// first key of that page is the pivot.
func (n Leaf[K, V]) Insert(key K, value V, alloc AllocFunc) (*Split[K], error) {
	pos, found := n.Search(key)
	if found {
		return nil, flushmanager.ErrDuplicateKey
	}
	kslot := make([]byte, n.layout.KeyBufferSize)
	if err := n.keys.Encode(kslot, key); err != nil {
		return nil, err
	}
	vslot := make([]byte, n.layout.ValueSize)
	if err := n.values.Encode(vslot, value); err != nil {
		return nil, err
	}

	length := n.Len()
	if length < n.Capacity() {
		for j := length; j > pos; j-- {
			copy(n.keySlot(j), n.keySlot(j-1))
			copy(n.valueSlot(j), n.valueSlot(j-1))
		}
		copy(n.keySlot(pos), kslot)
		copy(n.valueSlot(pos), vslot)
		writeLen(n.buf, length+1)
		return nil, nil
	}

	keys := make([][]byte, 0, length+1)
	values := make([][]byte, 0, length+1)
	for i := 0; i < length; i++ {
		if i == pos {
			keys, values = append(keys, kslot), append(values, vslot)
		}
		keys = append(keys, append([]byte(nil), n.keySlot(i)...))
		values = append(values, append([]byte(nil), n.valueSlot(i)...))
	}
	if pos == length {
		keys, values = append(keys, kslot), append(values, vslot)
	}

	rightID, rightBuf, err := alloc()
	if err != nil {
		return nil, err
	}
	if err := n.layout.InitLeaf(rightBuf); err != nil {
		return nil, err
	}
	right := Leaf[K, V]{buf: rightBuf, layout: n.layout, keys: n.keys, values: n.values, order: n.order}

	m := (n.Capacity() + 1) / 2
	pivot := n.keys.Decode(keys[m])
	n.fill(keys[:m], values[:m])
	right.fill(keys[m:], values[m:])
	return &Split[K]{Pivot: pivot, Right: rightID}, nil
}

func (n Leaf[K, V]) fill(keys, values [][]byte) {
	for i := 0; i < n.Capacity(); i++ {
		if i < len(keys) {
			copy(n.keySlot(i), keys[i])
			copy(n.valueSlot(i), values[i])
		} else {
			clear(n.keySlot(i))
			clear(n.valueSlot(i))
		}
	}
	writeLen(n.buf, len(keys))
}
