package node

import (
	"fmt"

	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
)

// AllocFunc hands out a fresh page for the right half of a split. The
// returned buffer is PageSize bytes and owned by the caller's transaction.
type AllocFunc func() (pagemanager.PageID, []byte, error)

// Split is returned by an insert that overflowed its node. Pivot belongs in
// the parent, pointing at Right.
type Split[K any] struct {
	Pivot K
	Right pagemanager.PageID
}

// Format binds a Layout to the key and value types of one tree.
type Format[K, V any] struct {
	Layout
	Keys   Codec[K]
	Values Codec[V]
	Order  Order[K]
}

// NewFormat validates that the codecs fit the layout.
func NewFormat[K, V any](pageSize, keyBufferSize int, keys Codec[K], values Codec[V], order Order[K]) (Format[K, V], error) {
	var f Format[K, V]
	if keys == nil || values == nil || order == nil {
		return f, fmt.Errorf("%w: key codec, value codec and key order are required", flushmanager.ErrInvalidConfig)
	}
	if keyBufferSize == 0 {
		keyBufferSize = keys.Size()
	}
	if keys.Size() > keyBufferSize {
		return f, fmt.Errorf("%w: key codec needs %d bytes, key buffer is %d", flushmanager.ErrKeyTooLarge, keys.Size(), keyBufferSize)
	}
	f = Format[K, V]{
		Layout: Layout{PageSize: pageSize, KeyBufferSize: keyBufferSize, ValueSize: values.Size()},
		Keys:   keys,
		Values: values,
		Order:  order,
	}
	if err := f.Layout.Validate(); err != nil {
		return Format[K, V]{}, err
	}
	return f, nil
}

// Internal returns an internal view of buf, or ok=false if buf is a leaf.
func (f Format[K, V]) Internal(buf []byte) (Internal[K], bool, error) {
	ok, err := f.checked(buf, TagInternal)
	if err != nil || !ok {
		return Internal[K]{}, false, err
	}
	return Internal[K]{buf: buf, layout: f.Layout, keys: f.Keys, order: f.Order}, true, nil
}

// Leaf returns a leaf view of buf, or ok=false if buf is internal.
func (f Format[K, V]) Leaf(buf []byte) (Leaf[K, V], bool, error) {
	ok, err := f.checked(buf, TagLeaf)
	if err != nil || !ok {
		return Leaf[K, V]{}, false, err
	}
	return Leaf[K, V]{buf: buf, layout: f.Layout, keys: f.Keys, values: f.Values, order: f.Order}, true, nil
}

// NewInternal initializes buf and returns its view.
func (f Format[K, V]) NewInternal(buf []byte) (Internal[K], error) {
	if err := f.InitInternal(buf); err != nil {
		return Internal[K]{}, err
	}
	n, _, err := f.Internal(buf)
	return n, err
}

// NewLeaf initializes buf and returns its view.
func (f Format[K, V]) NewLeaf(buf []byte) (Leaf[K, V], error) {
	if err := f.InitLeaf(buf); err != nil {
		return Leaf[K, V]{}, err
	}
	n, _, err := f.Leaf(buf)
	return n, err
}

// searchSlots is a lower-bound binary search over n encoded key slots.
func searchSlots[K any](n int, at func(int) K, order Order[K], key K) (int, bool) {
	lo, hi := 0, n
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if order(at(mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < n && order(at(lo), key) == 0
}
