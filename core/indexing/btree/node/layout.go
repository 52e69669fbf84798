// Package node is the page codec of the copy-on-write B+Tree. It reads and
// writes fixed-size page buffers as internal or leaf nodes.
//
// Page layout, all integers little-endian:
//
//	internal: TAG(u64)=0 | LEN(u64) | KEYS[cap*keyBuf] | CHILDREN[(cap+1)*4]
//	leaf:     TAG(u64)=1 | LEN(u64) | KEYS[cap*keyBuf] | VALUES[cap*valueSize]
//
// Views are built on demand over a borrowed buffer and never retained.
package node

import (
	"encoding/binary"
	"fmt"

	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
)

// Tag identifies the node kind stored in a page.
type Tag uint64

const (
	TagInternal Tag = 0
	TagLeaf     Tag = 1
)

func (t Tag) String() string {
	switch t {
	case TagInternal:
		return "internal"
	case TagLeaf:
		return "leaf"
	default:
		return fmt.Sprintf("tag(%d)", uint64(t))
	}
}

const (
	tagSize    = 8
	lenSize    = 8
	headerSize = tagSize + lenSize
	childSize  = pagemanager.PageIDSize
)

// TagOf reads the node tag. Anything but internal or leaf is corruption.
func TagOf(buf []byte) (Tag, error) {
	if len(buf) < headerSize {
		return 0, fmt.Errorf("%w: %d byte page", flushmanager.ErrCorruptPage, len(buf))
	}
	t := Tag(binary.LittleEndian.Uint64(buf))
	if t != TagInternal && t != TagLeaf {
		return 0, fmt.Errorf("%w: %s", flushmanager.ErrCorruptPage, t)
	}
	return t, nil
}

// Layout is the byte geometry shared by every page of one tree.
type Layout struct {
	PageSize      int
	KeyBufferSize int
	ValueSize     int
}

// InternalCapacity is the maximum number of separator keys per internal node.
func (l Layout) InternalCapacity() int {
	if l.KeyBufferSize <= 0 {
		return 0
	}
	return max(0, (l.PageSize-headerSize-childSize)/(l.KeyBufferSize+childSize))
}

// LeafCapacity is the maximum number of entries per leaf.
func (l Layout) LeafCapacity() int {
	if l.KeyBufferSize <= 0 || l.ValueSize <= 0 {
		return 0
	}
	return max(0, (l.PageSize-headerSize)/(l.KeyBufferSize+l.ValueSize))
}

// Validate rejects layouts where a split could leave a node empty.
func (l Layout) Validate() error {
	if l.KeyBufferSize <= 0 || l.ValueSize <= 0 {
		return fmt.Errorf("%w: key buffer %d, value size %d", flushmanager.ErrInvalidConfig, l.KeyBufferSize, l.ValueSize)
	}
	if c := l.InternalCapacity(); c < 2 {
		return fmt.Errorf("%w: %d byte page holds %d internal keys of %d bytes", flushmanager.ErrPageTooSmall, l.PageSize, c, l.KeyBufferSize)
	}
	if c := l.LeafCapacity(); c < 2 {
		return fmt.Errorf("%w: %d byte page holds %d leaf entries of %d+%d bytes", flushmanager.ErrPageTooSmall, l.PageSize, c, l.KeyBufferSize, l.ValueSize)
	}
	return nil
}

// InitInternal stamps buf as an empty internal node.
func (l Layout) InitInternal(buf []byte) error {
	if len(buf) < l.PageSize || l.InternalCapacity() < 1 {
		return fmt.Errorf("%w: cannot hold an internal node", flushmanager.ErrPageTooSmall)
	}
	clear(buf)
	binary.LittleEndian.PutUint64(buf, uint64(TagInternal))
	return nil
}

// InitLeaf stamps buf as an empty leaf.
func (l Layout) InitLeaf(buf []byte) error {
	if len(buf) < l.PageSize || l.LeafCapacity() < 1 {
		return fmt.Errorf("%w: cannot hold a leaf", flushmanager.ErrPageTooSmall)
	}
	clear(buf)
	binary.LittleEndian.PutUint64(buf, uint64(TagLeaf))
	return nil
}

func rawLen(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf[tagSize:]) }

// readLen is only valid on a page that passed checked.
func readLen(buf []byte) int { return int(rawLen(buf)) }

func writeLen(buf []byte, n int) { binary.LittleEndian.PutUint64(buf[tagSize:], uint64(n)) }

// checked validates tag and length before a typed view is handed out.
func (l Layout) checked(buf []byte, want Tag) (bool, error) {
	if len(buf) < l.PageSize {
		return false, fmt.Errorf("%w: %d byte page, layout needs %d", flushmanager.ErrCorruptPage, len(buf), l.PageSize)
	}
	t, err := TagOf(buf)
	if err != nil {
		return false, err
	}
	if t != want {
		return false, nil
	}
	capacity := l.LeafCapacity()
	if t == TagInternal {
		capacity = l.InternalCapacity()
	}
	if n := rawLen(buf); n > uint64(capacity) {
		return false, fmt.Errorf("%w: %s holds %d entries, capacity %d", flushmanager.ErrCorruptPage, t, n, capacity)
	}
	return true, nil
}

func (l Layout) childOffset(i int) int {
	return headerSize + l.InternalCapacity()*l.KeyBufferSize + i*childSize
}

// ReplaceChild points the slot holding oldID at newID. It reports whether
// oldID was found. Used to redirect a parent at a copied child.
func (l Layout) ReplaceChild(buf []byte, oldID, newID pagemanager.PageID) (bool, error) {
	ok, err := l.checked(buf, TagInternal)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("%w: redirect target is not an internal node", flushmanager.ErrCorruptPage)
	}
	for i := 0; i <= readLen(buf); i++ {
		off := l.childOffset(i)
		if pagemanager.ReadPageID(buf[off:]) == oldID {
			pagemanager.PutPageID(buf[off:], newID)
			return true, nil
		}
	}
	return false, nil
}
