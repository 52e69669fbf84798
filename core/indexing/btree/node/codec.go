package node

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"fmt"
	"strings"

	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
)

// Codec lays a fixed-width value out in a page slot. Encode writes exactly
// Size() bytes into dst, which is at least that long.
type Codec[T any] interface {
	Size() int
	Encode(dst []byte, v T) error
	Decode(src []byte) T
}

// Order is a comparator over keys: negative, zero, or positive.
type Order[K any] func(a, b K) int

// DefaultKeyOrder is cmp.Compare for ordered key types.
func DefaultKeyOrder[K cmp.Ordered](a, b K) int {
	return cmp.Compare(a, b)
}

// --- Built-in Codecs ---

type uint64Codec struct{}

func (uint64Codec) Size() int { return 8 }
func (uint64Codec) Encode(dst []byte, v uint64) error {
	binary.LittleEndian.PutUint64(dst, v)
	return nil
}
func (uint64Codec) Decode(src []byte) uint64 { return binary.LittleEndian.Uint64(src) }

type uint32Codec struct{}

func (uint32Codec) Size() int { return 4 }
func (uint32Codec) Encode(dst []byte, v uint32) error {
	binary.LittleEndian.PutUint32(dst, v)
	return nil
}
func (uint32Codec) Decode(src []byte) uint32 { return binary.LittleEndian.Uint32(src) }

// int64Codec flips the sign bit and stores big-endian so that byte order
// matches numeric order.
type int64Codec struct{}

func (int64Codec) Size() int { return 8 }
func (int64Codec) Encode(dst []byte, v int64) error {
	binary.BigEndian.PutUint64(dst, uint64(v)^(1<<63))
	return nil
}
func (int64Codec) Decode(src []byte) int64 { return int64(binary.BigEndian.Uint64(src) ^ (1 << 63)) }

var (
	Uint64 Codec[uint64] = uint64Codec{}
	Uint32 Codec[uint32] = uint32Codec{}
	Int64  Codec[int64]  = int64Codec{}
)

// FixedString stores strings of up to n bytes, zero padded. Padding and
// content would be indistinguishable, so strings holding a NUL byte are
// rejected.
func FixedString(n int) Codec[string] { return stringCodec{n: n} }

type stringCodec struct{ n int }

func (c stringCodec) Size() int { return c.n }
func (c stringCodec) Encode(dst []byte, v string) error {
	if len(v) > c.n {
		return fmt.Errorf("%w: %d bytes, slot holds %d", flushmanager.ErrKeyTooLarge, len(v), c.n)
	}
	if i := strings.IndexByte(v, 0); i >= 0 {
		return fmt.Errorf("%w: NUL byte at offset %d", flushmanager.ErrInvalidKey, i)
	}
	n := copy(dst, v)
	clear(dst[n:c.n])
	return nil
}
func (c stringCodec) Decode(src []byte) string {
	return string(bytes.TrimRight(src[:c.n], "\x00"))
}

// FixedBytes stores byte slices of exactly n bytes.
func FixedBytes(n int) Codec[[]byte] { return bytesCodec{n: n} }

type bytesCodec struct{ n int }

func (c bytesCodec) Size() int { return c.n }
func (c bytesCodec) Encode(dst []byte, v []byte) error {
	if len(v) != c.n {
		return fmt.Errorf("%w: %d bytes, slot holds exactly %d", flushmanager.ErrKeyTooLarge, len(v), c.n)
	}
	copy(dst, v)
	return nil
}
func (c bytesCodec) Decode(src []byte) []byte {
	out := make([]byte, c.n)
	copy(out, src)
	return out
}
