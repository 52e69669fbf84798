// Package flatfile is an append-only blob file. Each blob is stored once and
// addressed by the byte offset of its record.
package flatfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
	"go.uber.org/zap"
)

const (
	MaxBlobSize = 1 << 24 // 16 MiB
	MaxOffset   = 1 << 40

	headerSize = 16
	recordHead = 8 // len(u32) | crc32(u32)
)

var magic = [8]byte{0x81, 0x82, 0x83, 0x84, 0x85, 0x86, 0x87, 0x88}

var ErrBlobTooLarge = errors.New("blob exceeds maximum size")

// File appends blobs and reads them back by offset. Appends are serialized;
// reads run concurrently with them.
type File struct {
	path   string
	file   *os.File
	mu     sync.Mutex // serializes appends
	next   int64
	logger *zap.Logger
}

// Open creates path with a fresh header or reopens it after checking the magic.
func Open(path string, logger *zap.Logger) (*File, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("flatfile")

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", flushmanager.ErrIO, path, err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stating %s: %v", flushmanager.ErrIO, path, err)
	}

	f := &File{path: path, file: file, next: fi.Size(), logger: logger}
	if fi.Size() == 0 {
		var header [headerSize]byte
		copy(header[:], magic[:])
		if _, err := file.WriteAt(header[:], 0); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: writing header: %v", flushmanager.ErrIO, err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: syncing header: %v", flushmanager.ErrIO, err)
		}
		f.next = headerSize
		logger.Info("created blob file", zap.String("path", path))
		return f, nil
	}

	var header [headerSize]byte
	if _, err := file.ReadAt(header[:], 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %s is too short for a header", flushmanager.ErrInvalidMagic, path)
	}
	if !bytes.Equal(header[:len(magic)], magic[:]) {
		file.Close()
		return nil, fmt.Errorf("%w: %s", flushmanager.ErrInvalidMagic, path)
	}
	logger.Info("opened blob file", zap.String("path", path), zap.Int64("size", f.next))
	return f, nil
}

// Append writes blob at the end of the file and returns its offset. The blob
// is durable only after Sync.
func (f *File) Append(blob []byte) (uint64, error) {
	if len(blob) > MaxBlobSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrBlobTooLarge, len(blob))
	}
	rec := make([]byte, recordHead+len(blob))
	binary.LittleEndian.PutUint32(rec, uint32(len(blob)))
	binary.LittleEndian.PutUint32(rec[4:], crc32.ChecksumIEEE(blob))
	copy(rec[recordHead:], blob)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return 0, flushmanager.ErrClosed
	}
	pos := f.next
	if pos+int64(len(rec)) > MaxOffset {
		return 0, fmt.Errorf("%w: blob file is full", flushmanager.ErrIO)
	}
	if _, err := f.file.WriteAt(rec, pos); err != nil {
		return 0, fmt.Errorf("%w: appending at %d: %v", flushmanager.ErrIO, pos, err)
	}
	f.next = pos + int64(len(rec))
	return uint64(pos), nil
}

// ReadAt returns the blob stored at off.
func (f *File) ReadAt(off uint64) ([]byte, error) {
	f.mu.Lock()
	file, next := f.file, f.next
	f.mu.Unlock()
	if file == nil {
		return nil, flushmanager.ErrClosed
	}
	if off < headerSize || int64(off)+recordHead > next {
		return nil, fmt.Errorf("%w: blob offset %d outside file of %d bytes", flushmanager.ErrInconsistentRead, off, next)
	}

	var head [recordHead]byte
	if _, err := file.ReadAt(head[:], int64(off)); err != nil {
		return nil, fmt.Errorf("%w: reading blob header at %d: %v", flushmanager.ErrIO, off, err)
	}
	size := binary.LittleEndian.Uint32(head[:])
	if size > MaxBlobSize || int64(off)+recordHead+int64(size) > next {
		return nil, fmt.Errorf("%w: blob at %d claims %d bytes", flushmanager.ErrInconsistentRead, off, size)
	}
	blob := make([]byte, size)
	if _, err := file.ReadAt(blob, int64(off)+recordHead); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: reading blob at %d: %v", flushmanager.ErrIO, off, err)
	}
	if crc32.ChecksumIEEE(blob) != binary.LittleEndian.Uint32(head[4:]) {
		return nil, fmt.Errorf("%w: blob at %d", flushmanager.ErrChecksumMismatch, off)
	}
	return blob, nil
}

// Size is the current file length, header included.
func (f *File) Size() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

func (f *File) Path() string { return f.path }

func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return flushmanager.ErrClosed
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", flushmanager.ErrIO, f.path, err)
	}
	return nil
}

// Close syncs and closes the file. Closing twice is a no-op.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	syncErr := f.file.Sync()
	closeErr := f.file.Close()
	f.file = nil
	if syncErr != nil {
		return fmt.Errorf("%w: syncing on close: %v", flushmanager.ErrIO, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: closing %s: %v", flushmanager.ErrIO, f.path, closeErr)
	}
	return nil
}
