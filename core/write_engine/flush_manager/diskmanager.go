package flushmanager

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"

	"github.com/google/uuid"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- Configuration & Constants ---

const (
	DBMagic          uint32 = 0x6010DB00
	DBFormatVersion  uint32 = 1
	MinPageSize             = 64
	dbFileHeaderSize        = 64
	checksumSize            = 4 // crc32 trailer at the end of every page slot
)

// Storage is the raw page backing of a tree. Page buffers exchanged with it
// are exactly PageSize() bytes long.
type Storage interface {
	PageSize() int
	ReadPage(pageID pagemanager.PageID, buf []byte) error
	WritePage(pageID pagemanager.PageID, data []byte) error
	Sync() error
	Close() error
}

// StoreSettings are fixed when a file is created and validated on every open.
type StoreSettings struct {
	PageSize      int
	KeyBufferSize int
	ValueSize     int
}

// DBFileHeader occupies page slot 0, which is why PageID 0 is never allocated.
type DBFileHeader struct {
	Magic         uint32
	Version       uint32
	PageSize      uint32
	KeyBufferSize uint32
	ValueSize     uint32
	StoreID       [16]byte
	_             [dbFileHeaderSize - (5*4 + 16)]byte
}

// DiskManager stores pages in a single file. Slot i lives at offset
// i*pageSize; the last four bytes of a slot hold a crc32 of the rest.
type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int // slot size on disk
	numPages uint64
	header   DBFileHeader
	mu       sync.Mutex
	logger   *zap.Logger
}

var _ Storage = (*DiskManager)(nil)

func NewDiskManager(filePath string, pageSize int, logger *zap.Logger) (*DiskManager, error) {
	if pageSize < MinPageSize {
		return nil, fmt.Errorf("%w: page size %d below minimum %d", ErrPageTooSmall, pageSize, MinPageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskManager{
		filePath: filePath,
		pageSize: pageSize,
		logger:   logger.Named("disk_manager"),
	}, nil
}

// OpenOrCreateFile opens an existing page file or creates a new one.
// 'create' decides what happens when the file does or does not exist.
func (dm *DiskManager) OpenOrCreateFile(create bool, settings StoreSettings) (*DBFileHeader, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	_, statErr := os.Stat(dm.filePath)
	switch {
	case errors.Is(statErr, os.ErrNotExist):
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrDBFileNotFound, dm.filePath)
		}
		file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: creating file %s: %v", ErrIO, dm.filePath, err)
		}
		dm.file = file
		dm.header = DBFileHeader{
			Magic:         DBMagic,
			Version:       DBFormatVersion,
			PageSize:      uint32(dm.pageSize),
			KeyBufferSize: uint32(settings.KeyBufferSize),
			ValueSize:     uint32(settings.ValueSize),
			StoreID:       uuid.New(),
		}
		if err := dm.writeHeader(&dm.header); err != nil {
			dm.file.Close()
			_ = os.Remove(dm.filePath)
			return nil, fmt.Errorf("failed to write initial header: %w", err)
		}
		dm.numPages = 1
		dm.logger.Info("created page file",
			zap.String("path", dm.filePath),
			zap.Int("page_size", dm.pageSize),
			zap.String("store_id", uuid.UUID(dm.header.StoreID).String()))

	case statErr == nil:
		if create {
			return nil, fmt.Errorf("%w: %s", ErrDBFileExists, dm.filePath)
		}
		file, err := os.OpenFile(dm.filePath, os.O_RDWR, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, dm.filePath, err)
		}
		dm.file = file
		if err := dm.readHeader(&dm.header); err != nil {
			dm.file.Close()
			return nil, fmt.Errorf("failed to read database header: %w", err)
		}
		if err := dm.validateHeader(settings); err != nil {
			dm.file.Close()
			return nil, err
		}
		fi, err := dm.file.Stat()
		if err != nil {
			dm.file.Close()
			return nil, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
		}
		dm.numPages = uint64(fi.Size()) / uint64(dm.pageSize)
		dm.logger.Info("opened page file",
			zap.String("path", dm.filePath),
			zap.Uint64("pages", dm.numPages),
			zap.String("store_id", uuid.UUID(dm.header.StoreID).String()))

	default:
		return nil, fmt.Errorf("%w: stating file %s: %v", ErrIO, dm.filePath, statErr)
	}

	header := dm.header
	return &header, nil
}

func (dm *DiskManager) validateHeader(settings StoreSettings) error {
	if dm.header.Magic != DBMagic {
		dm.logger.Error("magic number mismatch",
			zap.Uint32("expected", DBMagic), zap.Uint32("got", dm.header.Magic))
		return fmt.Errorf("%w: 0x%x in %s", ErrInvalidMagic, dm.header.Magic, dm.filePath)
	}
	if dm.header.Version != DBFormatVersion {
		return fmt.Errorf("%w: unsupported format version %d", ErrInvalidConfig, dm.header.Version)
	}
	if dm.header.PageSize != uint32(dm.pageSize) {
		return fmt.Errorf("%w: file has %d, configured %d", ErrPageSizeMismatch, dm.header.PageSize, dm.pageSize)
	}
	if dm.header.KeyBufferSize != uint32(settings.KeyBufferSize) || dm.header.ValueSize != uint32(settings.ValueSize) {
		return fmt.Errorf("%w: file was created with key buffer %d and value size %d, configured %d and %d",
			ErrInvalidConfig, dm.header.KeyBufferSize, dm.header.ValueSize, settings.KeyBufferSize, settings.ValueSize)
	}
	return nil
}

// writeHeader serializes the header into slot 0.
func (dm *DiskManager) writeHeader(header *DBFileHeader) error {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: serializing header: %v", ErrIO, err)
	}
	slot := make([]byte, dm.pageSize)
	copy(slot, buf.Bytes())
	binary.LittleEndian.PutUint32(slot[dm.pageSize-checksumSize:], crc32.ChecksumIEEE(slot[:dm.pageSize-checksumSize]))
	if _, err := dm.file.WriteAt(slot, 0); err != nil {
		return fmt.Errorf("%w: writing header to disk: %v", ErrIO, err)
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing header: %v", ErrIO, err)
	}
	return nil
}

// readHeader reads slot 0 and decodes it.
func (dm *DiskManager) readHeader(header *DBFileHeader) error {
	raw := make([]byte, dbFileHeaderSize)
	if _, err := dm.file.ReadAt(raw, 0); err != nil {
		return fmt.Errorf("%w: reading header: %v", ErrIO, err)
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: decoding header: %v", ErrIO, err)
	}
	return nil
}

// PageSize is the number of usable bytes per page, the slot minus its trailer.
func (dm *DiskManager) PageSize() int { return dm.pageSize - checksumSize }

// StoreID identifies the file across backups and copies.
func (dm *DiskManager) StoreID() uuid.UUID { return uuid.UUID(dm.header.StoreID) }

// GetNumPages returns the number of slots in the file, header included.
func (dm *DiskManager) GetNumPages() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

// ReadPage reads and verifies the page into buf.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, buf []byte) error {
	if len(buf) != dm.PageSize() {
		return fmt.Errorf("%w: read buffer of %d bytes, page holds %d", ErrInvalidConfig, len(buf), dm.PageSize())
	}
	dm.mu.Lock()
	numPages, file := dm.numPages, dm.file
	dm.mu.Unlock()
	if file == nil {
		return ErrClosed
	}
	if pageID == pagemanager.InvalidPageID || uint64(pageID) >= numPages {
		return fmt.Errorf("%w: page %d of %d", ErrPageOutOfRange, pageID, numPages)
	}

	slot := make([]byte, dm.pageSize)
	if _, err := file.ReadAt(slot, int64(pageID)*int64(dm.pageSize)); err != nil {
		return fmt.Errorf("%w: reading page %d: %v", ErrIO, pageID, err)
	}
	payload := slot[:dm.pageSize-checksumSize]
	if want, got := binary.LittleEndian.Uint32(slot[dm.pageSize-checksumSize:]), crc32.ChecksumIEEE(payload); want != got {
		return fmt.Errorf("%w: page %d", ErrChecksumMismatch, pageID)
	}
	copy(buf, payload)
	return nil
}

// WritePage writes data and its checksum to the page slot, growing the file
// when pageID is past the end.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, data []byte) error {
	if len(data) != dm.PageSize() {
		return fmt.Errorf("%w: write of %d bytes, page holds %d", ErrInvalidConfig, len(data), dm.PageSize())
	}
	if pageID == pagemanager.InvalidPageID {
		return fmt.Errorf("%w: page 0 is the file header", ErrPageOutOfRange)
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrClosed
	}

	slot := make([]byte, dm.pageSize)
	copy(slot, data)
	binary.LittleEndian.PutUint32(slot[dm.pageSize-checksumSize:], crc32.ChecksumIEEE(slot[:dm.pageSize-checksumSize]))
	if _, err := dm.file.WriteAt(slot, int64(pageID)*int64(dm.pageSize)); err != nil {
		return fmt.Errorf("%w: writing page %d: %v", ErrIO, pageID, err)
	}
	if uint64(pageID) >= dm.numPages {
		dm.numPages = uint64(pageID) + 1
	}
	return nil
}

// Sync flushes written pages to stable storage.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrClosed
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, dm.filePath, err)
	}
	return nil
}

// Close syncs and closes the file. Closing twice is a no-op.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	syncErr := dm.file.Sync()
	closeErr := dm.file.Close()
	dm.file = nil
	if syncErr != nil {
		return fmt.Errorf("%w: syncing on close: %v", ErrIO, syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, dm.filePath, closeErr)
	}
	return nil
}
