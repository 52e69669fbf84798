package flushmanager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
)

const (
	MetadataMagic   uint32 = 0x6010DB4D
	MetadataVersion uint32 = 1

	// magic, version, root, next page, free count
	metadataHeaderSize = 5 * 4
)

// Metadata is the persisted state of a tree at rest: its root and the
// allocator state consistent with that root.
type Metadata struct {
	Root  pagemanager.PageID
	Pages *pagemanager.PageManager
}

// MarshalBinary encodes the metadata followed by a crc32 of everything before it.
func (m Metadata) MarshalBinary() ([]byte, error) {
	if m.Pages == nil {
		return nil, fmt.Errorf("%w: metadata without allocator state", ErrInvalidConfig)
	}
	free := m.Pages.FreePages()
	buf := make([]byte, metadataHeaderSize+len(free)*pagemanager.PageIDSize+checksumSize)
	binary.LittleEndian.PutUint32(buf[0:], MetadataMagic)
	binary.LittleEndian.PutUint32(buf[4:], MetadataVersion)
	pagemanager.PutPageID(buf[8:], m.Root)
	pagemanager.PutPageID(buf[12:], m.Pages.NextPage())
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(free)))
	off := metadataHeaderSize
	for _, id := range free {
		pagemanager.PutPageID(buf[off:], id)
		off += pagemanager.PageIDSize
	}
	binary.LittleEndian.PutUint32(buf[off:], crc32.ChecksumIEEE(buf[:off]))
	return buf, nil
}

// UnmarshalBinary decodes and validates data written by MarshalBinary.
func (m *Metadata) UnmarshalBinary(data []byte) error {
	if len(data) < metadataHeaderSize+checksumSize {
		return fmt.Errorf("%w: %d bytes", ErrCorruptMetadata, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:]); magic != MetadataMagic {
		return fmt.Errorf("%w: metadata magic 0x%x", ErrInvalidMagic, magic)
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != MetadataVersion {
		return fmt.Errorf("%w: unsupported metadata version %d", ErrCorruptMetadata, v)
	}
	n := int(binary.LittleEndian.Uint32(data[16:]))
	end := metadataHeaderSize + n*pagemanager.PageIDSize
	if len(data) != end+checksumSize {
		return fmt.Errorf("%w: free list length %d does not match %d bytes", ErrCorruptMetadata, n, len(data))
	}
	if want, got := binary.LittleEndian.Uint32(data[end:]), crc32.ChecksumIEEE(data[:end]); want != got {
		return fmt.Errorf("%w: metadata crc", ErrChecksumMismatch)
	}

	free := make([]pagemanager.PageID, n)
	for i := range free {
		free[i] = pagemanager.ReadPageID(data[metadataHeaderSize+i*pagemanager.PageIDSize:])
	}
	pm, err := pagemanager.RestorePageManager(pagemanager.ReadPageID(data[12:]), free)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
	}
	root := pagemanager.ReadPageID(data[8:])
	if root == pagemanager.InvalidPageID || root >= pm.NextPage() || pm.IsFree(root) {
		return fmt.Errorf("%w: root %d", ErrCorruptMetadata, root)
	}
	m.Root = root
	m.Pages = pm
	return nil
}

// WriteMetadataFile atomically replaces path with the encoded metadata:
// write to a sibling temp file, fsync, rename, fsync the directory.
func WriteMetadataFile(path string, m Metadata) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrIO, tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("%w: writing %s: %v", ErrIO, tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: syncing %s: %v", ErrIO, tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: renaming %s: %v", ErrIO, tmp, err)
	}
	return syncDir(filepath.Dir(path))
}

// ReadMetadataFile loads metadata written by WriteMetadataFile.
func ReadMetadataFile(path string) (Metadata, error) {
	var m Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m, fmt.Errorf("%w: %s", ErrDBFileNotFound, path)
		}
		return m, fmt.Errorf("%w: reading %s: %v", ErrIO, path, err)
	}
	if err := m.UnmarshalBinary(data); err != nil {
		return m, fmt.Errorf("metadata %s: %w", path, err)
	}
	return m, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("%w: opening dir %s: %v", ErrIO, dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("%w: syncing dir %s: %v", ErrIO, dir, err)
	}
	return nil
}
