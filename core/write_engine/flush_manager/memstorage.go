package flushmanager

import (
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
)

// MemStorage keeps pages in memory. Used for in-memory trees and tests.
type MemStorage struct {
	pageSize int
	pages    *xsync.MapOf[pagemanager.PageID, []byte]
	closed   atomic.Bool
}

var _ Storage = (*MemStorage)(nil)

func NewMemStorage(pageSize int) (*MemStorage, error) {
	if pageSize < MinPageSize {
		return nil, fmt.Errorf("%w: page size %d below minimum %d", ErrPageTooSmall, pageSize, MinPageSize)
	}
	return &MemStorage{
		pageSize: pageSize,
		pages:    xsync.NewMapOf[pagemanager.PageID, []byte](),
	}, nil
}

func (s *MemStorage) PageSize() int { return s.pageSize }

// Len returns the number of pages ever written.
func (s *MemStorage) Len() int { return s.pages.Size() }

func (s *MemStorage) ReadPage(pageID pagemanager.PageID, buf []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	data, ok := s.pages.Load(pageID)
	if !ok {
		return fmt.Errorf("%w: page %d never written", ErrPageOutOfRange, pageID)
	}
	copy(buf, data)
	return nil
}

func (s *MemStorage) WritePage(pageID pagemanager.PageID, data []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if pageID == pagemanager.InvalidPageID {
		return fmt.Errorf("%w: page 0 is reserved", ErrPageOutOfRange)
	}
	if len(data) != s.pageSize {
		return fmt.Errorf("%w: write of %d bytes, page holds %d", ErrInvalidConfig, len(data), s.pageSize)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.pages.Store(pageID, cp)
	return nil
}

func (s *MemStorage) Sync() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (s *MemStorage) Close() error {
	s.closed.Store(true)
	return nil
}
