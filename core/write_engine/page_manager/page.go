package pagemanager

import (
	"encoding/binary"
)

// --- Page Management ---

const (
	// InvalidPageID doubles as the null child pointer and as the id of the
	// file header slot. The allocator never hands it out.
	InvalidPageID PageID = 0
	FirstPageID   PageID = 1

	// PageIDSize is the on-page width of a PageID.
	PageIDSize = 4
)

// PageID represents a unique identifier for a page slot.
type PageID uint32

// PutPageID writes id into b in little-endian order.
func PutPageID(b []byte, id PageID) {
	binary.LittleEndian.PutUint32(b, uint32(id))
}

// ReadPageID reads a little-endian PageID from b.
func ReadPageID(b []byte) PageID {
	return PageID(binary.LittleEndian.Uint32(b))
}

// Page is an id plus its fixed-size buffer. Committed pages are shared
// between readers and must be treated as read-only.
type Page struct {
	id   PageID
	data []byte
}

// NewPage creates a zeroed Page.
func NewPage(id PageID, size int) *Page {
	return &Page{
		id:   id,
		data: make([]byte, size),
	}
}

// WrapPage wraps an existing buffer without copying.
func WrapPage(id PageID, data []byte) *Page {
	return &Page{id: id, data: data}
}

func (p *Page) GetData() []byte   { return p.data }
func (p *Page) GetPageID() PageID { return p.id }

// Clone returns a deep copy of the page under a new id.
func (p *Page) Clone(id PageID) *Page {
	data := make([]byte, len(p.data))
	copy(data, p.data)
	return &Page{id: id, data: data}
}
