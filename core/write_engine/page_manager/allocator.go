package pagemanager

import (
	"errors"
	"fmt"
	"slices"
)

// ErrDoubleFree is returned when an id is freed twice or was never allocated.
var ErrDoubleFree = errors.New("page freed twice or never allocated")

// PageManager hands out fresh page ids and keeps the set of reclaimed ones.
// It is not safe for concurrent use; the transaction manager guards it.
type PageManager struct {
	nextPage PageID
	free     []PageID // reused LIFO
	freeSet  map[PageID]struct{}
}

// NewPageManager returns an allocator for an empty store.
func NewPageManager() *PageManager {
	return &PageManager{
		nextPage: FirstPageID,
		freeSet:  make(map[PageID]struct{}),
	}
}

// RestorePageManager rebuilds allocator state read from persisted metadata.
func RestorePageManager(nextPage PageID, free []PageID) (*PageManager, error) {
	if nextPage < FirstPageID {
		return nil, fmt.Errorf("next page %d is below the first page id", nextPage)
	}
	pm := &PageManager{
		nextPage: nextPage,
		free:     make([]PageID, 0, len(free)),
		freeSet:  make(map[PageID]struct{}, len(free)),
	}
	if err := pm.Free(free...); err != nil {
		return nil, err
	}
	return pm, nil
}

// NewPage returns a reclaimed id if one exists, otherwise extends the file.
func (pm *PageManager) NewPage() PageID {
	if n := len(pm.free); n > 0 {
		id := pm.free[n-1]
		pm.free = pm.free[:n-1]
		delete(pm.freeSet, id)
		return id
	}
	id := pm.nextPage
	pm.nextPage++
	return id
}

// Free returns ids to the allocator. An id that is already free, or that was
// never handed out, is rejected and nothing is freed.
func (pm *PageManager) Free(ids ...PageID) error {
	seen := make(map[PageID]struct{}, len(ids))
	for _, id := range ids {
		if id == InvalidPageID || id >= pm.nextPage {
			return fmt.Errorf("%w: page %d (next %d)", ErrDoubleFree, id, pm.nextPage)
		}
		if _, ok := pm.freeSet[id]; ok {
			return fmt.Errorf("%w: page %d", ErrDoubleFree, id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("%w: page %d", ErrDoubleFree, id)
		}
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		pm.free = append(pm.free, id)
		pm.freeSet[id] = struct{}{}
	}
	return nil
}

// Clone returns an independent copy, used to roll back an aborted transaction.
func (pm *PageManager) Clone() *PageManager {
	c := &PageManager{
		nextPage: pm.nextPage,
		free:     slices.Clone(pm.free),
		freeSet:  make(map[PageID]struct{}, len(pm.freeSet)),
	}
	for id := range pm.freeSet {
		c.freeSet[id] = struct{}{}
	}
	return c
}

func (pm *PageManager) NextPage() PageID { return pm.nextPage }
func (pm *PageManager) FreeCount() int   { return len(pm.free) }

func (pm *PageManager) IsFree(id PageID) bool {
	_, ok := pm.freeSet[id]
	return ok
}

// FreePages returns the reclaimed ids in ascending order.
func (pm *PageManager) FreePages() []PageID {
	out := slices.Clone(pm.free)
	slices.Sort(out)
	return out
}

// InUse reports how many allocated ids are not on the free list.
func (pm *PageManager) InUse() int {
	return int(pm.nextPage-FirstPageID) - len(pm.free)
}
