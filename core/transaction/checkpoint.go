package transaction

import (
	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/cowbtree/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// Checkpoint is the result of CollectPending. It holds the writer locks
// until Commit is called.
type Checkpoint struct {
	tm *TransactionManager

	Root      pagemanager.PageID // root of the oldest still reachable version
	Version   uint64
	Reclaimed []pagemanager.PageID
	Collected int

	done bool
}

// Commit frees the reclaimed pages in a copy of the allocator and hands the
// resulting metadata to flush. The freed pages become allocatable only if
// flush succeeds; otherwise they stay unusable until the store is reopened.
func (c *Checkpoint) Commit(flush func(flushmanager.Metadata) error) error {
	if c.done {
		return nil
	}
	c.done = true
	defer c.tm.unlockWriter()

	pm := c.tm.pageManager.Clone()
	if err := pm.Free(c.Reclaimed...); err != nil {
		c.tm.logger.Error("checkpoint: reclaim failed", zap.Error(err))
		return err
	}
	if err := flush(flushmanager.Metadata{Root: c.Root, Pages: pm}); err != nil {
		c.tm.logger.Warn("checkpoint: flush failed, reclaimed pages withheld",
			zap.Int("pages", len(c.Reclaimed)), zap.Error(err))
		return err
	}
	c.tm.pageManager = pm
	c.tm.logger.Info("checkpoint committed",
		zap.Uint64("version", c.Version),
		zap.Uint32("root", uint32(c.Root)),
		zap.Int("collected", c.Collected),
		zap.Int("reclaimed", len(c.Reclaimed)))
	return nil
}

// Release gives up a checkpoint without persisting anything. The collected
// versions are already gone, so their pages stay unusable until reopen.
func (c *Checkpoint) Release() {
	if c.done {
		return
	}
	c.done = true
	c.tm.unlockWriter()
}
