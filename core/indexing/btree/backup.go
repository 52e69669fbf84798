package btree

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/cowbtree/core/storage_engine/common"
	"github.com/sushant-115/cowbtree/core/transaction"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// BackupInfo describes a finished backup.
type BackupInfo struct {
	ID          uuid.UUID
	Dir         string
	Version     uint64
	Bytes       int64
	PagesSHA256 [sha256.Size]byte
	Took        time.Duration
}

// Backup checkpoints, then copies the page file and metadata into a new
// directory under dstRoot named after the backup id. Writers wait while the
// files are copied; readers do not. rateBytesPerSec limits the copy speed,
// <= 0 means unlimited. The copy opens like any other tree directory.
func (bt *BTree[K, V]) Backup(ctx context.Context, dstRoot string, rateBytesPerSec int64) (BackupInfo, error) {
	var info BackupInfo
	if err := bt.enter(); err != nil {
		return info, err
	}
	defer bt.leave()
	if bt.dir == "" {
		return info, fmt.Errorf("%w: in-memory trees cannot be backed up", ErrInvalidConfig)
	}

	ctx, span := bt.tracer.Start(ctx, "btree.Backup")
	defer span.End()
	start := time.Now()

	if _, err := bt.checkpoint(ctx, bt.tm.CollectPending()); err != nil {
		return info, err
	}

	info.ID = uuid.New()
	info.Dir = filepath.Join(dstRoot, info.ID.String())
	if err := os.MkdirAll(info.Dir, 0755); err != nil {
		return info, fmt.Errorf("failed to create backup dir: %w", err)
	}

	err := bt.tm.Exclusive(func(latest *transaction.Version) error {
		info.Version = latest.ID()
		res, err := common.CopyThrottled(ctx, bt.logger,
			filepath.Join(bt.dir, PagesFileName), filepath.Join(info.Dir, PagesFileName), rateBytesPerSec)
		if err != nil {
			return err
		}
		info.Bytes, info.PagesSHA256 = res.Bytes, res.SHA256
		_, err = common.CopyThrottled(ctx, bt.logger,
			bt.metaPath, filepath.Join(info.Dir, MetadataFileName), 0)
		return err
	})
	if err != nil {
		_ = os.RemoveAll(info.Dir)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return BackupInfo{}, fmt.Errorf("backup %s failed: %w", info.ID, err)
	}

	info.Took = time.Since(start)
	span.SetAttributes(attribute.String("cowbtree.backup_id", info.ID.String()), attribute.Int64("cowbtree.bytes", info.Bytes))
	bt.logger.Info("backup complete",
		zap.String("backup_id", info.ID.String()),
		zap.String("dir", info.Dir),
		zap.Uint64("version", info.Version),
		zap.Int64("bytes", info.Bytes),
		zap.Duration("took", info.Took))
	return info, nil
}
