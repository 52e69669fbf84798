// Command btree drives concurrent writers and snapshot readers against one
// tree and checks that every reader saw a committed prefix.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"github.com/sushant-115/cowbtree/config"
	"github.com/sushant-115/cowbtree/core/indexing/btree"
	"github.com/sushant-115/cowbtree/core/indexing/btree/node"
	"github.com/sushant-115/cowbtree/pkg/logger"
	"github.com/sushant-115/cowbtree/pkg/telemetry"
	"go.uber.org/zap"
)

type loadConfig struct {
	configFile string
	dir        string
	keys       int
	batch      int
	readers    int
	inMemory   bool
}

func main() {
	var lc loadConfig
	cmd := &cobra.Command{
		Use:          "btree",
		Short:        "concurrent load against a copy-on-write B+Tree",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), lc)
		},
	}
	cmd.Flags().StringVar(&lc.configFile, "config", "", "yaml config file")
	cmd.Flags().StringVar(&lc.dir, "dir", "/tmp/cowbtree-load", "data directory")
	cmd.Flags().IntVar(&lc.keys, "keys", 200_000, "keys to insert")
	cmd.Flags().IntVar(&lc.batch, "batch", 500, "keys per transaction")
	cmd.Flags().IntVar(&lc.readers, "readers", 10, "concurrent snapshot readers")
	cmd.Flags().BoolVar(&lc.inMemory, "in-memory", false, "keep pages in memory")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, lc loadConfig) error {
	cfg, err := config.Load(lc.configFile)
	if err != nil {
		return err
	}
	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer zlogger.Sync()
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	opts := btree.OptionsFor[uint64, uint64](node.Uint64, node.Uint64)
	opts.PageSize = cfg.Index.PageSize
	opts.CacheSize = cfg.Index.CacheSize
	opts.CheckpointRate = cfg.Index.CheckpointRate
	opts.Meter, opts.Tracer = tel.Meter, tel.Tracer

	var bt *btree.BTree[uint64, uint64]
	if lc.inMemory {
		bt, err = btree.NewInMemory(opts, zlogger.Named("btree_index"))
	} else {
		if err := os.RemoveAll(lc.dir); err != nil {
			return err
		}
		bt, err = btree.Open(lc.dir, opts, zlogger.Named("btree_index"))
	}
	if err != nil {
		return err
	}
	defer bt.Close()

	var (
		committed atomic.Uint64 // keys [0, committed) are visible
		done      = make(chan struct{})
		wg        sync.WaitGroup
		scans     atomic.Int64
		failures  atomic.Int64
	)
	for i := 0; i < lc.readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if err := checkPrefix(ctx, bt, committed.Load()); err != nil {
					zlogger.Error("reader saw an inconsistent snapshot", zap.Error(err))
					failures.Add(1)
					return
				}
				scans.Add(1)
			}
		}()
	}

	start := time.Now()
	for lo := 0; lo < lc.keys; lo += lc.batch {
		hi := min(lo+lc.batch, lc.keys)
		err := bt.InsertMany(ctx, func(yield func(uint64, uint64) bool) {
			for k := lo; k < hi; k++ {
				if !yield(uint64(k), uint64(k)*10) {
					return
				}
			}
		})
		if err != nil {
			close(done)
			wg.Wait()
			return fmt.Errorf("batch [%d, %d): %w", lo, hi, err)
		}
		committed.Store(uint64(hi))
	}
	took := time.Since(start)
	close(done)
	wg.Wait()

	if _, err := bt.Checkpoint(ctx); err != nil {
		return err
	}
	if err := bt.Verify(ctx); err != nil {
		return err
	}
	height, err := bt.Height(ctx)
	if err != nil {
		return err
	}
	s := bt.Stats()
	zlogger.Info("load finished",
		zap.Int("keys", lc.keys),
		zap.Duration("took", took),
		zap.Float64("keys_per_sec", float64(lc.keys)/took.Seconds()),
		zap.Int64("reader_scans", scans.Load()),
		zap.Int64("reader_failures", failures.Load()),
		zap.Int("height", height),
		zap.Uint32("next_page", uint32(s.NextPage)),
		zap.Int("free_pages", s.FreePages),
		zap.Uint64("cache_hits", s.CacheHits),
		zap.Uint64("cache_misses", s.CacheMisses))
	if failures.Load() > 0 {
		return fmt.Errorf("%d readers saw inconsistent snapshots", failures.Load())
	}
	return nil
}

// checkPrefix opens a snapshot and checks it holds exactly keys [0, n) for
// some n >= floor, with no gaps.
func checkPrefix(ctx context.Context, bt *btree.BTree[uint64, uint64], floor uint64) error {
	snap, err := bt.ReadTransaction()
	if err != nil {
		return err
	}
	defer snap.Close()
	it, err := snap.Range(ctx, btree.Full[uint64]())
	if err != nil {
		return err
	}
	defer it.Close()
	var want uint64
	for k, v := range it.All() {
		if k != want || v != k*10 {
			return fmt.Errorf("expected key %d, got %d=%d", want, k, v)
		}
		want++
	}
	if err := it.Err(); err != nil {
		return err
	}
	if want < floor {
		return fmt.Errorf("snapshot holds %d keys, %d were already committed", want, floor)
	}
	return nil
}
