package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/sushant-115/cowbtree/config"
	"github.com/sushant-115/cowbtree/core/indexing/btree"
)

var (
	putCmd = &cobra.Command{
		Use:   "put [key] [value...]",
		Short: "Stores a value under a new key",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.put(cmd.Context(), args)
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Prints the value stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.get(cmd.Context(), args)
		},
	}
	scanCmd = &cobra.Command{
		Use:   "scan [from] [to]",
		Short: "Prints keys in [from, to) in order",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return cli.scan(cmd.Context(), args, limit)
		},
	}
	delCmd = &cobra.Command{
		Use:   "del [key]",
		Short: "Removes a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.del(cmd.Context(), args)
		},
	}
	checkpointCmd = &cobra.Command{
		Use:   "checkpoint",
		Short: "Reclaims unreachable pages and persists the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cli.checkpoint(cmd.Context())
		},
	}
	backupCmd = &cobra.Command{
		Use:   "backup [destination]",
		Short: "Copies the store into a new directory under destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.backup(cmd.Context(), args)
		},
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Prints version, allocator and cache counters",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cli.stats()
			return nil
		},
	}
	initConfigCmd = &cobra.Command{
		Use:                "init-config [path]",
		Short:              "Writes the default configuration as yaml",
		Args:               cobra.ExactArgs(1),
		PersistentPreRunE:  func(*cobra.Command, []string) error { return nil },
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Write(args[0], config.Default()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
)

func init() {
	scanCmd.Flags().Int("limit", 100, "maximum number of keys to print, 0 for all")
}

func (a *app) put(ctx context.Context, args []string) error {
	if err := a.store.Put(ctx, args[0], []byte(strings.Join(args[1:], " "))); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "OK")
	return nil
}

func (a *app) get(ctx context.Context, args []string) error {
	blob, ok, err := a.store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(a.out, "(not found)")
		return nil
	}
	fmt.Fprintln(a.out, string(blob))
	return nil
}

func (a *app) scan(ctx context.Context, args []string, limit int) error {
	r := btree.Full[string]()
	if len(args) > 0 {
		r.Start = btree.Included(args[0])
	}
	if len(args) > 1 {
		r.End = btree.Excluded(args[1])
	}
	n := 0
	err := a.store.Scan(ctx, r, func(k string, blob []byte) bool {
		fmt.Fprintf(a.out, "%s\t%s\n", k, blob)
		n++
		return limit <= 0 || n < limit
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "(%d keys)\n", n)
	return nil
}

func (a *app) del(ctx context.Context, args []string) error {
	if err := a.store.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "OK")
	return nil
}

func (a *app) checkpoint(ctx context.Context) error {
	collected, err := a.store.Index().Checkpoint(ctx)
	if err != nil {
		return err
	}
	if collected {
		fmt.Fprintln(a.out, "checkpointed")
	} else {
		fmt.Fprintln(a.out, "nothing to checkpoint")
	}
	return nil
}

func (a *app) backup(ctx context.Context, args []string) error {
	info, err := a.store.Backup(ctx, args[0], a.cfg.Index.BackupRateBytes)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "backup %s\n  dir:     %s\n  version: %d\n  bytes:   %d\n  sha256:  %x\n  took:    %s\n",
		info.ID, info.Dir, info.Version, info.Bytes, info.PagesSHA256, info.Took)
	return nil
}

func (a *app) stats() {
	s := a.store.Stats()
	fmt.Fprintf(a.out, "version:          %d\n", s.Version)
	fmt.Fprintf(a.out, "root:             %d\n", s.Root)
	fmt.Fprintf(a.out, "pending versions: %d\n", s.PendingVersions)
	fmt.Fprintf(a.out, "readers:          %d (pinned %d)\n", s.Readers, s.PinnedReaders)
	fmt.Fprintf(a.out, "next page:        %d\n", s.NextPage)
	fmt.Fprintf(a.out, "free pages:       %d\n", s.FreePages)
	fmt.Fprintf(a.out, "cache:            %d pages, %d hits, %d misses\n", s.CachedPages, s.CacheHits, s.CacheMisses)
	fmt.Fprintf(a.out, "page writes:      %d\n", s.PageWrites)
	fmt.Fprintf(a.out, "blob bytes:       %d\n", s.BlobBytes)
}
