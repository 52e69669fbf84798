package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/sushant-115/cowbtree/config"
	"github.com/sushant-115/cowbtree/core/indexing/btree"
	"github.com/sushant-115/cowbtree/core/indexing/btree/node"
	"github.com/sushant-115/cowbtree/core/storage_engine/kvstore"
	"github.com/sushant-115/cowbtree/pkg/logger"
	"github.com/sushant-115/cowbtree/pkg/telemetry"
	"go.uber.org/zap"
)

const Version = "0.3.0"

// app is the state shared by every command of one invocation.
type app struct {
	cfg      config.Config
	store    *kvstore.Store[string]
	logger   *zap.Logger
	shutdown telemetry.ShutdownFunc
	out      io.Writer
}

var (
	cfgFile string
	dirFlag string
	cli     = &app{}

	rootCmd = &cobra.Command{
		Use:   "cowbtree",
		Short: "embedded copy-on-write B+Tree key-value store",
		Long: fmt.Sprintf(`cowbtree (v%s)

Stores values under ordered string keys in a copy-on-write B+Tree.
Readers see a consistent snapshot while a single writer commits.`, Version),
		SilenceUsage:       true,
		PersistentPreRunE:  func(cmd *cobra.Command, _ []string) error { return cli.open(cmd) },
		PersistentPostRunE: func(*cobra.Command, []string) error { return cli.close() },
	}
)

func init() {
	cobra.OnInitialize(loadEnv)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "yaml config file (defaults and COWBTREE_* env otherwise)")
	rootCmd.PersistentFlags().StringVar(&dirFlag, "dir", "", "data directory, overrides index.dir")

	rootCmd.AddCommand(putCmd, getCmd, scanCmd, delCmd, checkpointCmd, backupCmd, statsCmd, initConfigCmd, shellCmd)
}

func loadEnv() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

func (a *app) open(cmd *cobra.Command) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if dirFlag != "" {
		cfg.Index.Dir = dirFlag
	}
	a.cfg = cfg
	a.out = cmd.OutOrStdout()

	if a.logger, err = logger.New(cfg.Logger); err != nil {
		return err
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	a.shutdown = shutdown

	opts := btree.OptionsFor[string, uint64](node.FixedString(cfg.Index.KeyBufferSize), node.Uint64)
	opts.PageSize = cfg.Index.PageSize
	opts.CacheSize = cfg.Index.CacheSize
	opts.Meter = tel.Meter
	opts.Tracer = tel.Tracer
	a.store, err = kvstore.Open[string](cfg.Index.Dir, opts, a.logger)
	if err != nil {
		_ = shutdown(context.Background())
		return fmt.Errorf("failed to open store in %s: %w", cfg.Index.Dir, err)
	}
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.shutdown != nil {
		errs = append(errs, a.shutdown(context.Background()))
		a.shutdown = nil
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
