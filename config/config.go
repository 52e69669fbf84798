// Package config loads the settings shared by the cowbtree binaries from a
// yaml file with COWBTREE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/sushant-115/cowbtree/core/indexing/btree"
	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
	"github.com/sushant-115/cowbtree/pkg/logger"
	"github.com/sushant-115/cowbtree/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "COWBTREE"

// IndexConfig configures the store opened by the binaries.
type IndexConfig struct {
	Dir           string `yaml:"dir" mapstructure:"dir"`
	PageSize      int    `yaml:"page_size" mapstructure:"page_size"`
	KeyBufferSize int    `yaml:"key_buffer_size" mapstructure:"key_buffer_size"`
	CacheSize     int    `yaml:"cache_size" mapstructure:"cache_size"`
	// CheckpointRate is checkpoints per second, 0 checkpoints after every
	// write and a negative rate disables automatic checkpoints.
	CheckpointRate float64 `yaml:"checkpoint_rate" mapstructure:"checkpoint_rate"`
	// BackupRateBytes limits backup copies, 0 is unlimited.
	BackupRateBytes int64 `yaml:"backup_rate_bytes" mapstructure:"backup_rate_bytes"`
}

type Config struct {
	Logger    logger.Config    `yaml:"logger" mapstructure:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry" mapstructure:"telemetry"`
	Index     IndexConfig      `yaml:"index" mapstructure:"index"`
}

func Default() Config {
	return Config{
		Logger: logger.Config{
			Level:      "info",
			Format:     "console",
			OutputFile: "stderr",
			Service:    logger.DefaultService,
		},
		Telemetry: telemetry.Config{
			ServiceName:      "cowbtree",
			PrometheusPort:   9464,
			TraceSampleRatio: 1,
		},
		Index: IndexConfig{
			Dir:           "./data",
			PageSize:      btree.DefaultPageSize,
			KeyBufferSize: 64,
			CacheSize:     btree.DefaultCacheSize,
		},
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Index.Dir == "" {
		errs = append(errs, errors.New("index.dir is required"))
	}
	if c.Index.PageSize < flushmanager.MinPageSize {
		errs = append(errs, fmt.Errorf("index.page_size %d below minimum %d", c.Index.PageSize, flushmanager.MinPageSize))
	}
	if c.Index.KeyBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("index.key_buffer_size must be positive, got %d", c.Index.KeyBufferSize))
	}
	if c.Index.BackupRateBytes < 0 {
		errs = append(errs, fmt.Errorf("index.backup_rate_bytes must not be negative, got %d", c.Index.BackupRateBytes))
	}
	if r := c.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %v outside [0, 1]", r))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", flushmanager.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Load reads path over the defaults. An empty path reads only defaults and
// environment. Nested keys map to variables like COWBTREE_INDEX_PAGE_SIZE.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Write stores cfg as yaml at path, refusing to overwrite an existing file.
func Write(path string, cfg Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create config %s: %w", path, err)
	}
	if _, err := f.Write(out); err != nil {
		f.Close()
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return f.Close()
}

// Every key needs a default for AutomaticEnv to reach it through Unmarshal.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.format", d.Logger.Format)
	v.SetDefault("logger.output_file", d.Logger.OutputFile)
	v.SetDefault("logger.service", d.Logger.Service)

	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
	v.SetDefault("telemetry.prometheus_port", d.Telemetry.PrometheusPort)
	v.SetDefault("telemetry.trace_sample_ratio", d.Telemetry.TraceSampleRatio)

	v.SetDefault("index.dir", d.Index.Dir)
	v.SetDefault("index.page_size", d.Index.PageSize)
	v.SetDefault("index.key_buffer_size", d.Index.KeyBufferSize)
	v.SetDefault("index.cache_size", d.Index.CacheSize)
	v.SetDefault("index.checkpoint_rate", d.Index.CheckpointRate)
	v.SetDefault("index.backup_rate_bytes", d.Index.BackupRateBytes)
}
