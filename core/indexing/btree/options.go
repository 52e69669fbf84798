package btree

import (
	"cmp"
	"fmt"

	"github.com/sushant-115/cowbtree/core/indexing/btree/node"
	flushmanager "github.com/sushant-115/cowbtree/core/write_engine/flush_manager"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// --- Configuration & Constants ---

const (
	DefaultPageSize  = 4096 // Bytes per page slot on disk, checksum trailer included
	DefaultCacheSize = 1024 // Pages

	PagesFileName    = "pages.db"
	MetadataFileName = "metadata"
)

// Options configures a tree. Keys, Values and Order are required.
type Options[K, V any] struct {
	Keys   node.Codec[K]
	Values node.Codec[V]
	Order  node.Order[K]

	// PageSize is the size of a page slot. Zero means DefaultPageSize.
	PageSize int
	// KeyBufferSize is the bytes reserved per key. Zero means Keys.Size().
	KeyBufferSize int
	// CacheSize is the number of decoded pages kept in memory. Zero means
	// DefaultCacheSize, negative disables the cache.
	CacheSize int
	// CheckpointRate is the maximum number of automatic checkpoints per
	// second after writes. Zero checkpoints after every write, negative
	// leaves checkpointing to the caller.
	CheckpointRate float64

	Meter  metric.Meter
	Tracer trace.Tracer
}

// OptionsFor returns options for a cmp.Ordered key type using its natural order.
func OptionsFor[K cmp.Ordered, V any](keys node.Codec[K], values node.Codec[V]) Options[K, V] {
	return Options[K, V]{Keys: keys, Values: values, Order: node.DefaultKeyOrder[K]}
}

func (o Options[K, V]) withDefaults() Options[K, V] {
	if o.PageSize == 0 {
		o.PageSize = DefaultPageSize
	}
	if o.CacheSize == 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.CacheSize < 0 {
		o.CacheSize = 0
	}
	if o.Meter == nil {
		o.Meter = noop.NewMeterProvider().Meter("")
	}
	if o.Tracer == nil {
		o.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	return o
}

func (o Options[K, V]) validate() error {
	if o.PageSize < flushmanager.MinPageSize {
		return fmt.Errorf("%w: page size %d below minimum %d", flushmanager.ErrPageTooSmall, o.PageSize, flushmanager.MinPageSize)
	}
	if o.KeyBufferSize < 0 {
		return fmt.Errorf("%w: negative key buffer size", flushmanager.ErrInvalidConfig)
	}
	return nil
}
