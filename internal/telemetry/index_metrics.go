package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// IndexMetrics holds the metric instruments of one tree.
type IndexMetrics struct {
	InsertsCounter        metric.Int64Counter
	GetsCounter           metric.Int64Counter
	RangeScansCounter     metric.Int64Counter
	CommitsCounter        metric.Int64Counter
	AbortsCounter         metric.Int64Counter
	CheckpointsCounter    metric.Int64Counter
	ReclaimedPagesCounter metric.Int64Counter
	CommitLatency         metric.Float64Histogram
	ActiveReaders         metric.Int64UpDownCounter
	CacheHits             metric.Int64ObservableCounter
	CacheMisses           metric.Int64ObservableCounter

	reg metric.Registration
}

// CacheStatsFunc reports cumulative page cache hits and misses.
type CacheStatsFunc func() (hits, misses int64)

// NewIndexMetrics creates and registers all index instruments. cacheStats
// may be nil, in which case the cache counters are not observed.
func NewIndexMetrics(meter metric.Meter, cacheStats CacheStatsFunc) (*IndexMetrics, error) {
	m := &IndexMetrics{}
	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.InsertsCounter, "cowbtree.index.inserts_total", "Total number of keys inserted."},
		{&m.GetsCounter, "cowbtree.index.gets_total", "Total number of point lookups."},
		{&m.RangeScansCounter, "cowbtree.index.range_scans_total", "Total number of range scans opened."},
		{&m.CommitsCounter, "cowbtree.txn.commits_total", "Total number of committed write transactions."},
		{&m.AbortsCounter, "cowbtree.txn.aborts_total", "Total number of aborted write transactions."},
		{&m.CheckpointsCounter, "cowbtree.checkpoint.total", "Total number of persisted checkpoints."},
		{&m.ReclaimedPagesCounter, "cowbtree.checkpoint.reclaimed_pages_total", "Total number of pages returned to the allocator."},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
	}

	m.CommitLatency, err = meter.Float64Histogram(
		"cowbtree.txn.commit.duration",
		metric.WithDescription("The latency of write transactions, from start to publish."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveReaders, err = meter.Int64UpDownCounter(
		"cowbtree.txn.active_readers",
		metric.WithDescription("Number of open read transactions."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	if cacheStats == nil {
		return m, nil
	}
	m.CacheHits, err = meter.Int64ObservableCounter(
		"cowbtree.cache.hits_total",
		metric.WithDescription("Page cache hits."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	m.CacheMisses, err = meter.Int64ObservableCounter(
		"cowbtree.cache.misses_total",
		metric.WithDescription("Page cache misses."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	m.reg, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		hits, misses := cacheStats()
		o.ObserveInt64(m.CacheHits, hits)
		o.ObserveInt64(m.CacheMisses, misses)
		return nil
	}, m.CacheHits, m.CacheMisses)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Unregister stops observing the page cache.
func (m *IndexMetrics) Unregister() error {
	if m.reg == nil {
		return nil
	}
	return m.reg.Unregister()
}
