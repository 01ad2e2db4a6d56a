// Package metrics holds the instrumentation handle for the block store.
// The handle is constructed explicitly and registered against a caller
// supplied registry, so its lifecycle follows the service that owns it
// instead of process global state.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Handle struct {
	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

func New() *Handle {
	return &Handle{
		QueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "block_store_queries_total",
			Help: "Number of block store operations invoked, by operation.",
		}, []string{"type"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "block_store_query_duration_seconds",
			Help:    "Duration of successful block store operations, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}
}

func (h *Handle) Register(r prometheus.Registerer) error {
	if h == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{h.QueriesTotal, h.QueryDuration} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handle) Unregister(r prometheus.Registerer) {
	if h == nil {
		return
	}
	r.Unregister(h.QueriesTotal)
	r.Unregister(h.QueryDuration)
}

// Observe counts one invocation of op and returns the completion
// callback. The duration sample is recorded only when the operation
// succeeded; failures keep the count but discard the timing. Safe to
// call on a nil handle.
func (h *Handle) Observe(op string) func(error) {
	if h == nil {
		return func(error) {}
	}
	h.QueriesTotal.WithLabelValues(op).Inc()
	start := time.Now()
	return func(err error) {
		if err == nil {
			h.QueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		}
	}
}

// StatsFunc supplies the current block count and total stored bytes.
type StatsFunc func() (count, size uint64, err error)

type storeCollector struct {
	stats StatsFunc
	count *prometheus.Desc
	size  *prometheus.Desc
}

// NewStoreCollector exposes live store totals as gauges, read at
// scrape time.
func NewStoreCollector(stats StatsFunc) prometheus.Collector {
	return &storeCollector{
		stats: stats,
		count: prometheus.NewDesc(
			"block_store_block_count",
			"Number of blocks currently stored.",
			nil, nil,
		),
		size: prometheus.NewDesc(
			"block_store_size",
			"Total size in bytes of all stored blocks.",
			nil, nil,
		),
	}
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.count
	ch <- c.size
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	count, size, err := c.stats()
	if err != nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.count, prometheus.GaugeValue, float64(count))
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(size))
}
