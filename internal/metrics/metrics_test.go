package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherFamily(t *testing.T, r *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	fams, err := r.Gather()
	if err != nil {
		t.Fatalf("Gather error: %v", err)
	}
	for _, mf := range fams {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestObserveRecordsCountAndDuration(t *testing.T) {
	h := New()
	r := prometheus.NewRegistry()
	if err := h.Register(r); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	finish := h.Observe("get")
	finish(nil)

	mf := gatherFamily(t, r, "block_store_queries_total")
	if mf == nil || len(mf.GetMetric()) != 1 {
		t.Fatalf("queries_total family missing")
	}
	if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Fatalf("queries_total: got %v want 1", got)
	}

	mf = gatherFamily(t, r, "block_store_query_duration_seconds")
	if mf == nil || len(mf.GetMetric()) != 1 {
		t.Fatalf("query_duration family missing")
	}
	if got := mf.GetMetric()[0].GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("duration samples: got %v want 1", got)
	}
}

func TestObserveSkipsDurationOnError(t *testing.T) {
	h := New()
	r := prometheus.NewRegistry()
	if err := h.Register(r); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	finish := h.Observe("insert")
	finish(errors.New("boom"))

	mf := gatherFamily(t, r, "block_store_queries_total")
	if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Fatalf("queries_total: got %v want 1", got)
	}
	mf = gatherFamily(t, r, "block_store_query_duration_seconds")
	if mf == nil {
		t.Fatalf("query_duration family missing")
	}
	if got := mf.GetMetric()[0].GetHistogram().GetSampleCount(); got != 0 {
		t.Fatalf("duration samples after failure: got %v want 0", got)
	}
}

func TestObserveNilHandle(t *testing.T) {
	var h *Handle
	finish := h.Observe("get")
	finish(nil) // must not panic
	if err := h.Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("nil Register error: %v", err)
	}
	h.Unregister(prometheus.NewRegistry())
}

func TestUnregisterAllowsReRegister(t *testing.T) {
	h := New()
	r := prometheus.NewRegistry()
	if err := h.Register(r); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	h.Unregister(r)
	if err := h.Register(r); err != nil {
		t.Fatalf("re-Register error: %v", err)
	}
}

func TestStoreCollectorReportsStats(t *testing.T) {
	count, size := uint64(7), uint64(4096)
	coll := NewStoreCollector(func() (uint64, uint64, error) {
		return count, size, nil
	})
	r := prometheus.NewRegistry()
	if err := r.Register(coll); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	mf := gatherFamily(t, r, "block_store_block_count")
	if mf == nil {
		t.Fatalf("block_count family missing")
	}
	if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 7 {
		t.Fatalf("block_count: got %v want 7", got)
	}
	mf = gatherFamily(t, r, "block_store_size")
	if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 4096 {
		t.Fatalf("size: got %v want 4096", got)
	}

	// the collector reads at scrape time
	count, size = 9, 8192
	mf = gatherFamily(t, r, "block_store_block_count")
	if got := mf.GetMetric()[0].GetGauge().GetValue(); got != 9 {
		t.Fatalf("block_count after update: got %v want 9", got)
	}
}

func TestStoreCollectorSkipsOnError(t *testing.T) {
	coll := NewStoreCollector(func() (uint64, uint64, error) {
		return 0, 0, errors.New("closed")
	})
	r := prometheus.NewRegistry()
	if err := r.Register(coll); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if mf := gatherFamily(t, r, "block_store_block_count"); mf != nil {
		t.Fatalf("expected no samples when stats fail")
	}
}
