package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"vaultbot/internal/cache"
	"vaultbot/internal/rotation"
)

func find(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			return m
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return nil
}

func TestRecorderCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveRequest("photo", rotation.OutcomeDelivered, 20*time.Millisecond)
	c.ObserveRequest("photo", rotation.OutcomeDelivered, 30*time.Millisecond)
	c.ObserveRequest("photo", rotation.OutcomeThrottled, time.Millisecond)
	c.IncRetired("video")
	c.IncReset("photo", true)
	c.IncDeliveryFailure("video", rotation.StatusPermanentFailure)

	if v := find(t, reg, "vaultbot_requests_total", map[string]string{"catalog": "photo", "outcome": "delivered"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("delivered = %v, want 2", v)
	}
	if v := find(t, reg, "vaultbot_request_duration_seconds", map[string]string{"catalog": "photo"}).GetHistogram().GetSampleCount(); v != 3 {
		t.Errorf("latency samples = %v, want 3", v)
	}
	if v := find(t, reg, "vaultbot_items_retired_total", map[string]string{"catalog": "video"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("retired = %v", v)
	}
	if v := find(t, reg, "vaultbot_watch_resets_total", map[string]string{"forced": "true"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("resets = %v", v)
	}
	if v := find(t, reg, "vaultbot_delivery_failures_total", map[string]string{"status": "permanent"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("failures = %v", v)
	}
}

func TestRecordJob(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordJob("lease_reaper", 3, nil)
	c.RecordJob("lease_reaper", 0, nil)
	c.RecordJob("lease_reaper", 9, errors.New("db"))

	if v := find(t, reg, "vaultbot_maintenance_runs_total", map[string]string{"result": "ok"}).GetCounter().GetValue(); v != 2 {
		t.Errorf("ok runs = %v", v)
	}
	if v := find(t, reg, "vaultbot_maintenance_runs_total", map[string]string{"result": "error"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("error runs = %v", v)
	}
	if v := find(t, reg, "vaultbot_maintenance_affected_total", nil).GetCounter().GetValue(); v != 3 {
		t.Errorf("affected = %v", v)
	}
}

func TestCacheCollectorAndHandler(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	tc := cache.New[string, int]()
	tc.Set("a", 1, time.Minute)
	tc.Get("a")
	tc.Get("b")
	c.TrackCache("bans", tc)

	if v := find(t, reg, "vaultbot_cache_entries", map[string]string{"cache": "bans"}).GetGauge().GetValue(); v != 1 {
		t.Errorf("entries = %v", v)
	}
	if v := find(t, reg, "vaultbot_cache_misses_total", map[string]string{"cache": "bans"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("misses = %v", v)
	}

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `vaultbot_cache_hits_total{cache="bans"} 1`) {
		t.Errorf("scrape output missing cache hits:\n%s", body)
	}
}
