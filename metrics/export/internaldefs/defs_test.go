package internaldefs

import (
	"strings"
	"testing"

	"github.com/MrEthical07/authgate"
)

func TestDefsCoverEveryMetric(t *testing.T) {
	seen := map[authgate.MetricID]bool{}
	names := map[string]bool{}
	for _, def := range CounterDefs {
		if seen[def.ID] {
			t.Fatalf("duplicate counter id %d", def.ID)
		}
		if !strings.HasPrefix(def.Name, "authgate_") || !strings.HasSuffix(def.Name, "_total") {
			t.Fatalf("counter name %q must be authgate_*_total", def.Name)
		}
		seen[def.ID] = true
		names[def.Name] = true
	}
	for _, def := range HistogramDefs {
		if seen[def.ID] {
			t.Fatalf("histogram id %d also defined as counter", def.ID)
		}
		seen[def.ID] = true
		names[def.Name] = true
	}
	if names[AuditDropped.Name] {
		t.Fatalf("audit dropped name %q collides", AuditDropped.Name)
	}

	snap := authgate.NewMetrics(authgate.MetricsConfig{Enabled: true, EnableLatencyHistograms: true}).Snapshot()
	for id := range snap.Counters {
		if !seen[id] {
			t.Fatalf("counter %d has no export definition", id)
		}
	}
	for id := range snap.Histograms {
		if !seen[id] {
			t.Fatalf("histogram %d has no export definition", id)
		}
	}
}

func TestCumulativeBuckets(t *testing.T) {
	got := CumulativeBuckets(NormalizeBuckets([]uint64{1, 2, 3}))
	want := [8]uint64{1, 3, 6, 6, 6, 6, 6, 6}
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if len(HistogramBounds) != len(want) {
		t.Fatal("bucket bounds must match bucket count")
	}
}
