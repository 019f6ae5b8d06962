package authgate

import (
	"sync"
	"testing"
	"time"
)

func TestMetricsDisabledNoIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	m.Inc(MetricRateLimitRejected)

	if got := m.Value(MetricRateLimitRejected); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if snap := m.Snapshot(); len(snap.Counters) != 0 {
		t.Fatalf("expected empty snapshot, got %d counters", len(snap.Counters))
	}
}

func TestMetricsEnabledIncrement(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Inc(MetricTokenIssued)
	m.Inc(MetricTokenIssued)
	m.Inc(MetricTokenIssued)

	if got := m.Value(MetricTokenIssued); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestMetricsConcurrentIncrementSafe(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})

	const goroutines = 32
	const perG = 4000

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perG; j++ {
				m.Inc(MetricRateLimitAllowed)
			}
		}()
	}
	wg.Wait()

	want := uint64(goroutines * perG)
	if got := m.Value(MetricRateLimitAllowed); got != want {
		t.Fatalf("expected %d, got %d", want, got)
	}
}

func TestMetricsHistogramBucketCorrectness(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})

	observations := []time.Duration{
		5 * time.Millisecond,
		10 * time.Millisecond,
		25 * time.Millisecond,
		50 * time.Millisecond,
		100 * time.Millisecond,
		250 * time.Millisecond,
		500 * time.Millisecond,
		700 * time.Millisecond,
	}
	for _, d := range observations {
		m.Observe(MetricGateLatency, d)
	}

	snap := m.Snapshot()
	buckets := snap.Histograms[MetricGateLatency]
	if len(buckets) != 8 {
		t.Fatalf("expected 8 buckets, got %d", len(buckets))
	}
	for i, v := range buckets {
		if v != 1 {
			t.Fatalf("bucket %d expected 1, got %d", i, v)
		}
	}
	for _, v := range snap.Histograms[MetricVerifyLatency] {
		if v != 0 {
			t.Fatal("expected verify latency histogram to stay empty")
		}
	}
}

func TestMetricsObserveIgnoresCounters(t *testing.T) {
	m := NewMetrics(MetricsConfig{
		Enabled:                 true,
		EnableLatencyHistograms: true,
	})
	m.Observe(MetricTokenIssued, time.Millisecond)

	snap := m.Snapshot()
	if _, ok := snap.Histograms[MetricTokenIssued]; ok {
		t.Fatal("expected no histogram for a counter metric")
	}
	if _, ok := snap.Counters[MetricGateLatency]; ok {
		t.Fatal("expected latency metrics to be reported as histograms only")
	}
}

func TestMetricsLatencyRequiresHistogramsEnabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true})
	m.Observe(MetricGateLatency, time.Millisecond)

	if snap := m.Snapshot(); len(snap.Histograms) != 0 {
		t.Fatalf("expected no histograms, got %d", len(snap.Histograms))
	}
}

func TestEngineRecordsVerifyLatency(t *testing.T) {
	e := buildTestEngine(t, testConfig(), func(b *Builder) {
		b.WithMetricsEnabled(true).WithLatencyHistograms(true)
	})

	if _, err := e.VerifyAccess(t.Context(), "not-a-token", ""); err == nil {
		t.Fatal("expected malformed token to fail")
	}
	e.RecordGateLatency(3 * time.Millisecond)

	snap := e.MetricsSnapshot()
	var verify, gate uint64
	for _, v := range snap.Histograms[MetricVerifyLatency] {
		verify += v
	}
	for _, v := range snap.Histograms[MetricGateLatency] {
		gate += v
	}
	if verify != 1 || gate != 1 {
		t.Fatalf("expected one sample each, got verify=%d gate=%d", verify, gate)
	}
	if snap.Counters[MetricAccessRejected] != 1 {
		t.Fatalf("expected one rejected access, got %d", snap.Counters[MetricAccessRejected])
	}
}
