// Package metrics wires kroxy's counters and histograms to
// prometheus/client_golang, the same library the pack's franz-go/plugin/kprom
// uses for client-side Kafka metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector kroxy registers (tagging decision
// recorded in DESIGN.md): Frames by virtual_cluster, api_key and direction;
// FilterDispatchSecs by virtual_cluster and filter; the KMS collectors by
// operation (and outcome); DEKRotations by KEK alias and reason; the
// decryptor-cache counters by KEK id.
type Metrics struct {
	Frames             *prometheus.CounterVec
	FilterDispatchSecs *prometheus.HistogramVec
	KMSCalls           *prometheus.CounterVec
	KMSCallSecs        *prometheus.HistogramVec
	DEKRotations       *prometheus.CounterVec
	DecryptCacheHits   *prometheus.CounterVec
	DecryptCacheMisses *prometheus.CounterVec
}

// New registers every collector on reg and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kroxy",
			Name:      "frames_total",
			Help:      "Frames observed by the proxy, by direction.",
		}, []string{"virtual_cluster", "api_key", "direction"}),
		FilterDispatchSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kroxy",
			Name:      "filter_dispatch_seconds",
			Help:      "Time spent in a single filter's OnRequest/OnResponse.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"virtual_cluster", "filter"}),
		KMSCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kroxy",
			Name:      "kms_calls_total",
			Help:      "Calls made to the configured KMS, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		KMSCallSecs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kroxy",
			Name:      "kms_call_seconds",
			Help:      "KMS call latency, by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		DEKRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kroxy",
			Name:      "dek_rotations_total",
			Help:      "DEK rotations, by KEK alias and reason.",
		}, []string{"kek_alias", "reason"}),
		DecryptCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kroxy",
			Name:      "decryptor_cache_hits_total",
			Help:      "Decryptor cache hits, by KEK id.",
		}, []string{"kek_id"}),
		DecryptCacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kroxy",
			Name:      "decryptor_cache_misses_total",
			Help:      "Decryptor cache misses, by KEK id.",
		}, []string{"kek_id"}),
	}

	reg.MustRegister(
		m.Frames,
		m.FilterDispatchSecs,
		m.KMSCalls,
		m.KMSCallSecs,
		m.DEKRotations,
		m.DecryptCacheHits,
		m.DecryptCacheMisses,
	)
	return m
}
