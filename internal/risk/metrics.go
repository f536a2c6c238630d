package risk

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	enrichmentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoicesync",
		Subsystem: "risk",
		Name:      "enrichment_total",
		Help:      "Risk enrichment calls by provider and outcome",
	}, []string{"provider", "outcome"})

	enrichmentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "invoicesync",
		Subsystem: "risk",
		Name:      "enrichment_duration_seconds",
		Help:      "Risk enrichment latency in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"provider"})
)

func recordEnrichment(provider, outcome string, elapsed time.Duration) {
	enrichmentTotal.WithLabelValues(provider, outcome).Inc()
	enrichmentDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}
