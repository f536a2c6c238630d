package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoicesync",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by route",
	}, []string{"route"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoicesync",
		Subsystem: "http",
		Name:      "aggregate_cache_lookups_total",
		Help:      "Aggregate cache lookups by aggregate and result",
	}, []string{"aggregate", "result"})

	feedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "invoicesync",
		Subsystem: "http",
		Name:      "feed_subscribers",
		Help:      "Connected sync feed websocket clients",
	})
)
