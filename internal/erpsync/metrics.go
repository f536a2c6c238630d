package erpsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoicesync",
		Subsystem: "sync",
		Name:      "cycles_total",
		Help:      "Reconciliation cycles by status and failing step",
	}, []string{"status", "step"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "invoicesync",
		Subsystem: "sync",
		Name:      "cycle_duration_seconds",
		Help:      "Reconciliation cycle duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	candidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoicesync",
		Subsystem: "sync",
		Name:      "candidates_total",
		Help:      "Reconciled candidates by outcome",
	}, []string{"outcome"})

	recalculationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invoicesync",
		Subsystem: "sync",
		Name:      "risk_recalculations_total",
		Help:      "Forced risk recalculations by outcome",
	}, []string{"outcome"})
)

func recordCycle(report CycleReport) {
	if report.Status == StatusSkipped {
		cyclesTotal.WithLabelValues(report.Status, "").Inc()
		return
	}
	cyclesTotal.WithLabelValues(report.Status, report.Step).Inc()
	if !report.StartedAt.IsZero() && !report.FinishedAt.IsZero() {
		cycleDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	}
	candidatesTotal.WithLabelValues("updated").Add(float64(report.DBUpdated))
	candidatesTotal.WithLabelValues("unchanged").Add(float64(report.SkippedSameHash))
	candidatesTotal.WithLabelValues("failed").Add(float64(len(report.FailedInvoices)))
}

func recordRecalculation(outcome string) {
	recalculationsTotal.WithLabelValues(outcome).Inc()
}
