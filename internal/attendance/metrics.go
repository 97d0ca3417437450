package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_scans_total",
		Help: "Submitted codes by outcome.",
	}, []string{"outcome"})

	refreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rollcall_refresh_duration_seconds",
		Help:    "Time to refetch a session's attendance.",
		Buckets: prometheus.DefBuckets,
	})

	refreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_refresh_failures_total",
		Help: "Refreshes that failed to reach the store.",
	})

	correctionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_reconcile_corrections_total",
		Help: "Optimistic changes contradicted by the store.",
	}, []string{"kind"})

	writeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_write_retries_total",
		Help: "Attendance inserts retried after a transient failure.",
	})

	openDesks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollcall_open_desks",
		Help: "Session views currently open.",
	})
)
