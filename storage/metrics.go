package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the reaper's Prometheus collectors.
type Metrics struct {
	Scanned      prometheus.Counter
	Reaped       prometheus.Counter
	DeleteErrors prometheus.Counter
	PassSeconds  prometheus.Histogram
}

// NewMetrics creates the reaper's collectors and registers them with reg. If
// reg is nil, the collectors are not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Scanned: f.NewCounter(prometheus.CounterOpts{
			Namespace: "farmer",
			Subsystem: "reaper",
			Name:      "items_scanned_total",
			Help:      "Storage items visited by the reaper.",
		}),
		Reaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "farmer",
			Subsystem: "reaper",
			Name:      "items_reaped_total",
			Help:      "Storage items deleted because all of their contracts expired.",
		}),
		DeleteErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "farmer",
			Subsystem: "reaper",
			Name:      "delete_errors_total",
			Help:      "Failed deletions of expired storage items.",
		}),
		PassSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "farmer",
			Subsystem: "reaper",
			Name:      "pass_duration_seconds",
			Help:      "Duration of a full reaper pass.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
}
