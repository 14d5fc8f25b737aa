package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the tunnel client's Prometheus collectors.
type Metrics struct {
	ChannelsOpened prometheus.Counter
	ChannelsActive prometheus.Gauge
	FramesIn       prometheus.Counter
	FramesOut      prometheus.Counter
	Errors         *prometheus.CounterVec
}

// NewMetrics creates the tunnel's collectors and registers them with reg. If
// reg is nil, the collectors are not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChannelsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: "farmer",
			Subsystem: "tunnel",
			Name:      "channels_opened_total",
			Help:      "Data channels opened by the relay.",
		}),
		ChannelsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "farmer",
			Subsystem: "tunnel",
			Name:      "channels_active",
			Help:      "Data channels currently open.",
		}),
		FramesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: "farmer",
			Subsystem: "tunnel",
			Name:      "frames_received_total",
			Help:      "Frames received from the relay.",
		}),
		FramesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: "farmer",
			Subsystem: "tunnel",
			Name:      "frames_sent_total",
			Help:      "Frames sent to the relay.",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmer",
			Subsystem: "tunnel",
			Name:      "errors_total",
			Help:      "Tunnel errors, by source.",
		}, []string{"source"}),
	}
}
