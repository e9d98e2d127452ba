package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

const (
	svcNamespace string = "svc"
)

var (
	initialized atomic.Bool

	SessionCounter     *prometheus.CounterVec
	promActiveSessions prometheus.Gauge
)

func Init(nodeID string) {
	if initialized.Swap(true) {
		return
	}

	SessionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   svcNamespace,
			Subsystem:   "node",
			Name:        "sessions",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
		[]string{"status"},
	)

	promActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   svcNamespace,
			Subsystem:   "node",
			Name:        "active_sessions",
			ConstLabels: prometheus.Labels{"node_id": nodeID},
		},
	)

	prometheus.MustRegister(SessionCounter)
	prometheus.MustRegister(promActiveSessions)

	initPacketStats(nodeID)
	initLayerStats(nodeID)
}

func Initialized() bool {
	return initialized.Load()
}

func SessionStarted() {
	if !initialized.Load() {
		return
	}
	promActiveSessions.Inc()
}

func SessionEnded(err error) {
	if !initialized.Load() {
		return
	}
	promActiveSessions.Dec()
	status := "success"
	if err != nil {
		status = "failure"
	}
	SessionCounter.WithLabelValues(status).Inc()
}
