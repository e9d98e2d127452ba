package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	promLayerFrameTotal    *prometheus.CounterVec
	promKeySuperFrameTotal prometheus.Counter
	promRefreshedSlots     prometheus.Counter
	promPDiff              prometheus.Histogram
	promActiveLayers       prometheus.Gauge
	promLayerChangeTotal   *prometheus.CounterVec
)

func initLayerStats(nodeID string) {
	promLayerFrameTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   svcNamespace,
		Subsystem:   "layer",
		Name:        "frames",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"spatial_layer", "temporal_layer"})
	promKeySuperFrameTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   svcNamespace,
		Subsystem:   "layer",
		Name:        "key_super_frames",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promRefreshedSlots = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   svcNamespace,
		Subsystem:   "layer",
		Name:        "refreshed_slots",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Help:        "Reference slots overwritten by encoded frames.",
	})
	promPDiff = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace:   svcNamespace,
		Subsystem:   "layer",
		Name:        "p_diff",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
		Help:        "Distance in pictures from a frame to each of its references.",
		Buckets:     []float64{1, 2, 4, 8},
	})
	promActiveLayers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   svcNamespace,
		Subsystem:   "layer",
		Name:        "active_spatial_layers",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})
	promLayerChangeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   svcNamespace,
		Subsystem:   "layer",
		Name:        "changes",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, []string{"direction"})

	prometheus.MustRegister(promLayerFrameTotal)
	prometheus.MustRegister(promKeySuperFrameTotal)
	prometheus.MustRegister(promRefreshedSlots)
	prometheus.MustRegister(promPDiff)
	prometheus.MustRegister(promActiveLayers)
	prometheus.MustRegister(promLayerChangeTotal)
}

func RecordLayerFrame(spatial, temporal int, refreshedSlots int, pDiffs []int) {
	if !Initialized() {
		return
	}
	promLayerFrameTotal.WithLabelValues(strconv.Itoa(spatial), strconv.Itoa(temporal)).Inc()
	promRefreshedSlots.Add(float64(refreshedSlots))
	for _, pDiff := range pDiffs {
		promPDiff.Observe(float64(pDiff))
	}
}

func IncrementKeySuperFrames() {
	if !Initialized() {
		return
	}
	promKeySuperFrameTotal.Inc()
}

func RecordActiveLayers(previous, current int) {
	if !Initialized() {
		return
	}
	promActiveLayers.Set(float64(current))
	switch {
	case current > previous:
		promLayerChangeTotal.WithLabelValues("up").Inc()
	case current < previous:
		promLayerChangeTotal.WithLabelValues("down").Inc()
	}
}
