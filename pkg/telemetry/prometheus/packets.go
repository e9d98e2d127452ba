package prometheus

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	atomicBytesOut   uint64
	atomicPacketsOut uint64
	atomicPictures   uint64

	promPacketLabels = []string{"spatial_layer"}

	promPacketTotal  *prometheus.CounterVec
	promPacketBytes  *prometheus.CounterVec
	promPictureTotal prometheus.Counter
)

func initPacketStats(nodeID string) {
	promPacketTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   svcNamespace,
		Subsystem:   "packet",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, promPacketLabels)
	promPacketBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   svcNamespace,
		Subsystem:   "packet",
		Name:        "bytes",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	}, promPacketLabels)
	promPictureTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   svcNamespace,
		Subsystem:   "picture",
		Name:        "total",
		ConstLabels: prometheus.Labels{"node_id": nodeID},
	})

	prometheus.MustRegister(promPacketTotal)
	prometheus.MustRegister(promPacketBytes)
	prometheus.MustRegister(promPictureTotal)
}

// IncrementPackets records count packets carrying bytes of payload for one spatial layer frame.
func IncrementPackets(spatialLayer string, count uint64, bytes uint64) {
	atomic.AddUint64(&atomicPacketsOut, count)
	atomic.AddUint64(&atomicBytesOut, bytes)
	if !Initialized() {
		return
	}
	promPacketTotal.WithLabelValues(spatialLayer).Add(float64(count))
	promPacketBytes.WithLabelValues(spatialLayer).Add(float64(bytes))
}

// IncrementPictures counts completed super-frames.
func IncrementPictures() {
	atomic.AddUint64(&atomicPictures, 1)
	if !Initialized() {
		return
	}
	promPictureTotal.Inc()
}

type PacketStats struct {
	PacketsOut uint64
	BytesOut   uint64
	Pictures   uint64
}

func GetPacketStats() PacketStats {
	return PacketStats{
		PacketsOut: atomic.LoadUint64(&atomicPacketsOut),
		BytesOut:   atomic.LoadUint64(&atomicBytesOut),
		Pictures:   atomic.LoadUint64(&atomicPictures),
	}
}
