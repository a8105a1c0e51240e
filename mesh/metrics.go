package mesh

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	relayMetricsOnce   sync.Once
	sharedRelayMetrics *relayMetrics
)

type relayMetrics struct {
	relayed      prometheus.Counter
	duplicates   prometheus.Counter
	ttlDrops     prometheus.Counter
	registrySize prometheus.Gauge
}

func getRelayMetrics() *relayMetrics {
	relayMetricsOnce.Do(func() {
		rm := &relayMetrics{
			relayed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "meshsync_mesh_relayed_total",
				Help: "Messages forwarded onward with remaining TTL.",
			}),
			duplicates: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "meshsync_mesh_duplicates_total",
				Help: "Relayed messages suppressed as already seen.",
			}),
			ttlDrops: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "meshsync_mesh_ttl_drops_total",
				Help: "Relayed messages dropped with an exhausted TTL.",
			}),
			registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "meshsync_mesh_seen_registry_size",
				Help: "Message ids held in the duplicate-suppression registry.",
			}),
		}
		prometheus.MustRegister(rm.relayed, rm.duplicates, rm.ttlDrops, rm.registrySize)
		sharedRelayMetrics = rm
	})
	return sharedRelayMetrics
}
