package gossip

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	gossipMetricsOnce   sync.Once
	sharedGossipMetrics *gossipMetrics
)

type gossipMetrics struct {
	announces  prometheus.Counter
	dedupHits  prometheus.Counter
	rounds     *prometheus.CounterVec
	queueDepth prometheus.Gauge
	fpRate     prometheus.Gauge

	meter         metric.Meter
	roundCounter  metric.Int64Counter
	announceCount metric.Int64Counter
}

func getGossipMetrics() *gossipMetrics {
	gossipMetricsOnce.Do(func() {
		gm := &gossipMetrics{
			announces: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "meshsync_gossip_announces_total",
				Help: "Hashes announced into the gossip queue.",
			}),
			dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "meshsync_gossip_dedup_hits_total",
				Help: "Announcements suppressed by the recent-hash cache.",
			}),
			rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "meshsync_gossip_rounds_total",
				Help: "Completed gossip rounds by outcome.",
			}, []string{"outcome"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "meshsync_gossip_queue_depth",
				Help: "Messages waiting in the outbound priority queue.",
			}),
			fpRate: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "meshsync_gossip_bloom_fp_rate",
				Help: "Estimated false positive rate of the local Bloom filter.",
			}),
		}
		prometheus.MustRegister(gm.announces, gm.dedupHits, gm.rounds, gm.queueDepth, gm.fpRate)
		gm.initMeter()
		sharedGossipMetrics = gm
	})
	return sharedGossipMetrics
}

func (m *gossipMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("meshsync/gossip")
	rounds, err := meter.Int64Counter("meshsync.gossip.rounds")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("meshsync/gossip")
		rounds, _ = meter.Int64Counter("meshsync.gossip.rounds")
	}
	announces, err := meter.Int64Counter("meshsync.gossip.announces")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("meshsync/gossip")
		announces, _ = fallback.Int64Counter("meshsync.gossip.announces")
	}
	m.meter = meter
	m.roundCounter = rounds
	m.announceCount = announces
}

func (m *gossipMetrics) observeRound(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.rounds.WithLabelValues(outcome).Inc()
	m.roundCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *gossipMetrics) observeAnnounce() {
	m.announces.Inc()
	m.announceCount.Add(context.Background(), 1)
}
