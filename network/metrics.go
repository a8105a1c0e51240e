package network

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	networkMetricsOnce   sync.Once
	sharedNetworkMetrics *networkMetrics
)

type networkMetrics struct {
	rounds          prometheus.Counter
	recordsSent     prometheus.Counter
	recordsReceived prometheus.Counter
	rpcTimeouts     prometheus.Counter
	rpcSwept        prometheus.Counter

	meter        metric.Meter
	roundCounter metric.Int64Counter
	rpcCounter   metric.Int64Counter
}

func getNetworkMetrics() *networkMetrics {
	networkMetricsOnce.Do(func() {
		nm := &networkMetrics{
			rounds: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "meshsync_network_rounds_total",
				Help: "Gossip rounds driven by the coordinator.",
			}),
			recordsSent: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "meshsync_network_records_sent_total",
				Help: "Records shipped to peers during reconciliation.",
			}),
			recordsReceived: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "meshsync_network_records_received_total",
				Help: "Records stored from peer deliveries.",
			}),
			rpcTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "meshsync_network_rpc_timeouts_total",
				Help: "Remote calls abandoned after their deadline.",
			}),
			rpcSwept: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "meshsync_network_rpc_swept_total",
				Help: "Stale remote calls removed by the sweep.",
			}),
		}
		prometheus.MustRegister(nm.rounds, nm.recordsSent, nm.recordsReceived, nm.rpcTimeouts, nm.rpcSwept)
		nm.initMeter()
		sharedNetworkMetrics = nm
	})
	return sharedNetworkMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("meshsync/network")
	rounds, err := meter.Int64Counter("meshsync.network.rounds")
	if err != nil {
		meter = noop.NewMeterProvider().Meter("meshsync/network")
		rounds, _ = meter.Int64Counter("meshsync.network.rounds")
	}
	rpcs, err := meter.Int64Counter("meshsync.network.rpc_timeouts")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("meshsync/network")
		rpcs, _ = fallback.Int64Counter("meshsync.network.rpc_timeouts")
	}
	m.meter = meter
	m.roundCounter = rounds
	m.rpcCounter = rpcs
}

func (m *networkMetrics) observeRound() {
	m.rounds.Inc()
	m.roundCounter.Add(context.Background(), 1)
}

func (m *networkMetrics) observeRPCTimeout() {
	m.rpcTimeouts.Inc()
	m.rpcCounter.Add(context.Background(), 1)
}
