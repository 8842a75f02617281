package core

// Prometheus collectors for the node. Scraped at GET /metrics on the node
// control API.

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registryRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pyrsia_registry_requests_total",
		Help: "Registry façade requests by handler.",
	}, []string{"handler"})

	chainHeightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pyrsia_chain_height",
		Help: "Ordinal of the blockchain tail.",
	})

	connectedPeersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pyrsia_connected_peers",
		Help: "Number of connected peers.",
	})

	artifactsStoredGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pyrsia_artifacts_stored",
		Help: "Number of artifacts in the local store.",
	})
)

func observeRegistryRequest(handler string) {
	registryRequestsTotal.WithLabelValues(handler).Inc()
}

// UpdateNodeMetrics refreshes the gauges from the current snapshots.
func UpdateNodeMetrics(chain ChainStatus, peers PeerStatus, artifactCount int) {
	chainHeightGauge.Set(float64(chain.Ordinal))
	connectedPeersGauge.Set(float64(peers.PeersCount))
	artifactsStoredGauge.Set(float64(artifactCount))
}
