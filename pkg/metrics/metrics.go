package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Derivation paths used as label values.
const (
	PathCached   = "cached"
	PathCombined = "combined"
	PathFallback = "fallback"
)

// OverlayMetrics tracks handle derivation, federation and fog discovery.
type OverlayMetrics struct {
	// Handle derivation metrics
	HandleDerivations  *prometheus.CounterVec
	DerivationFailures *prometheus.CounterVec
	PowAttempts        prometheus.Histogram
	PowLatency         prometheus.Histogram
	HandlesCached      prometheus.Gauge

	// Federation metrics
	FederationRequests  *prometheus.CounterVec
	FederationLatency   prometheus.Histogram
	RetryAttempts       prometheus.Counter
	CircuitBreakerOpens prometheus.Counter
	ServersAvailable    prometheus.Gauge

	// Federation server metrics
	Evaluations      *prometheus.CounterVec
	ReplayRejections prometheus.Counter

	// Fog metrics
	FogAnnouncements *prometheus.CounterVec
	FogReceived      *prometheus.CounterVec
	FogQueries       *prometheus.CounterVec
	FogShards        prometheus.Gauge
	FogDecayed       prometheus.Counter
	GossipPeers      prometheus.Gauge
	GossipDuplicates prometheus.Counter
}

// New creates and registers the overlay metrics. A nil registry gets a
// private one so tests and embedded use never collide on registration.
func New(registry prometheus.Registerer) *OverlayMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &OverlayMetrics{
		HandleDerivations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_handle_derivations_total",
			Help: "Handle derivations by path (cached, combined, fallback)",
		}, []string{"path"}),
		DerivationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_handle_derivation_failures_total",
			Help: "Failed handle derivations by reason",
		}, []string{"reason"}),
		PowAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "overlay_pow_attempts",
			Help:    "Nonces tried before a proof-of-work solution was found",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		PowLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "overlay_pow_latency_seconds",
			Help:    "Proof-of-work search latency",
			Buckets: prometheus.DefBuckets,
		}),
		HandlesCached: factory.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_handles_cached",
			Help: "Number of cached overlay handles",
		}),

		FederationRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_federation_requests_total",
			Help: "Partial evaluation requests by server and result",
		}, []string{"server", "result"}),
		FederationLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "overlay_federation_latency_seconds",
			Help:    "Partial evaluation round-trip latency",
			Buckets: prometheus.DefBuckets,
		}),
		RetryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "overlay_federation_retry_attempts_total",
			Help: "Total number of retry attempts",
		}),
		CircuitBreakerOpens: factory.NewCounter(prometheus.CounterOpts{
			Name: "overlay_federation_circuit_breaker_opens_total",
			Help: "Total number of circuit breaker opens",
		}),
		ServersAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_federation_servers_available",
			Help: "Number of federation servers currently marked available",
		}),

		Evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_server_evaluations_total",
			Help: "Partial evaluations served by result",
		}, []string{"result"}),
		ReplayRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "overlay_server_replay_rejections_total",
			Help: "Requests rejected because their proof-of-work was already used",
		}),

		FogAnnouncements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_fog_announcements_total",
			Help: "Own announcements by result (sent, limited, failed)",
		}, []string{"result"}),
		FogReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_fog_received_total",
			Help: "Received announcements by result (accepted, invalid)",
		}, []string{"result"}),
		FogQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "overlay_fog_queries_total",
			Help: "Fog queries by result (ok, limited)",
		}, []string{"result"}),
		FogShards: factory.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_fog_shards",
			Help: "Number of cached fog shards across topics",
		}),
		FogDecayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "overlay_fog_decayed_total",
			Help: "Total number of fog shards removed by decay",
		}),
		GossipPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "overlay_gossip_peers",
			Help: "Number of peers in the announcement gossip",
		}),
		GossipDuplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "overlay_gossip_duplicates_total",
			Help: "Announcements dropped as duplicates",
		}),
	}
}
