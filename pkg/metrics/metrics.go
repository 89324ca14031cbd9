package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cascade"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	ResolveDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "resolve_duration_seconds",
		Help:      "The duration for the router to resolve a peer.",
	}, []string{"router"})

	AdvertisedImages = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "advertised_images",
		Help:      "Number of images advertised to be available.",
	}, []string{"registry"})

	AdvertisedKeys = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "advertised_keys",
		Help:      "Number of keys advertised to be available.",
	}, []string{"registry"})

	SwarmSessions = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "swarm_sessions",
		Help:      "Number of swarm sessions by state.",
	}, []string{"state"})

	PiecesFetchedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pieces_fetched_total",
		Help:      "Total number of pieces fetched from peers.",
	}, []string{"outcome"})

	PiecesServedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pieces_served_total",
		Help:      "Total number of pieces served to peers.",
	})

	SwarmBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "swarm_bytes_total",
		Help:      "Total bytes exchanged with swarm peers.",
	}, []string{"direction"})

	PullsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pulls_total",
		Help:      "Total number of completed image downloads.",
	}, []string{"mode", "outcome"})

	PullAttemptsHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pull_attempts",
		Help:      "Registry attempts needed for a successful pull.",
		Buckets:   []float64{1, 2, 3, 5, 10, 20, 40, 60},
	})

	SeedSlotClaimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "seed_slot_claims_total",
		Help:      "Total number of direct seed slot claim attempts.",
	}, []string{"outcome"})

	PrepTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "prep_transitions_total",
		Help:      "Total number of node preparation state transitions.",
	}, []string{"state"})
)

func Register() {
	DefaultRegisterer.MustRegister(ResolveDurHistogram)
	DefaultRegisterer.MustRegister(AdvertisedImages)
	DefaultRegisterer.MustRegister(AdvertisedKeys)
	DefaultRegisterer.MustRegister(SwarmSessions)
	DefaultRegisterer.MustRegister(PiecesFetchedTotal)
	DefaultRegisterer.MustRegister(PiecesServedTotal)
	DefaultRegisterer.MustRegister(SwarmBytesTotal)
	DefaultRegisterer.MustRegister(PullsTotal)
	DefaultRegisterer.MustRegister(PullAttemptsHistogram)
	DefaultRegisterer.MustRegister(SeedSlotClaimsTotal)
	DefaultRegisterer.MustRegister(PrepTransitionsTotal)
}
