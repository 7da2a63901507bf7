package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cab_dispatch"

var (
	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bookings_total", Help: "Booking ledger transitions by operation and result"},
		[]string{"op", "result"},
	)
	MatchLatency       = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Candidate search latency seconds"})
	CandidatesReturned = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "candidates_returned",
		Help:      "Number of candidates returned per search",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})
	CabsAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "cabs_available", Help: "Number of cabs currently available"})

	PositionUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "position_updates_total", Help: "Accepted cab position reports"})
	FeedPublished   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "feed_events_published_total", Help: "Events published on the location feed"})
	FeedDropped     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "feed_events_dropped_total", Help: "Events dropped because a subscriber buffer was full"},
		[]string{"subscriber"},
	)
	FeedSinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "feed_sink_errors_total", Help: "Failed deliveries to feed sinks"},
		[]string{"sink"},
	)

	GeocodeRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "geocode_requests_total", Help: "Reverse geocode calls by result"},
		[]string{"result"},
	)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "circuit_breaker_state", Help: "0 closed, 1 half-open, 2 open"},
		[]string{"name"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
