package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TripsRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "trips_requested_total", Help: "Trips requested by riders"})
	TripsAssigned  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "trips_assigned_total", Help: "Trips bound to a driver"})
	TripsCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "trips_completed_total", Help: "Trips reaching a completed state"})
	TripsCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "trips_cancelled_total", Help: "Trips cancelled, by reason"},
		[]string{"reason"},
	)

	OffersIssued    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "offers_issued_total", Help: "Offers fanned out to drivers"})
	OffersExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "offers_expired_total", Help: "Offer rounds that expired with no acceptance"})
	AssignRaceLoss  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "assign_race_losses_total", Help: "Acceptance attempts that lost the assignment race"})
	PositionUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: "dispatch", Name: "position_updates_total", Help: "Driver position reports applied"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "dispatch", Name: "drivers_online", Help: "Drivers currently online"})

	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dispatch",
		Name:      "match_latency_seconds",
		Help:      "Time from trip request to driver assignment",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
