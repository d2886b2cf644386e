package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Ride requests received"})
	RidesAccepted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_accepted_total", Help: "Rides accepted by a driver"})
	RidesCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_completed_total", Help: "Rides completed"})
	RidesCancelled = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_cancelled_total", Help: "Rides cancelled, by initiator"},
		[]string{"initiator"},
	)
	AcceptRaceLost = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "accept_race_lost_total", Help: "Driver acceptances that lost the first-wins race"})

	ConnectedDrivers    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "connected_drivers", Help: "Drivers with a live connection"})
	ConnectedPassengers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "connected_passengers", Help: "Passengers with a live connection"})
	ActiveRides         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "active_rides", Help: "Non-terminal rides held in memory"})

	QuoteLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "quote_latency_seconds", Help: "Fare quote latency"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
