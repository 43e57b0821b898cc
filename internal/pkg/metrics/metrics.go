package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedgecore_cycles_total",
		Help: "Engine cycles completed, labelled by resulting action",
	}, []string{"vault", "action"})

	CycleSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedgecore_cycle_seconds",
		Help:    "Wall time of one engine cycle",
		Buckets: prometheus.DefBuckets,
	}, []string{"vault"})

	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedgecore_orders_total",
		Help: "Venue order submissions",
	}, []string{"venue", "status"})

	VenueErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedgecore_venue_errors_total",
		Help: "Classified venue adapter failures",
	}, []string{"venue", "kind"})

	DeltaDeviation = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hedgecore_delta_deviation",
		Help: "Signed difference between vault long and aggregate short, in hedge units",
	}, []string{"vault"})

	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hedgecore_breaker_state",
		Help: "Breaker state per vault: 0 armed, 1 tripped, 2 cooling",
	}, []string{"vault"})

	UnwindStages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedgecore_unwind_stage_total",
		Help: "Emergency unwind stage outcomes",
	}, []string{"stage", "outcome"})

	InsuranceDraws = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedgecore_insurance_draws_total",
		Help: "Insurance fund draw attempts",
	}, []string{"vault", "status"})

	SentinelAlarms = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedgecore_sentinel_alarms_total",
		Help: "Flash-rebalance triggers raised by the sentinel",
	}, []string{"vault", "reason"})
)
