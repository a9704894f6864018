// Package metrics holds the Prometheus collectors of the polling path.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterpoller_ticks_total",
			Help: "Scheduled table ticks by outcome.",
		},
		[]string{"table", "outcome"},
	)
	tickDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meterpoller_tick_duration_seconds",
			Help:    "Duration of one table tick in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	registerReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterpoller_register_reads_total",
			Help: "Register reads issued to meters by outcome.",
		},
		[]string{"meter", "outcome"},
	)
	registerReadDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meterpoller_register_read_duration_seconds",
			Help:    "Latency of one register exchange in seconds.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"meter"},
	)

	sessionConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterpoller_session_connects_total",
			Help: "Session connect attempts per meter by outcome.",
		},
		[]string{"meter", "outcome"},
	)

	sinkRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meterpoller_sink_rows_total",
			Help: "Rows handed to the telemetry sink by outcome.",
		},
		[]string{"table", "outcome"},
	)
)

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveTick records one tick of a table job.
func ObserveTick(table string, err error, dur time.Duration) {
	ticksTotal.WithLabelValues(table, outcome(err)).Inc()
	tickDurationSeconds.WithLabelValues(table).Observe(dur.Seconds())
}

// ObserveRegisterRead records one register exchange.
func ObserveRegisterRead(meter string, err error, dur time.Duration) {
	registerReadsTotal.WithLabelValues(meter, outcome(err)).Inc()
	registerReadDurationSeconds.WithLabelValues(meter).Observe(dur.Seconds())
}

// ObserveConnect records a session (re)connect attempt.
func ObserveConnect(meter string, err error) {
	sessionConnectsTotal.WithLabelValues(meter, outcome(err)).Inc()
}

// ObserveIngest records one row handed to the sink.
func ObserveIngest(table string, err error) {
	sinkRowsTotal.WithLabelValues(table, outcome(err)).Inc()
}
