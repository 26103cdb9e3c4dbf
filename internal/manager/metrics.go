package manager

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servd",
			Subsystem: "manager",
			Name:      "loads_total",
			Help:      "Total number of successful servable loads",
		},
		[]string{"servable"},
	)

	loadFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servd",
			Subsystem: "manager",
			Name:      "load_failures_total",
			Help:      "Total number of failed servable loads",
		},
		[]string{"servable"},
	)

	unloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servd",
			Subsystem: "manager",
			Name:      "unloads_total",
			Help:      "Total number of resources released to the loader",
		},
		[]string{"servable"},
	)

	loadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "servd",
			Subsystem: "manager",
			Name:      "load_duration_seconds",
			Help:      "Duration of servable loads in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		},
		[]string{"servable"},
	)

	servableState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "servd",
			Subsystem: "manager",
			Name:      "servable_state",
			Help:      "Current state of each servable (0 absent, 1 loading, 2 served, 3 unloading, 4 failed)",
		},
		[]string{"servable", "version"},
	)

	lookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servd",
			Subsystem: "manager",
			Name:      "lookups_total",
			Help:      "Total number of servable lookups by result",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, loadFailuresTotal, unloadsTotal, loadDuration, servableState, lookupsTotal)
}

var stateValue = map[State]float64{
	StateAbsent:    0,
	StateLoading:   1,
	StateServed:    2,
	StateUnloading: 3,
	StateFailed:    4,
}

func (m *Manager) observeState(e *entry) {
	servableState.WithLabelValues(e.name, itoa64(e.version)).Set(stateValue[e.State()])
}

func itoa64(n int64) string { return strconv.FormatInt(n, 10) }
