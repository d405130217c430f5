package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const kojiSubsystem = "koji"

var (
	KojiCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "calls_total",
		Namespace: Namespace,
		Subsystem: kojiSubsystem,
		Help:      "Koji hub calls by method and result",
	}, []string{"method", "result"})
)

var (
	KojiCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "call_duration_seconds",
		Namespace: Namespace,
		Subsystem: kojiSubsystem,
		Help:      "Duration of Koji hub calls.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2, 4, 8, 16, 32, 64},
	}, []string{"method"})
)

var (
	RunrootTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "runroot_tasks_total",
		Namespace: Namespace,
		Subsystem: kojiSubsystem,
		Help:      "Runroot tasks by channel and result",
	}, []string{"channel", "result"})
)

var (
	KojiRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name:      "retries_total",
		Namespace: Namespace,
		Subsystem: kojiSubsystem,
		Help:      "Koji hub requests retried after a connection error or 5xx response",
	})
)
