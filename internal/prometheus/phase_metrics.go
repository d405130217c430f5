package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const phaseSubsystem = "phase"

var (
	RunningPhases = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "running",
		Namespace: Namespace,
		Subsystem: phaseSubsystem,
		Help:      "Currently running phases",
	}, []string{"phase"})
)

var (
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:      "duration_seconds",
		Namespace: Namespace,
		Subsystem: phaseSubsystem,
		Help:      "Duration of a phase.",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384},
	}, []string{"phase", "result"})
)

var (
	PhaseTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "tasks_total",
		Namespace: Namespace,
		Subsystem: phaseSubsystem,
		Help:      "Tasks run by phase worker pools",
	}, []string{"phase", "result"})
)

func StartPhaseMetrics(phase string) {
	RunningPhases.WithLabelValues(phase).Inc()
}

func FinishPhaseMetrics(started, finished time.Time, phase, result string) {
	RunningPhases.WithLabelValues(phase).Dec()
	if !started.IsZero() && !finished.IsZero() {
		PhaseDuration.WithLabelValues(phase, result).Observe(finished.Sub(started).Seconds())
	}
}
