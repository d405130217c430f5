package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "pungi"

var (
	ComposeStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name:      "compose_status",
		Namespace: Namespace,
		Help:      "Final status of the compose, 1 for the status that was written",
	}, []string{"status"})
)

var (
	FailedDeliverables = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "failed_deliverables_total",
		Namespace: Namespace,
		Help:      "Number of failable deliverables that failed",
	}, []string{"deliverable"})
)

var (
	ReusedDeliverables = promauto.NewCounterVec(prometheus.CounterOpts{
		Name:      "reused_deliverables_total",
		Namespace: Namespace,
		Help:      "Number of deliverables reused from an old compose",
	}, []string{"phase"})
)

// WriteMetrics stores every registered metric in the textfile collector
// format.
func WriteMetrics(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
