package journal

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	journalPrometheusMetrics sync.Once

	recordsRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compactvd",
			Subsystem: "journal",
			Name:      "records_recovered_total",
			Help:      "Number of leftover journal records processed at startup, by result.",
		},
		[]string{"result"})
)

// RegisterMetrics registers the journal's metrics with the default Prometheus
// registry. Calling it more than once is harmless.
func RegisterMetrics() {
	journalPrometheusMetrics.Do(func() {
		prometheus.MustRegister(recordsRecovered)
	})
}
