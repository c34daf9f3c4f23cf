package images

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	imagesPrometheusMetrics sync.Once

	blocksFreed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compactvd",
			Subsystem: "images",
			Name:      "blocks_freed_total",
			Help:      "Number of blocks dropped from images by Optimize, by reason.",
		},
		[]string{"reason"})
	blocksRelocated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "compactvd",
			Subsystem: "images",
			Name:      "blocks_relocated_total",
			Help:      "Number of blocks moved to a lower slot by Compact.",
		})
	bytesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "compactvd",
			Subsystem: "images",
			Name:      "bytes_reclaimed_total",
			Help:      "Number of bytes image files shrank by when compacted.",
		})
	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "compactvd",
			Subsystem: "images",
			Name:      "tasks_finished_total",
			Help:      "Number of long-running image tasks that ended, by task and outcome.",
		},
		[]string{"task", "outcome"})
)

// RegisterMetrics registers the image metrics with the default Prometheus
// registry. Calling it more than once is harmless.
func RegisterMetrics() {
	imagesPrometheusMetrics.Do(func() {
		prometheus.MustRegister(blocksFreed)
		prometheus.MustRegister(blocksRelocated)
		prometheus.MustRegister(bytesReclaimed)
		prometheus.MustRegister(tasksFinished)
	})
}

// taskOutcome is the outcome label of tasksFinished.
func taskOutcome(err error, cancelled bool) string {
	if err != nil {
		return "failed"
	}
	if cancelled {
		return "cancelled"
	}
	return "completed"
}
