package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	jobTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "visiond",
		Subsystem: "jobs",
		Name:      "terminal_transitions_total",
		Help:      "Jobs reaching a terminal state, by final status.",
	}, []string{"status"})
	progressWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "visiond",
		Subsystem: "jobs",
		Name:      "progress_writes_total",
		Help:      "Progress reports persisted to the store.",
	})
	progressThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "visiond",
		Subsystem: "jobs",
		Name:      "progress_throttled_total",
		Help:      "Progress reports held back by the write interval.",
	})
)

func init() {
	prometheus.MustRegister(jobTransitions, progressWrites, progressThrottled)
}
