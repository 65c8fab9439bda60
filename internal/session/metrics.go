package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "visiond",
		Subsystem: "session",
		Name:      "entries",
		Help:      "Number of live session entries.",
	})
	sessionExpirations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "visiond",
		Subsystem: "session",
		Name:      "expirations_total",
		Help:      "Sessions purged by the background sweeper.",
	})
)

func init() {
	prometheus.MustRegister(sessionEntries, sessionExpirations)
}
