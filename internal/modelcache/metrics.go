package modelcache

import "github.com/prometheus/client_golang/prometheus"

var (
	loadedModels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "visiond",
		Subsystem: "modelcache",
		Name:      "loaded_models",
		Help:      "Number of models currently loaded across all users",
	})

	idleEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "visiond",
		Subsystem: "modelcache",
		Name:      "idle_evictions_total",
		Help:      "Models evicted by the idle sweeper",
	})
)

func init() {
	prometheus.MustRegister(loadedModels, idleEvictions)
}
