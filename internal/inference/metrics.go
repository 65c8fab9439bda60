package inference

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "visiond",
		Subsystem: "inference",
		Name:      "queue_depth",
		Help:      "Number of inference tasks waiting for a worker.",
	})
	inferenceTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "visiond",
		Subsystem: "inference",
		Name:      "predictions_total",
		Help:      "Completed inference calls by outcome.",
	}, []string{"outcome"})
	inferenceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "visiond",
		Subsystem: "inference",
		Name:      "predict_duration_seconds",
		Help:      "Wall-clock duration of successful engine predict calls.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(queueDepth, inferenceTotal, inferenceDuration)
}
