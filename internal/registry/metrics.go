package registry

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mistllama",
		Subsystem: "registry",
		Name:      "model_loads_total",
		Help:      "Total number of model weight loads",
	})

	loadFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mistllama",
		Subsystem: "registry",
		Name:      "model_load_failures_total",
		Help:      "Total number of failed model weight loads",
	})

	evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mistllama",
		Subsystem: "registry",
		Name:      "handle_evictions_total",
		Help:      "Total number of text-model handle evictions",
	})

	handlesLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mistllama",
		Subsystem: "registry",
		Name:      "handles_live",
		Help:      "Model handles currently loaded",
	})
)

func init() {
	prometheus.MustRegister(loadsTotal, loadFailuresTotal, evictionsTotal, handlesLive)
}
