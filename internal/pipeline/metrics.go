package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mistllama",
		Subsystem: "pipeline",
		Name:      "jobs_total",
		Help:      "Total jobs by modality and outcome",
	}, []string{"modality", "outcome"})

	tokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mistllama",
		Subsystem: "pipeline",
		Name:      "tokens_total",
		Help:      "Total tokens processed by direction",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(jobsTotal, tokensTotal)
}

func observeJob(modality string, err error, inputTokens, outputTokens int) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	jobsTotal.WithLabelValues(modality, outcome).Inc()
	tokensTotal.WithLabelValues("input").Add(float64(inputTokens))
	tokensTotal.WithLabelValues("output").Add(float64(outputTokens))
}
