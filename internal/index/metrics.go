package index

import "github.com/prometheus/client_golang/prometheus"

var (
	documentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mistllama",
		Subsystem: "index",
		Name:      "documents_indexed_total",
		Help:      "Total number of documents indexed",
	})

	chunksIndexedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mistllama",
		Subsystem: "index",
		Name:      "chunks_indexed_total",
		Help:      "Total number of chunks embedded and inserted",
	})

	chunksSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mistllama",
		Subsystem: "index",
		Name:      "chunks_skipped_total",
		Help:      "Total number of chunks skipped due to embedding failures",
	})

	retrievalsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mistllama",
		Subsystem: "index",
		Name:      "retrievals_total",
		Help:      "Total number of retrieval queries served",
	})
)

func init() {
	prometheus.MustRegister(documentsTotal, chunksIndexedTotal, chunksSkippedTotal, retrievalsTotal)
}
