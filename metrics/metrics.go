// Package metrics exposes Prometheus collectors for ingestion and chat.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ragxpert"

// Recorder groups the service collectors. A nil *Recorder is valid and records nothing.
type Recorder struct {
	documentsIngested *prometheus.CounterVec
	ingestFailures    *prometheus.CounterVec
	chunksIndexed     prometheus.Counter
	chatReplies       *prometheus.CounterVec
	replyDuration     *prometheus.HistogramVec
	collectionsPruned prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		documentsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_ingested_total",
			Help:      "Sources indexed into a session collection, by kind.",
		}, []string{"kind"}),
		ingestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_failures_total",
			Help:      "Sources that could not be parsed, embedded or stored, by kind.",
		}, []string{"kind"}),
		chunksIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_indexed_total",
			Help:      "Chunks written to the vector store.",
		}),
		chatReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_replies_total",
			Help:      "Completed chat replies, by mode.",
		}, []string{"mode"}),
		replyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_reply_seconds",
			Help:      "Time from prompt to complete reply, by mode.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"mode"}),
		collectionsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collections_pruned_total",
			Help:      "Session collections removed to stay under the collection cap.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			r.documentsIngested,
			r.ingestFailures,
			r.chunksIndexed,
			r.chatReplies,
			r.replyDuration,
			r.collectionsPruned,
		)
	}
	return r
}

func (r *Recorder) DocumentIngested(kind string, chunks int) {
	if r == nil {
		return
	}
	r.documentsIngested.WithLabelValues(kind).Inc()
	r.chunksIndexed.Add(float64(chunks))
}

func (r *Recorder) IngestFailed(kind string) {
	if r == nil {
		return
	}
	r.ingestFailures.WithLabelValues(kind).Inc()
}

func (r *Recorder) ChatReplied(mode string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.chatReplies.WithLabelValues(mode).Inc()
	r.replyDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func (r *Recorder) CollectionsPruned(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.collectionsPruned.Add(float64(n))
}
