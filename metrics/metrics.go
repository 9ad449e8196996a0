// Package metrics holds the Prometheus collectors shared by the avatar
// pipeline, the vector synchronizer and the completion clients.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineOutcomes counts pipeline results by state.
	PipelineOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_pipeline_outcomes_total",
		Help: "Avatar pipeline results by state (scheduled, skipped, delivered, cancelled, failed).",
	}, []string{"state"})

	// PipelineDuration observes how long a scheduled job takes to finish.
	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "avatar_pipeline_duration_seconds",
		Help:    "Execution time of delayed avatar response jobs.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	// VectorSync counts vector index operations by op and result.
	VectorSync = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_vector_sync_total",
		Help: "Message vector index operations by op (upsert, delete) and result (ok, error).",
	}, []string{"op", "result"})

	// Completions counts completion calls by purpose and result.
	Completions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "avatar_completion_requests_total",
		Help: "Completion requests by purpose (reply, profile) and result (ok, error, fallback).",
	}, []string{"purpose", "result"})
)

// Result maps an error to the "ok"/"error" label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
