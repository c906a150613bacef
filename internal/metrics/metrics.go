// Package metrics exposes Prometheus instruments for grading runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Skip reasons used as label values.
const (
	ReasonModelError = "model_error"
	ReasonParseError = "parse_error"
	ReasonCancelled  = "cancelled"
)

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradesheet_runs_total",
			Help: "Grading runs by outcome",
		},
		[]string{"outcome"},
	)

	QuestionsGraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gradesheet_questions_graded_total",
			Help: "Questions that produced an evaluation result",
		},
	)

	QuestionsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradesheet_questions_skipped_total",
			Help: "Questions left out of the results",
		},
		[]string{"reason"},
	)

	ModelCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gradesheet_model_call_duration_seconds",
			Help:    "Duration of generative model calls",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"status"},
	)
)

// Registry holds the grading instruments plus Go and process collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		RunsTotal,
		QuestionsGraded,
		QuestionsSkipped,
		ModelCallDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// ObserveModelCall records one model call.
func ObserveModelCall(start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ModelCallDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
