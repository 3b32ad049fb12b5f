// Package metrics holds the Prometheus collectors of the change pipeline and
// the push transport.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Submission outcomes.
const (
	OutcomeAccepted       = "accepted"
	OutcomePreInvalid     = "pre_invalid"
	OutcomeExecuteFailed  = "execute_failed"
	OutcomePostInvalid    = "post_invalid"
	OutcomeRejected       = "rejected"
	OutcomeRollbackFailed = "rollback_failed"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Submissions     *prometheus.CounterVec
	SubmitDuration  prometheus.Histogram
	PushSubscribers prometheus.Gauge
	PushMessages    *prometheus.CounterVec
	ChangesApplied  *prometheus.CounterVec
	ImportedFiles   *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "annocollab_change_submissions_total",
			Help: "Change submissions by terminal outcome",
		}, []string{"outcome"}),
		SubmitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "annocollab_change_submit_duration_seconds",
			Help:    "Duration of a change submission including the remote round trip",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		PushSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "annocollab_push_subscribers",
			Help: "Currently connected push subscribers",
		}),
		PushMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "annocollab_push_messages_total",
			Help: "Push messages by result",
		}, []string{"result"}),
		ChangesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "annocollab_server_changes_total",
			Help: "Changes received by the collaboration server by change type and result",
		}, []string{"type", "result"}),
		ImportedFiles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "annocollab_imported_files_total",
			Help: "Files picked up by the import watcher by result",
		}, []string{"result"}),
	}
}

// Handler serves the collectors of g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Submission(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(outcome).Inc()
	m.SubmitDuration.Observe(seconds)
}

func (m *Metrics) Subscribed(delta int) {
	if m == nil {
		return
	}
	m.PushSubscribers.Add(float64(delta))
}

func (m *Metrics) Pushed(result string) {
	if m == nil {
		return
	}
	m.PushMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) Applied(typeName, result string) {
	if m == nil {
		return
	}
	m.ChangesApplied.WithLabelValues(typeName, result).Inc()
}

func (m *Metrics) Imported(result string) {
	if m == nil {
		return
	}
	m.ImportedFiles.WithLabelValues(result).Inc()
}
