package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSubmissionCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Submission(OutcomeAccepted, 0.01)
	m.Submission(OutcomeAccepted, 0.02)
	m.Submission(OutcomeRejected, 0.01)

	if got := testutil.ToFloat64(m.Submissions.WithLabelValues(OutcomeAccepted)); got != 2 {
		t.Errorf("accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Submissions.WithLabelValues(OutcomeRejected)); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Submission(OutcomeAccepted, 1)
	m.Subscribed(1)
	m.Pushed("sent")
	m.Applied("AddFeatureChange", "ok")
	m.Imported("ok")
}
