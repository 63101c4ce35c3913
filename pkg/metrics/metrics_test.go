package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Counters(t *testing.T) {
	m := NewRegistry()
	m.IncOutcome("confirmed")
	m.IncOutcome("confirmed")
	m.IncRebuild()
	m.IncSubmit("accepted")
	m.IncPoll("pending")
	done := m.TrackInFlight()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.outcomesTotal.WithLabelValues("confirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rebuildsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	done()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `txsubmit_outcomes_total{status="confirmed"} 2`)
	assert.Contains(t, string(body), `txsubmit_submit_calls_total{result="accepted"} 1`)
}

func TestRegistry_NilIsNoop(t *testing.T) {
	var m *Registry
	assert.NotPanics(t, func() {
		m.IncOutcome("confirmed")
		m.IncRebuild()
		m.IncSubmit("accepted")
		m.IncPoll("pending")
		m.TrackInFlight()()
	})
}
