package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	m := New()
	require.NotNil(t, m.Registry())

	m.RecordTurn(OutcomeMessage)
	m.RecordTurn(OutcomeMessage)
	m.RecordTurn(OutcomeFallback)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.turnsTotal.WithLabelValues(OutcomeMessage)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.turnsTotal.WithLabelValues(OutcomeFallback)))
}

func TestActiveLoops(t *testing.T) {
	m := New()
	m.LoopStarted()
	m.LoopStarted()
	m.LoopEnded()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeLoops))
}

func TestObserveBackend(t *testing.T) {
	m := New()
	m.ObserveBackend("OpenAI", "ok", 250*time.Millisecond)
	m.ObserveBackend("OpenAI", "provider_error", time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.backendRequests.WithLabelValues("OpenAI", "ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.backendDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTurn(OutcomeEmpty)
		m.ObserveBackend("Anthropic", "ok", time.Millisecond)
		m.LoopStarted()
		m.LoopEnded()
		m.RecordHalt("missing_credentials")
		m.RecordBroadcastDrop()
		m.RecordEvent("message_appended")
	})
	assert.Nil(t, m.Registry())
}

func TestHandler_ServesNamespace(t *testing.T) {
	m := New()
	m.RecordHalt("missing_credentials")
	m.RecordBroadcastDrop()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(body, `parley_loop_halts_total{reason="missing_credentials"} 1`), body)
	assert.True(t, strings.Contains(body, "parley_broadcast_dropped_total 1"))
}
