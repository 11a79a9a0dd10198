package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordEvent("keyboard")
	m.RecordGated("disabled", 3)
	m.RecordTick(time.Millisecond, 80, 50)
	m.RecordAlert("bot", "critical")
	m.RecordLock()
	m.RecordPersistError("profile")
	m.SetMonitoring(true)
}

func TestRecorders(t *testing.T) {
	m := New()

	m.RecordEvent("keyboard")
	m.RecordEvent("keyboard")
	m.RecordEvent("mouse")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues("keyboard")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsIngested.WithLabelValues("mouse")))

	m.RecordTick(2*time.Millisecond, 72.5, 40)
	assert.Equal(t, 72.5, testutil.ToFloat64(m.TrustScore))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.TrainingPercent))

	m.RecordAlert("anomaly", "high")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AlertsRaised.WithLabelValues("anomaly", "high")))

	m.SetMonitoring(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Monitoring))
	m.SetMonitoring(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Monitoring))
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordBotScore(65)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(string(body), "trustd_bot_score 65"))
	assert.Contains(t, string(body), "go_goroutines")
}

func TestSeparateRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	a, b := New(), New()
	a.RecordLock()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.SessionLocks))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.SessionLocks))
}
