package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSessionOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionOperation("begin", "write")
	m.RecordSessionOperation("begin", "write")
	m.RecordSessionOperation("end", "read")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionOperations.WithLabelValues("begin", "write")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionOperations.WithLabelValues("end", "read")))
}

func TestRecordSession(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSession("write", 20*time.Millisecond, 8192)
	m.RecordSession("write", 10*time.Millisecond, 100)

	assert.Equal(t, 8292.0, testutil.ToFloat64(m.sessionBytes.WithLabelValues("write")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.sessionDuration))
}

func TestRecordErrorsAndKeys(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionError("end", "public_key_missing")
	m.RecordWrappedKeys("wrap", 3)
	m.RecordWrappedKeys("unwrap", 1)
	m.RecordKeyLookup("public", "miss")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionErrors.WithLabelValues("end", "public_key_missing")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.wrappedKeys.WithLabelValues("wrap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.wrappedKeys.WithLabelValues("unwrap")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keyLookups.WithLabelValues("public", "miss")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordSessionOperation("begin", "write")
		m.RecordSession("write", time.Second, 1)
		m.RecordSessionError("end", "x")
		m.RecordWrappedKeys("wrap", 1)
		m.RecordKeyLookup("file", "hit")
	})
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)
	m.RecordWrappedKeys("wrap", 2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `wrapped_keys_total{operation="wrap"} 2`))
}
