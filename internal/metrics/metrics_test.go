package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserveOperation(t *testing.T) {
	m := New("test")

	m.ObserveOperation("spend", "ok", 10*time.Millisecond)
	m.ObserveOperation("spend", "insufficient_balance", time.Millisecond)
	m.ObserveOperation("spend", "ok", time.Millisecond)

	require.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("spend", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("spend", "insufficient_balance")))
}

func TestAddPoints_UsesMagnitude(t *testing.T) {
	m := New("test")

	m.AddPoints("spend", -40)
	m.AddPoints("spend", -2)

	require.Equal(t, 42.0, testutil.ToFloat64(m.points.WithLabelValues("spend")))
}

func TestHandler_ExposesMetrics(t *testing.T) {
	m := New("test")
	m.ObserveRequest("/scan/earn", http.MethodPost, http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `test_http_requests_total{method="POST",route="/scan/earn",status="200"} 1`))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveOperation("earn", "ok", 0)
	m.AddPoints("earn", 1)
	m.ObserveRequest("/", http.MethodGet, http.StatusOK, 0)
}
