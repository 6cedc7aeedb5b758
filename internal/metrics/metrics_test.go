package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStoreOpOutcomes(t *testing.T) {
	m := New()
	notFound := errors.New("missing")

	m.ObserveStoreOp("get", nil, notFound)
	m.ObserveStoreOp("get", notFound, notFound)
	m.ObserveStoreOp("get", errors.New("disk"), notFound)
	m.ObserveStoreOp("get", errors.New("disk"), notFound)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("get", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("get", OutcomeNotFound)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("get", OutcomeError)))
}

func TestObserveExecutionAndCache(t *testing.T) {
	m := New()
	m.ObserveExecution("starlark", OutcomeOK, 20*time.Millisecond)
	m.ObserveCache(true)
	m.ObserveCache(false)
	m.ObserveCache(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Executions.WithLabelValues("starlark", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreCache.WithLabelValues("hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreCache.WithLabelValues("miss")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "udf_executions_total")
}

func TestObserveRequest(t *testing.T) {
	m := New()
	m.ObserveRequest("websocket", "execute", "ok")
	m.ObserveRequest("websocket", "execute", "aborted")
	m.ObserveRequest("websocket", "execute", "aborted")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("websocket", "execute", "aborted")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveExecution("cel", OutcomeError, time.Second)
		m.ObserveStoreOp("put", nil, nil)
		m.ObserveCache(true)
		m.ObserveRequest("connect", "Execute", "ok")
	})
	assert.Nil(t, m.Registry())
}
