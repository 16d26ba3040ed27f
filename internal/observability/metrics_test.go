package observability

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := NewMetrics()

	m.RequestReceived("blocking")
	m.RequestReceived("blocking")
	m.RequestReceived("non-blocking")
	m.ActionCompleted("reverse", "string", OutcomeSuccess, 20*time.Millisecond)
	m.ResponseSent("provisional", nil)
	m.ResponseSent("provisional", errors.New("not connected"))
	m.ModulesLoaded(3)
	m.ModuleLoadFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("blocking")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("non-blocking")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actions.WithLabelValues("reverse", "string", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responses.WithLabelValues("provisional", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responses.WithLabelValues("provisional", "error")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.modulesLoaded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.moduleLoadFailures))
	assert.Equal(t, 1, testutil.CollectAndCount(m.actionDuration))
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RequestReceived("blocking")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `pxp_agent_requests_total{type="blocking"} 1`)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServeStopsOnCancel(t *testing.T) {
	m := NewMetrics()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.serve(ctx, ln, nil) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "pxp_agent_modules_loaded"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
