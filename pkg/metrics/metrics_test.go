package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_Disabled(t *testing.T) {
	m := NewMetrics(&Config{Enabled: false})

	assert.NotPanics(t, func() {
		m.RecordJob("bandit", "completed", time.Second)
		m.RecordFinding("HIGH", "bandit", false)
		m.UpdateProgress(3, 2, 1)
		m.UpdateSuppressions(1, 2)
		m.RecordPanic("engine")
	})

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.RecordJob("bandit", "failed", time.Second)
		nilMetrics.RecordScanRun("failed", time.Second)
	})
}

func TestMetrics_RecordJob(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordJob("bandit", "completed", 2*time.Second)
	m.RecordJob("bandit", "completed", time.Second)
	m.RecordJob("semgrep", "failed", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobExecutions.WithLabelValues("bandit", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobExecutions.WithLabelValues("semgrep", "failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.JobDuration))
}

func TestMetrics_Progress(t *testing.T) {
	m := NewMetrics(nil)

	m.UpdateProgress(3, 2, 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.JobProgress.WithLabelValues("total")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobProgress.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobProgress.WithLabelValues("failed")))
}

func TestMetrics_FindingsAndSuppressions(t *testing.T) {
	m := NewMetrics(nil)

	m.RecordFinding("HIGH", "bandit", false)
	m.RecordFinding("HIGH", "bandit", true)
	m.RecordFinding("HIGH", "bandit", true)
	m.UpdateSuppressions(4, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.FindingsTotal.WithLabelValues("HIGH", "bandit", "true")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SuppressionsExpiring))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SuppressionsUnused))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a := NewMetrics(nil)
	b := NewMetrics(nil)

	a.RecordError("engine", "scan")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.ErrorsTotal.WithLabelValues("engine", "scan")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ErrorsTotal.WithLabelValues("engine", "scan")))
}

func TestMetrics_MiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewMetrics(nil)

	router := gin.New()
	router.Use(m.PrometheusMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	router.GET("/metrics", gin.WrapH(m.Handler()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/ping", "200")))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "ash_http_requests_total"))
}
