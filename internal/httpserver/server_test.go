package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	cfgpkg "github.com/taoyao-code/can-audio/internal/config"
	"github.com/taoyao-code/can-audio/internal/health"
	appmetrics "github.com/taoyao-code/can-audio/internal/metrics"
)

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealthzReadyzMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := cfgpkg.HTTPConfig{Addr: ":0", ReadTimeout: time.Second, WriteTimeout: time.Second}
	reg := appmetrics.NewRegistry()
	srv := New(cfg, "/metrics", appmetrics.Handler(reg), nil, nil)

	assert.Equal(t, http.StatusOK, get(srv.Handler(), "/healthz").Code)
	assert.Equal(t, http.StatusOK, get(srv.Handler(), "/readyz").Code)
	assert.Equal(t, http.StatusOK, get(srv.Handler(), "/metrics").Code)

	rr := get(srv.Handler(), "/healthz")
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestReadyzNotReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	agg := health.NewAggregator(health.CheckerFunc{CheckName: "bus", Fn: func(context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusUnhealthy}
	}})
	srv := New(cfgpkg.HTTPConfig{Addr: ":0"}, "", nil, agg, nil)

	assert.Equal(t, http.StatusServiceUnavailable, get(srv.Handler(), "/readyz").Code)
	assert.Equal(t, http.StatusNotFound, get(srv.Handler(), "/metrics").Code)
}

func TestEngineRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	srv := New(cfgpkg.HTTPConfig{Addr: ":0"}, "/metrics", nil, nil, nil)
	srv.Engine().GET("/api/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	assert.Equal(t, "pong", get(srv.Handler(), "/api/ping").Body.String())
}
