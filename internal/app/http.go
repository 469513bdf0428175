package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/can-audio/internal/config"
	"github.com/taoyao-code/can-audio/internal/health"
	"github.com/taoyao-code/can-audio/internal/httpserver"
	"github.com/taoyao-code/can-audio/internal/metrics"
)

// NewHTTPServer 根据配置创建 HTTP 服务器
func NewHTTPServer(cfg *cfgpkg.Config, reg *prometheus.Registry, agg *health.Aggregator, log *zap.Logger) *httpserver.Server {
	var h = metrics.Handler(reg)
	if !cfg.Metrics.Enable {
		h = nil
	}
	return httpserver.New(cfg.HTTP, cfg.Metrics.Path, h, agg, log)
}
