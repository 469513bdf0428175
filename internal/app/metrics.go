package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taoyao-code/can-audio/internal/metrics"
	"github.com/taoyao-code/can-audio/internal/transport"
)

// NewMetrics 初始化注册表、应用指标与总线计数采集器
func NewMetrics(t transport.Transport) (*prometheus.Registry, *metrics.AppMetrics) {
	reg := metrics.NewRegistry()
	appm := metrics.NewAppMetrics(reg)
	reg.MustRegister(metrics.NewBusCollector(t))
	return reg, appm
}
