package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taoyao-code/can-audio/internal/transport"
)

// BusCollector 从传输层统计导出计数器，避免在收发热路径上再计一次
type BusCollector struct {
	t transport.Transport

	frames     *prometheus.Desc
	errors     *prometheus.Desc
	timeouts   *prometheus.Desc
	recoveries *prometheus.Desc
	degraded   *prometheus.Desc
}

// NewBusCollector 创建采集器
func NewBusCollector(t transport.Transport) *BusCollector {
	labels := []string{"mode", "driver"}
	return &BusCollector{
		t: t,
		frames: prometheus.NewDesc("canaudio_bus_frames_total",
			"Frames transferred on the bus.", append(labels, "dir"), nil),
		errors: prometheus.NewDesc("canaudio_bus_errors_total",
			"Hardware errors on the bus.", append(labels, "dir"), nil),
		timeouts: prometheus.NewDesc("canaudio_bus_tx_timeouts_total",
			"Sends rejected because the transmit queue stayed full.", labels, nil),
		recoveries: prometheus.NewDesc("canaudio_bus_recoveries_total",
			"Explicit bus recoveries.", labels, nil),
		degraded: prometheus.NewDesc("canaudio_bus_rx_degraded",
			"1 when the receive path stopped polling after an error streak.", labels, nil),
	}
}

func (c *BusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.frames
	ch <- c.errors
	ch <- c.timeouts
	ch <- c.recoveries
	ch <- c.degraded
}

func (c *BusCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.t.Stats()
	degraded := 0.0
	if s.Breaker.State == transport.BreakerOpen.String() {
		degraded = 1
	}
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(s.TxFrames), s.Mode, s.Driver, "tx")
	ch <- prometheus.MustNewConstMetric(c.frames, prometheus.CounterValue, float64(s.RxFrames), s.Mode, s.Driver, "rx")
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.TxErrors), s.Mode, s.Driver, "tx")
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(s.RxErrors), s.Mode, s.Driver, "rx")
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.TxTimeouts), s.Mode, s.Driver)
	ch <- prometheus.MustNewConstMetric(c.recoveries, prometheus.CounterValue, float64(s.Recoveries), s.Mode, s.Driver)
	ch <- prometheus.MustNewConstMetric(c.degraded, prometheus.GaugeValue, degraded, s.Mode, s.Driver)
}
