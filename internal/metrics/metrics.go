package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标
type AppMetrics struct {
	FramesDropped *prometheus.CounterVec // labels: reason
	FramesRouted  *prometheus.CounterVec // labels: msg

	MixerActive      prometheus.Gauge
	MixerAdmissions  *prometheus.CounterVec // labels: status
	MixerCompletions *prometheus.CounterVec // labels: reason
	MixerEvictions   prometheus.Counter
	StatusBroadcasts prometheus.Counter

	ControllerRequests *prometheus.CounterVec // labels: outcome
	AckLatency         prometheus.Histogram
	RegistryModules    prometheus.Gauge
	DiscoveryRounds    prometheus.Counter

	EventsPublished *prometheus.CounterVec // labels: sink, result
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg *prometheus.Registry) *AppMetrics {
	m := &AppMetrics{
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canaudio_frames_dropped_total",
			Help: "Frames silently dropped by the protocol router.",
		}, []string{"reason"}),
		FramesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canaudio_frames_routed_total",
			Help: "Frames dispatched to a handler by message name.",
		}, []string{"msg"}),
		MixerActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canaudio_mixer_active_channels",
			Help: "Currently occupied mixer channels.",
		}),
		MixerAdmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canaudio_mixer_admissions_total",
			Help: "Play requests by acknowledgement status.",
		}, []string{"status"}),
		MixerCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canaudio_mixer_completions_total",
			Help: "Freed channels by finish reason.",
		}, []string{"reason"}),
		MixerEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canaudio_mixer_evictions_total",
			Help: "Channels evicted by interrupting requests.",
		}),
		StatusBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canaudio_status_broadcasts_total",
			Help: "Periodic SOUND_STATUS frames sent.",
		}),
		ControllerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canaudio_controller_requests_total",
			Help: "Controller requests by terminal outcome.",
		}, []string{"outcome"}),
		AckLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "canaudio_ack_latency_seconds",
			Help:    "Time from PLAY_SOUND to SOUND_ACK.",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2},
		}),
		RegistryModules: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canaudio_registry_modules",
			Help: "Modules known to the controller registry.",
		}),
		DiscoveryRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canaudio_discovery_rounds_total",
			Help: "MODULE_QUERY broadcasts issued.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canaudio_events_published_total",
			Help: "Protocol events pushed to external sinks.",
		}, []string{"sink", "result"}),
	}
	reg.MustRegister(
		m.FramesDropped, m.FramesRouted,
		m.MixerActive, m.MixerAdmissions, m.MixerCompletions, m.MixerEvictions, m.StatusBroadcasts,
		m.ControllerRequests, m.AckLatency, m.RegistryModules, m.DiscoveryRounds,
		m.EventsPublished,
	)
	return m
}

// Drop 适配 audio.DropFunc 的计数（nil 安全）
func (m *AppMetrics) Drop(reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(reason).Inc()
}
