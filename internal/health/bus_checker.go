package health

import (
	"context"
	"time"

	"github.com/taoyao-code/can-audio/internal/transport"
)

// TransportChecker 总线传输：回退模式为降级，接收熔断打开为不健康
type TransportChecker struct {
	t transport.Transport
}

func NewTransportChecker(t transport.Transport) *TransportChecker {
	return &TransportChecker{t: t}
}

func (c *TransportChecker) Name() string { return "bus" }

func (c *TransportChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	st := c.t.Stats()
	details := map[string]any{
		"mode":          st.Mode,
		"driver":        st.Driver,
		"tx_frames":     st.TxFrames,
		"rx_frames":     st.RxFrames,
		"tx_errors":     st.TxErrors,
		"rx_errors":     st.RxErrors,
		"tx_timeouts":   st.TxTimeouts,
		"breaker_state": st.Breaker.State,
		"breaker_trips": st.Breaker.TripCount,
	}
	switch {
	case c.t.Mode() == transport.ModeFallback:
		return result(start, StatusDegraded, "no bus hardware, frames are logged only", details)
	case st.Breaker.State == transport.BreakerOpen.String():
		return result(start, StatusUnhealthy, "receive path degraded, recovery required", details)
	default:
		return result(start, StatusHealthy, "ok", details)
	}
}
