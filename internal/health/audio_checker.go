package health

import (
	"context"
	"fmt"
	"time"
)

// RenderClock 混音器最近一次渲染时间
type RenderClock interface {
	LastRender() time.Time
}

// MixerChecker 渲染驱动是否在运行。启动宽限期内尚未渲染视为降级。
type MixerChecker struct {
	mixer   RenderClock
	maxAge  time.Duration
	started time.Time
	now     func() time.Time
}

func NewMixerChecker(m RenderClock, maxAge time.Duration) *MixerChecker {
	if maxAge <= 0 {
		maxAge = 2 * time.Second
	}
	return &MixerChecker{mixer: m, maxAge: maxAge, started: time.Now(), now: time.Now}
}

func (c *MixerChecker) Name() string { return "mixer" }

func (c *MixerChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	now := c.now()
	last := c.mixer.LastRender()
	if last.IsZero() {
		if now.Sub(c.started) < c.maxAge {
			return result(start, StatusDegraded, "render not started yet", nil)
		}
		return result(start, StatusUnhealthy, "render loop never ran", nil)
	}
	age := now.Sub(last)
	details := map[string]any{"last_render_age": age.String()}
	if age > c.maxAge {
		return result(start, StatusUnhealthy, fmt.Sprintf("render stalled for %s", age.Truncate(time.Millisecond)), details)
	}
	return result(start, StatusHealthy, "ok", details)
}

// ModuleCounter 注册表在线统计
type ModuleCounter interface {
	Len() int
	OnlineCount(now time.Time) int
}

// RegistryChecker 主控侧至少一个在线模块；没有时仍可服务（重新发现），为降级
type RegistryChecker struct {
	reg ModuleCounter
	now func() time.Time
}

func NewRegistryChecker(reg ModuleCounter) *RegistryChecker {
	return &RegistryChecker{reg: reg, now: time.Now}
}

func (c *RegistryChecker) Name() string { return "modules" }

func (c *RegistryChecker) Check(_ context.Context) CheckResult {
	start := time.Now()
	online := c.reg.OnlineCount(c.now())
	details := map[string]any{"known": c.reg.Len(), "online": online}
	if online == 0 {
		return result(start, StatusDegraded, "no audio module online", details)
	}
	return result(start, StatusHealthy, "ok", details)
}
