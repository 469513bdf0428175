// Package discovery 模块发现：外设侧应答、主控侧注册表与广播查询。
package discovery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/protocol/audio"
	"github.com/taoyao-code/can-audio/internal/transport"
)

// Responder 外设侧：每个查询立即应答一帧 MODULE_ANNOUNCE，无排队、无状态
type Responder struct {
	t        transport.Transport
	announce audio.Announce
	logger   *zap.Logger
}

// NewResponder 创建应答器
func NewResponder(t transport.Transport, announce audio.Announce, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{t: t, announce: announce, logger: logger}
}

// Announce 自描述
func (r *Responder) Announce() audio.Announce { return r.announce }

// Respond 发送 MODULE_ANNOUNCE
func (r *Responder) Respond(ctx context.Context) error {
	if err := r.t.Send(ctx, r.announce.Frame()); err != nil {
		return fmt.Errorf("send announce: %w", err)
	}
	r.logger.Debug("announce sent",
		zap.String("type", r.announce.Type.String()),
		zap.Uint8("block", uint8(r.announce.Block)))
	return nil
}

// Initiator 主控侧：广播 MODULE_QUERY，在窗口内收集应答。
// 应答由主控接收循环写入注册表，这里只负责发送与等待。
type Initiator struct {
	t      transport.Transport
	reg    *Registry
	now    func() time.Time
	logger *zap.Logger
	onSent func()
}

// InitiatorOption 可选项
type InitiatorOption func(*Initiator)

// WithClock 替换时钟
func WithClock(now func() time.Time) InitiatorOption {
	return func(i *Initiator) {
		if now != nil {
			i.now = now
		}
	}
}

// WithQueryHook 每次广播后回调（指标）
func WithQueryHook(fn func()) InitiatorOption {
	return func(i *Initiator) { i.onSent = fn }
}

// NewInitiator 创建发现发起方
func NewInitiator(t transport.Transport, reg *Registry, logger *zap.Logger, opts ...InitiatorOption) *Initiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Initiator{t: t, reg: reg, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Discover 广播查询并等待 window，返回窗口内应答过的模块。
// 没有模块应答时返回 ErrNoModule；可随时重复调用。
func (i *Initiator) Discover(ctx context.Context, window time.Duration) ([]Module, error) {
	sentAt := i.now()
	if err := i.t.Send(ctx, audio.QueryFrame()); err != nil {
		return nil, fmt.Errorf("send query: %w", err)
	}
	if i.onSent != nil {
		i.onSent()
	}

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	var out []Module
	for _, m := range i.reg.List() {
		if !m.LastAnnounce.Before(sentAt) {
			out = append(out, m)
		}
	}
	i.logger.Info("discovery finished",
		zap.Int("responded", len(out)),
		zap.Int("known", i.reg.Len()),
		zap.Duration("window", window))
	if len(out) == 0 {
		return nil, ErrNoModule
	}
	return out, nil
}
