package transport

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/taoyao-code/can-audio/internal/can"
)

// Throttled 基于令牌桶的发送限速，避免突发命令占满总线。
// 在 maxWait 内拿不到令牌的发送返回 ErrTimeout。
type Throttled struct {
	Transport
	limiter  *rate.Limiter
	maxWait  time.Duration
	allowed  atomic.Int64
	rejected atomic.Int64
}

// NewThrottled 包装传输；framesPerSec <= 0 时直接返回原传输
func NewThrottled(inner Transport, framesPerSec float64, burst int, maxWait time.Duration) Transport {
	if framesPerSec <= 0 {
		return inner
	}
	if burst <= 0 {
		burst = 1
	}
	if maxWait <= 0 {
		maxWait = 100 * time.Millisecond
	}
	return &Throttled{
		Transport: inner,
		limiter:   rate.NewLimiter(rate.Limit(framesPerSec), burst),
		maxWait:   maxWait,
	}
}

func (t *Throttled) Send(ctx context.Context, f can.Frame) error {
	wctx, cancel := context.WithTimeout(ctx, t.maxWait)
	defer cancel()
	if err := t.limiter.Wait(wctx); err != nil {
		t.rejected.Add(1)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTimeout
	}
	t.allowed.Add(1)
	return t.Transport.Send(ctx, f)
}

// ThrottleStats 限速统计
type ThrottleStats struct {
	Limit         float64 `json:"limit"`
	Burst         int     `json:"burst"`
	AllowedTotal  int64   `json:"allowed_total"`
	RejectedTotal int64   `json:"rejected_total"`
}

func (t *Throttled) ThrottleStats() ThrottleStats {
	return ThrottleStats{
		Limit:         float64(t.limiter.Limit()),
		Burst:         t.limiter.Burst(),
		AllowedTotal:  t.allowed.Load(),
		RejectedTotal: t.rejected.Load(),
	}
}

// Direction 帧方向
type Direction string

const (
	DirTx Direction = "tx"
	DirRx Direction = "rx"
)

// TapFunc 帧观察回调，不得阻塞
type TapFunc func(dir Direction, f can.Frame)

// Tapped 在不改变语义的前提下观察收发帧（控制台 monitor、调试日志）
type Tapped struct {
	Transport
	tap atomic.Pointer[TapFunc]
}

// NewTapped 包装传输
func NewTapped(inner Transport) *Tapped { return &Tapped{Transport: inner} }

// SetTap 设置或清除（nil）观察回调
func (t *Tapped) SetTap(fn TapFunc) {
	if fn == nil {
		t.tap.Store(nil)
		return
	}
	t.tap.Store(&fn)
}

func (t *Tapped) Send(ctx context.Context, f can.Frame) error {
	err := t.Transport.Send(ctx, f)
	if err == nil {
		if fn := t.tap.Load(); fn != nil {
			(*fn)(DirTx, f)
		}
	}
	return err
}

func (t *Tapped) Receive(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	f, err := t.Transport.Receive(ctx, timeout)
	if err == nil {
		if fn := t.tap.Load(); fn != nil {
			(*fn)(DirRx, f)
		}
	}
	return f, err
}
