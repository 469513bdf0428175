package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/can"
	"github.com/taoyao-code/can-audio/internal/protocol/audio"
)

const fallbackHistory = 64

// Logging 无收发器时的回退传输：发送总是成功并记录日志，接收总是超时
type Logging struct {
	logger *zap.Logger
	reason string
	c      counters

	mu   sync.Mutex
	sent []can.Frame
}

// NewLogging 创建回退传输，reason 记录降级原因
func NewLogging(logger *zap.Logger, reason string) *Logging {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logging{logger: logger.With(zap.String("transport", "fallback")), reason: reason}
}

func (l *Logging) Mode() Mode { return ModeFallback }

// Reason 降级原因
func (l *Logging) Reason() string { return l.reason }

func (l *Logging) Send(_ context.Context, f can.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	l.c.tx.Add(1)
	l.logger.Info("frame (not transmitted)", zap.String("frame", audio.Describe(f)))

	l.mu.Lock()
	if len(l.sent) == fallbackHistory {
		copy(l.sent, l.sent[1:])
		l.sent = l.sent[:fallbackHistory-1]
	}
	l.sent = append(l.sent, f)
	l.mu.Unlock()
	return nil
}

// Sent 最近记录的发送帧
func (l *Logging) Sent() []can.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]can.Frame, len(l.sent))
	copy(out, l.sent)
	return out
}

// Receive 等待 timeout 后返回 ErrTimeout
func (l *Logging) Receive(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	if err := sleepCtx(ctx, timeout); err != nil {
		return can.Frame{}, err
	}
	return can.Frame{}, ErrTimeout
}

func (l *Logging) Recover() error {
	l.c.recoveries.Add(1)
	return nil
}

func (l *Logging) Stats() Stats {
	s := Stats{Mode: ModeFallback.String(), Driver: "logging", Breaker: BreakerStats{State: BreakerClosed.String()}}
	l.c.fill(&s)
	return s
}

func (l *Logging) ResetStats() { l.c.reset() }

func (l *Logging) Close() error { return nil }
