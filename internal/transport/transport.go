package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/taoyao-code/can-audio/internal/can"
)

var (
	// ErrTimeout 发送队列满或在超时内没有收到帧，调用方视为非致命
	ErrTimeout = errors.New("transport: timeout")
	// ErrDegraded 连续硬件错误后接收路径停止轮询，需显式 Recover
	ErrDegraded = errors.New("transport: receive path degraded")
	// ErrClosed 传输已关闭
	ErrClosed = errors.New("transport: closed")
	// ErrBitrate 不支持的总线波特率
	ErrBitrate = errors.New("transport: unsupported bitrate")
)

// Mode 传输模式，启动时确定，运行期不变
type Mode int

const (
	ModePhysical Mode = iota
	ModeFallback
)

func (m Mode) String() string {
	switch m {
	case ModePhysical:
		return "physical"
	case ModeFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Transport 总线传输契约
type Transport interface {
	// Send 发送一帧；发送队列满时返回 ErrTimeout
	Send(ctx context.Context, f can.Frame) error
	// Receive 在 timeout 内接收一帧；无帧返回 ErrTimeout，硬件错误返回其他错误
	Receive(ctx context.Context, timeout time.Duration) (can.Frame, error)
	// Recover 清除总线故障（bus-off / 接收降级），不自动调用
	Recover() error
	Stats() Stats
	// ResetStats 运维显式清零计数器
	ResetStats()
	Mode() Mode
	Close() error
}

// Driver 物理介质驱动（SLCAN 串口、SocketCAN、内存总线）
type Driver interface {
	Name() string
	WriteFrame(ctx context.Context, f can.Frame) error
	// ReadFrame 超时返回 ErrTimeout
	ReadFrame(ctx context.Context, timeout time.Duration) (can.Frame, error)
	// Reset 总线故障恢复
	Reset() error
	Close() error
}

// Stats 传输统计
type Stats struct {
	Mode       string       `json:"mode"`
	Driver     string       `json:"driver"`
	TxFrames   uint64       `json:"tx_frames"`
	RxFrames   uint64       `json:"rx_frames"`
	TxErrors   uint64       `json:"tx_errors"`
	RxErrors   uint64       `json:"rx_errors"`
	TxTimeouts uint64       `json:"tx_timeouts"`
	Recoveries uint64       `json:"recoveries"`
	Breaker    BreakerStats `json:"breaker"`
}

// counters 单调计数器，仅 ResetStats 清零
type counters struct {
	tx, rx, txErr, rxErr, txTimeout, recoveries atomic.Uint64
}

func (c *counters) reset() {
	c.tx.Store(0)
	c.rx.Store(0)
	c.txErr.Store(0)
	c.rxErr.Store(0)
	c.txTimeout.Store(0)
	c.recoveries.Store(0)
}

func (c *counters) fill(s *Stats) {
	s.TxFrames = c.tx.Load()
	s.RxFrames = c.rx.Load()
	s.TxErrors = c.txErr.Load()
	s.RxErrors = c.rxErr.Load()
	s.TxTimeouts = c.txTimeout.Load()
	s.Recoveries = c.recoveries.Load()
}

// sleepCtx 等待 d 或 ctx 结束
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
