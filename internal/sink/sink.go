// Package sink 渲染驱动：按声卡节奏从混音器拉取样本。
package sink

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Renderer 混音器渲染接口（交错 int16）
type Renderer interface {
	Render(out []int16, channels int)
}

// Sink 输出设备
type Sink interface {
	Name() string
	// Run 阻塞直到 ctx 取消
	Run(ctx context.Context) error
}

// Format 输出格式
type Format struct {
	SampleRate   int
	Channels     int
	BufferFrames int
}

func (f Format) withDefaults() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = 44100
	}
	if f.Channels <= 0 {
		f.Channels = 2
	}
	if f.BufferFrames <= 0 {
		f.BufferFrames = 512
	}
	return f
}

// Period 一个缓冲区对应的时长
func (f Format) Period() time.Duration {
	f = f.withDefaults()
	return time.Duration(f.BufferFrames) * time.Second / time.Duration(f.SampleRate)
}

// Headless 无声卡时按缓冲周期驱动渲染，样本丢弃。
// 播放时长与真实设备一致，完成通知照常产生。
type Headless struct {
	r      Renderer
	format Format
	logger *zap.Logger
	onTick func([]int16)
}

// NewHeadless 创建无声输出
func NewHeadless(r Renderer, format Format, logger *zap.Logger) *Headless {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Headless{r: r, format: format.withDefaults(), logger: logger}
}

// OnTick 每个周期渲染后回调（测试与电平监视）
func (h *Headless) OnTick(fn func([]int16)) { h.onTick = fn }

func (h *Headless) Name() string { return "headless" }

func (h *Headless) Run(ctx context.Context) error {
	period := h.format.Period()
	buf := make([]int16, h.format.BufferFrames*h.format.Channels)
	h.logger.Info("render sink started",
		zap.String("sink", h.Name()),
		zap.Int("sample_rate", h.format.SampleRate),
		zap.Duration("period", period))

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("render sink stopped", zap.String("sink", h.Name()))
			return nil
		case <-ticker.C:
			h.r.Render(buf, h.format.Channels)
			if h.onTick != nil {
				h.onTick(buf)
			}
		}
	}
}

// Open 按名称创建输出；不可用时回退到 headless
func Open(name string, r Renderer, format Format, logger *zap.Logger) Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch name {
	case "", "headless":
		return NewHeadless(r, format, logger)
	case "oto":
		s, err := openDevice(r, format, logger)
		if err == nil {
			return s
		}
		logger.Warn("audio device unavailable, using headless sink", zap.Error(err))
		return NewHeadless(r, format, logger)
	default:
		logger.Warn("unknown sink, using headless", zap.String("sink", name))
		return NewHeadless(r, format, logger)
	}
}

// ErrNoDevice 构建时未启用声卡输出
var ErrNoDevice = errors.New("sink: audio device support not built (build with -tags oto)")
