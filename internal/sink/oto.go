//go:build oto

package sink

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

// Oto 声卡输出：oto 播放器从 Read 拉取 PCM，Read 内调用混音器渲染
type Oto struct {
	ctx    *oto.Context
	player *oto.Player
	r      Renderer
	format Format
	logger *zap.Logger

	mu  sync.Mutex
	buf []int16
}

func openDevice(r Renderer, format Format, logger *zap.Logger) (Sink, error) {
	format = format.withDefaults()
	op := &oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   format.Period(),
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, fmt.Errorf("oto context: %w", err)
	}
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("oto context: device not ready")
	}
	o := &Oto{ctx: ctx, r: r, format: format, logger: logger}
	o.player = ctx.NewPlayer(o)
	return o, nil
}

func (o *Oto) Name() string { return "oto" }

// Read 实现 io.Reader，由 oto 的音频线程调用
func (o *Oto) Read(p []byte) (int, error) {
	frameBytes := 2 * o.format.Channels
	frames := len(p) / frameBytes
	if frames == 0 {
		return 0, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	n := frames * o.format.Channels
	if cap(o.buf) < n {
		o.buf = make([]int16, n)
	}
	buf := o.buf[:n]
	o.r.Render(buf, o.format.Channels)
	for i, s := range buf {
		binary.LittleEndian.PutUint16(p[2*i:], uint16(s))
	}
	return frames * frameBytes, nil
}

func (o *Oto) Run(ctx context.Context) error {
	o.logger.Info("render sink started", zap.String("sink", o.Name()), zap.Int("sample_rate", o.format.SampleRate))
	o.player.Play()
	<-ctx.Done()
	if err := o.player.Close(); err != nil {
		o.logger.Debug("close player", zap.Error(err))
	}
	o.logger.Info("render sink stopped", zap.String("sink", o.Name()))
	return nil
}
