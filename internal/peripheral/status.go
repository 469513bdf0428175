package peripheral

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/can"
	"github.com/taoyao-code/can-audio/internal/metrics"
	"github.com/taoyao-code/can-audio/internal/mixer"
	"github.com/taoyao-code/can-audio/internal/protocol/audio"
	"github.com/taoyao-code/can-audio/internal/transport"
)

// StatusBroadcaster 周期性 SOUND_STATUS 上报
type StatusBroadcaster struct {
	t        transport.Transport
	mixer    *mixer.Mixer
	block    can.Block
	interval time.Duration
	started  time.Time
	now      func() time.Time
	soundsOK func() bool
	metrics  *metrics.AppMetrics
	logger   *zap.Logger
}

// NewStatusBroadcaster soundsOK 为 nil 时不置 SD 位
func NewStatusBroadcaster(t transport.Transport, mix *mixer.Mixer, block can.Block, interval time.Duration,
	soundsOK func() bool, m *metrics.AppMetrics, logger *zap.Logger) *StatusBroadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &StatusBroadcaster{
		t:        t,
		mixer:    mix,
		block:    block,
		interval: interval,
		started:  time.Now(),
		now:      time.Now,
		soundsOK: soundsOK,
		metrics:  m,
		logger:   logger,
	}
}

// Build 当前状态
func (b *StatusBroadcaster) Build() audio.SoundStatus {
	snap := b.mixer.Snapshot()
	st := audio.StateReady
	if b.soundsOK != nil && b.soundsOK() {
		st |= audio.StateSDMounted
	}
	if snap.Active > 0 {
		st |= audio.StatePlaying
	}
	if snap.Muted {
		st |= audio.StateMuted
	}
	if snap.LastError != audio.StatusSuccess {
		st |= audio.StateError
	}
	return audio.SoundStatus{
		State:     st,
		Current:   snap.Current,
		ErrorCode: uint8(snap.LastError),
		Volume:    snap.MasterVolume,
		Uptime:    uint16(int64(b.now().Sub(b.started) / time.Second)),
		Active:    uint8(snap.Active),
	}
}

// Broadcast 发送一次状态
func (b *StatusBroadcaster) Broadcast(ctx context.Context) error {
	if err := b.t.Send(ctx, b.Build().Frame(b.block)); err != nil {
		return err
	}
	if b.metrics != nil {
		b.metrics.StatusBroadcasts.Inc()
	}
	return nil
}

// Start 按间隔上报，直到 ctx 取消
func (b *StatusBroadcaster) Start(ctx context.Context) {
	b.logger.Info("status broadcaster started", zap.Duration("interval", b.interval))
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("status broadcaster stopped")
			return
		case <-ticker.C:
			if err := b.Broadcast(ctx); err != nil {
				b.logger.Debug("status broadcast failed", zap.Error(err))
			}
		}
	}
}
