// Package dispatcher 主控侧命令下发与应答关联。
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/can"
	"github.com/taoyao-code/can-audio/internal/protocol/audio"
	"github.com/taoyao-code/can-audio/internal/transport"
)

// NotifyFunc 请求状态变化回调（应答、拒绝、完成、超时）
type NotifyFunc func(Request)

// PlayRequest 逻辑播放请求
type PlayRequest struct {
	Index  uint16
	Flags  audio.Flags
	Volume uint8 // 0..100，或 audio.VolumeUseLocal
	Token  uint16
}

// Dispatcher 把逻辑请求编码为帧并等待应答。
// 等待有上限：离线外设表现为 ErrNoResponse，而不是协议错误。
type Dispatcher struct {
	t          transport.Transport
	tracker    *Tracker
	ackTimeout time.Duration
	logger     *zap.Logger
	notify     NotifyFunc
}

// New 创建分发器
func New(t transport.Transport, tracker *Tracker, ackTimeout time.Duration, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ackTimeout <= 0 {
		ackTimeout = 200 * time.Millisecond
	}
	return &Dispatcher{t: t, tracker: tracker, ackTimeout: ackTimeout, logger: logger, notify: func(Request) {}}
}

// SetNotify 设置状态回调，须在收发开始前调用
func (d *Dispatcher) SetNotify(fn NotifyFunc) {
	if fn != nil {
		d.notify = fn
	}
}

// Tracker 关联表
func (d *Dispatcher) Tracker() *Tracker { return d.tracker }

// Play 发送 PLAY_SOUND 并等待 SOUND_ACK。
// 被拒绝时返回请求快照与对应状态码的错误。
func (d *Dispatcher) Play(ctx context.Context, block can.Block, p PlayRequest) (Request, error) {
	req, acked, err := d.tracker.Track(Request{
		Kind: KindPlay, Block: block, Index: p.Index, Flags: p.Flags, Volume: p.Volume, Token: p.Token,
	})
	if err != nil {
		return Request{}, err
	}
	msg := audio.PlaySound{Index: p.Index, Flags: p.Flags, Volume: p.Volume, Token: req.Token}
	return d.roundTrip(ctx, req, acked, msg.Frame(block))
}

// Stop 发送 STOP_SOUND 并等待 STOP_ACK；queueID 为 0 表示通配
func (d *Dispatcher) Stop(ctx context.Context, block can.Block, queueID uint8) (Request, error) {
	req, acked, err := d.tracker.Track(Request{Kind: KindStop, Block: block, QueueID: queueID})
	if err != nil {
		return Request{}, err
	}
	msg := audio.StopSound{QueueID: queueID, Token: req.Token}
	return d.roundTrip(ctx, req, acked, msg.Frame(block))
}

// StopAll 发送 STOP_ALL，协议不定义应答
func (d *Dispatcher) StopAll(ctx context.Context, block can.Block) error {
	if err := d.t.Send(ctx, audio.StopAllFrame(block)); err != nil {
		return fmt.Errorf("send stop_all: %w", err)
	}
	d.logger.Info("stop_all sent", zap.Uint8("block", uint8(block)))
	return nil
}

func (d *Dispatcher) roundTrip(ctx context.Context, req Request, acked <-chan struct{}, f can.Frame) (Request, error) {
	if err := d.t.Send(ctx, f); err != nil {
		if r, ok := d.tracker.Expire(req.Token); ok {
			d.notify(r)
		}
		return req, fmt.Errorf("send %s: %w", req.Kind, err)
	}
	d.tracker.MarkSent(req.Token)

	timer := time.NewTimer(d.ackTimeout)
	defer timer.Stop()

	select {
	case <-acked:
	case <-timer.C:
	case <-ctx.Done():
		if r, ok := d.tracker.Expire(req.Token); ok {
			d.notify(r)
		}
		return req, ctx.Err()
	}

	if r, ok := d.tracker.Expire(req.Token); ok {
		d.logger.Warn("no response",
			zap.String("kind", string(r.Kind)),
			zap.Uint16("token", r.Token),
			zap.Uint8("block", uint8(r.Block)),
			zap.Duration("timeout", d.ackTimeout))
		d.notify(r)
		return r, ErrNoResponse
	}

	r, _ := d.tracker.Lookup(req.Token)
	if r.State == StateRejected {
		return r, fmt.Errorf("%s rejected: %w", r.Kind, r.Status.Err())
	}
	return r, nil
}

// OnSoundAck 接收循环调用
func (d *Dispatcher) OnSoundAck(block can.Block, ack audio.SoundAck) {
	r, ok := d.tracker.ResolveSoundAck(block, ack)
	if !ok {
		d.logger.Debug("unmatched sound_ack",
			zap.Uint16("sound_index", ack.Index),
			zap.Uint16("token", ack.Token),
			zap.String("status", ack.Status.String()))
		return
	}
	d.notify(r)
}

// OnStopAck 接收循环调用
func (d *Dispatcher) OnStopAck(block can.Block, ack audio.StopAck) {
	r, ok := d.tracker.ResolveStopAck(block, ack)
	if !ok {
		d.logger.Debug("unmatched stop_ack", zap.Uint8("queue_id", ack.QueueID), zap.Uint16("token", ack.Token))
		return
	}
	d.notify(r)
}

// OnSoundFinished 接收循环调用；未关联的完成通知（例如来自其他主控）只记录日志
func (d *Dispatcher) OnSoundFinished(block can.Block, fin audio.SoundFinished) (Request, bool) {
	r, ok := d.tracker.Complete(block, fin)
	if !ok {
		d.logger.Debug("unmatched sound_finished",
			zap.Uint8("queue_id", fin.QueueID),
			zap.Uint16("sound_index", fin.Index),
			zap.String("reason", fin.Reason.String()))
		return Request{}, false
	}
	d.notify(r)
	return r, true
}
