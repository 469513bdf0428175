// Package peripheral 外设侧帧循环：发现应答、播放/停止命令与完成通知上报。
package peripheral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/can"
	"github.com/taoyao-code/can-audio/internal/discovery"
	"github.com/taoyao-code/can-audio/internal/metrics"
	"github.com/taoyao-code/can-audio/internal/mixer"
	"github.com/taoyao-code/can-audio/internal/protocol/audio"
	"github.com/taoyao-code/can-audio/internal/transport"
)

// Options 帧循环参数
type Options struct {
	Block   can.Block
	RxPoll  time.Duration
	Metrics *metrics.AppMetrics
}

// Service 外设帧循环。应答与完成通知都从这一个 goroutine 发出，
// 因此同一队列号的 SOUND_ACK 一定先于其 SOUND_FINISHED。
type Service struct {
	t         transport.Transport
	mixer     *mixer.Mixer
	responder *discovery.Responder
	router    *audio.PeripheralRouter
	block     can.Block
	rxPoll    time.Duration
	metrics   *metrics.AppMetrics
	logger    *zap.Logger

	degraded bool
}

// New 创建外设服务
func New(t transport.Transport, mix *mixer.Mixer, responder *discovery.Responder, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RxPoll <= 0 {
		opts.RxPoll = 100 * time.Millisecond
	}
	s := &Service{
		t:         t,
		mixer:     mix,
		responder: responder,
		block:     opts.Block,
		rxPoll:    opts.RxPoll,
		metrics:   opts.Metrics,
		logger:    logger.With(zap.String("component", "peripheral"), zap.Uint8("block", uint8(opts.Block))),
	}
	s.router = audio.NewPeripheralRouter(opts.Block, s, s.onDrop)
	return s
}

func (s *Service) onDrop(f can.Frame, reason string) {
	s.metrics.Drop(reason)
	s.logger.Debug("frame dropped", zap.String("frame", f.String()), zap.String("reason", reason))
}

// Run 帧循环，直到 ctx 取消
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("peripheral frame loop started",
		zap.String("transport", s.t.Mode().String()),
		zap.Duration("rx_poll", s.rxPoll))
	defer s.logger.Info("peripheral frame loop stopped")

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		f, err := s.t.Receive(ctx, s.rxPoll)
		switch {
		case err == nil:
			s.setDegraded(false)
			s.handleFrame(ctx, f)
		case errors.Is(err, transport.ErrTimeout):
		case errors.Is(err, transport.ErrDegraded):
			s.setDegraded(true)
		case errors.Is(err, transport.ErrClosed):
			return err
		case ctx.Err() != nil:
			return nil
		default:
			s.logger.Debug("receive failed", zap.Error(err))
		}
		s.Flush(ctx)
	}
}

func (s *Service) handleFrame(ctx context.Context, f can.Frame) {
	if s.metrics != nil {
		s.metrics.FramesRouted.WithLabelValues(audio.MessageName(f.ID)).Inc()
	}
	if err := s.router.Route(ctx, f); err != nil {
		s.logger.Warn("handle frame failed", zap.String("frame", audio.Describe(f)), zap.Error(err))
	}
}

func (s *Service) setDegraded(v bool) {
	if v == s.degraded {
		return
	}
	s.degraded = v
	if v {
		s.logger.Warn("receive path degraded, waiting for explicit recovery")
	} else {
		s.logger.Info("receive path back to normal")
	}
}

// Flush 发送渲染路径积压的完成通知
func (s *Service) Flush(ctx context.Context) {
	for _, fin := range s.mixer.DrainFinished() {
		if err := s.send(ctx, fin.Frame(s.block)); err != nil {
			s.logger.Warn("send sound_finished failed", zap.Uint8("queue_id", fin.QueueID), zap.Error(err))
		}
	}
}

func (s *Service) send(ctx context.Context, f can.Frame) error {
	if err := s.t.Send(ctx, f); err != nil {
		return fmt.Errorf("send %s: %w", audio.MessageName(f.ID), err)
	}
	return nil
}

func (s *Service) HandleQuery(ctx context.Context) error {
	return s.responder.Respond(ctx)
}

func (s *Service) HandlePlaySound(ctx context.Context, m audio.PlaySound) error {
	ack, evicted := s.mixer.Play(m)
	if evicted != nil {
		if err := s.send(ctx, evicted.Frame(s.block)); err != nil {
			s.logger.Warn("send eviction notice failed", zap.Uint8("queue_id", evicted.QueueID), zap.Error(err))
		}
	}
	return s.send(ctx, ack.Frame(s.block))
}

func (s *Service) HandleStopSound(ctx context.Context, m audio.StopSound) error {
	ack, fin := s.mixer.Stop(m)
	if err := s.send(ctx, ack.Frame(s.block)); err != nil {
		return err
	}
	if fin != nil {
		return s.send(ctx, fin.Frame(s.block))
	}
	return nil
}

func (s *Service) HandleStopAll(ctx context.Context) error {
	fins := s.mixer.StopAll()
	if len(fins) > 0 {
		s.logger.Info("stop_all", zap.Int("stopped", len(fins)))
	}
	var errs []error
	for _, fin := range fins {
		if err := s.send(ctx, fin.Frame(s.block)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
