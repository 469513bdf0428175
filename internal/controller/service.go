// Package controller 主控侧服务：发现音频模块、下发播放/停止命令、跟踪应答与完成通知。
package controller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/can"
	"github.com/taoyao-code/can-audio/internal/discovery"
	"github.com/taoyao-code/can-audio/internal/dispatcher"
	"github.com/taoyao-code/can-audio/internal/eventsink"
	"github.com/taoyao-code/can-audio/internal/metrics"
	"github.com/taoyao-code/can-audio/internal/protocol/audio"
	"github.com/taoyao-code/can-audio/internal/transport"
)

// ErrUnknownEvent 事件名未配置
var ErrUnknownEvent = errors.New("controller: unknown event")

// Options 主控参数
type Options struct {
	DiscoveryWindow time.Duration
	AckTimeout      time.Duration
	RxPoll          time.Duration
	RequestTTL      time.Duration
	// AckedTTL 已应答但未完成的播放请求保留上限
	AckedTTL time.Duration
	// Events 事件名 → 音效编号
	Events   map[string]int
	Instance string
	Metrics  *metrics.AppMetrics
	// Sink 可为空；应传入非阻塞实现（eventsink.Async）
	Sink eventsink.Sink
	Now  func() time.Time
}

// Service 主控服务。接收循环在单独 goroutine 中运行，
// 命令可以从 HTTP 与控制台并发调用。
type Service struct {
	t         transport.Transport
	reg       *discovery.Registry
	initiator *discovery.Initiator
	disp      *dispatcher.Dispatcher
	router    *audio.ControllerRouter
	opts      Options
	metrics   *metrics.AppMetrics
	logger    *zap.Logger
}

// New 创建主控服务
func New(t transport.Transport, reg *discovery.Registry, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DiscoveryWindow <= 0 {
		opts.DiscoveryWindow = 500 * time.Millisecond
	}
	if opts.RxPoll <= 0 {
		opts.RxPoll = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger = logger.With(zap.String("component", "controller"))

	s := &Service{t: t, reg: reg, opts: opts, metrics: opts.Metrics, logger: logger}
	s.initiator = discovery.NewInitiator(t, reg, logger,
		discovery.WithClock(opts.Now),
		discovery.WithQueryHook(func() {
			if s.metrics != nil {
				s.metrics.DiscoveryRounds.Inc()
			}
		}))
	tracker := dispatcher.NewTracker(
		dispatcher.WithTTL(opts.RequestTTL),
		dispatcher.WithAckedTTL(opts.AckedTTL),
		dispatcher.WithNow(opts.Now),
		dispatcher.WithObserver(dispatcher.ObserverFunc(func(op, status string) {
			logger.Debug("tracker", zap.String("operation", op), zap.String("status", status))
		})))
	s.disp = dispatcher.New(t, tracker, opts.AckTimeout, logger)
	s.disp.SetNotify(s.notify)
	s.router = audio.NewControllerRouter(s, reg.Known, s.onDrop)
	return s
}

// Registry 模块注册表
func (s *Service) Registry() *discovery.Registry { return s.reg }

// Transport 总线传输
func (s *Service) Transport() transport.Transport { return s.t }

func (s *Service) onDrop(f can.Frame, reason string) {
	s.metrics.Drop(reason)
	s.logger.Debug("frame dropped", zap.String("frame", f.String()), zap.String("reason", reason))
}

// Run 接收循环，直到 ctx 取消
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("controller receive loop started", zap.String("transport", s.t.Mode().String()))
	defer s.logger.Info("controller receive loop stopped")

	degraded := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		f, err := s.t.Receive(ctx, s.opts.RxPoll)
		switch {
		case err == nil:
			if degraded {
				degraded = false
				s.logger.Info("receive path back to normal")
			}
			if s.metrics != nil {
				s.metrics.FramesRouted.WithLabelValues(audio.MessageName(f.ID)).Inc()
			}
			if err := s.router.Route(ctx, f); err != nil {
				s.logger.Warn("handle frame failed", zap.String("frame", audio.Describe(f)), zap.Error(err))
			}
		case errors.Is(err, transport.ErrTimeout):
		case errors.Is(err, transport.ErrDegraded):
			if !degraded {
				degraded = true
				s.logger.Warn("receive path degraded, waiting for explicit recovery")
			}
		case errors.Is(err, transport.ErrClosed):
			return err
		case ctx.Err() != nil:
			return nil
		default:
			s.logger.Debug("receive failed", zap.Error(err))
		}
	}
}

// Discover 广播查询并收集应答
func (s *Service) Discover(ctx context.Context) ([]discovery.Module, error) {
	return s.initiator.Discover(ctx, s.opts.DiscoveryWindow)
}

// Modules 已知模块
func (s *Service) Modules() []discovery.Module { return s.reg.List() }

// target 最近活跃的音频模块
func (s *Service) target() (can.Block, error) {
	m, err := s.reg.Find(audio.ModuleTypeAudio)
	if err != nil {
		return 0, err
	}
	return m.Block, nil
}

// Play 向音频模块发送播放请求，等待应答
func (s *Service) Play(ctx context.Context, p dispatcher.PlayRequest) (dispatcher.Request, error) {
	block, err := s.target()
	if err != nil {
		return dispatcher.Request{}, err
	}
	return s.PlayOn(ctx, block, p)
}

// PlayOn 指定地址块播放
func (s *Service) PlayOn(ctx context.Context, block can.Block, p dispatcher.PlayRequest) (dispatcher.Request, error) {
	r, err := s.disp.Play(ctx, block, p)
	if err != nil {
		return r, err
	}
	s.logger.Info("sound acknowledged",
		zap.Uint16("sound_index", r.Index),
		zap.Uint8("queue_id", r.QueueID),
		zap.Uint16("token", r.Token),
		zap.Duration("latency", r.AckLatency()))
	return r, nil
}

// PlayEvent 按事件名播放
func (s *Service) PlayEvent(ctx context.Context, name string) (dispatcher.Request, error) {
	idx, ok := s.opts.Events[name]
	if !ok {
		return dispatcher.Request{}, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	if idx < 0 || idx > 0xFFFF {
		return dispatcher.Request{}, fmt.Errorf("event %q: sound index %d out of range", name, idx)
	}
	return s.Play(ctx, dispatcher.PlayRequest{Index: uint16(idx), Volume: audio.VolumeUseLocal})
}

// Events 已配置的事件名，排序后返回
func (s *Service) Events() []string {
	names := make([]string, 0, len(s.opts.Events))
	for name := range s.opts.Events {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop 停止指定队列号，0 为通配
func (s *Service) Stop(ctx context.Context, queueID uint8) (dispatcher.Request, error) {
	block, err := s.target()
	if err != nil {
		return dispatcher.Request{}, err
	}
	return s.disp.Stop(ctx, block, queueID)
}

// StopAll 停止全部声音，不等待应答
func (s *Service) StopAll(ctx context.Context) error {
	block, err := s.target()
	if err != nil {
		return err
	}
	return s.disp.StopAll(ctx, block)
}

// Request 按令牌查询请求
func (s *Service) Request(token uint16) (dispatcher.Request, bool) {
	return s.disp.Tracker().Lookup(token)
}

// Active 尚未终结的请求
func (s *Service) Active() []dispatcher.Request {
	return s.disp.Tracker().Active()
}

func (s *Service) notify(r dispatcher.Request) {
	if s.metrics != nil {
		s.metrics.ControllerRequests.WithLabelValues(r.State.String()).Inc()
		if r.Kind == dispatcher.KindPlay && !r.AckAt.IsZero() && r.State != dispatcher.StateCompleted {
			s.metrics.AckLatency.Observe(r.AckLatency().Seconds())
		}
	}
	if r.Kind == dispatcher.KindPlay && r.State == dispatcher.StateCompleted {
		s.logger.Info("sound finished",
			zap.Uint16("sound_index", r.Index),
			zap.Uint8("queue_id", r.QueueID),
			zap.String("reason", r.Reason.String()))
	}
	if e, ok := eventsink.FromRequest(r); ok {
		s.publish(e)
	}
}

func (s *Service) publish(e eventsink.Event) {
	if s.opts.Sink == nil {
		return
	}
	e.Instance = s.opts.Instance
	if err := s.opts.Sink.Publish(context.Background(), e); err != nil {
		s.logger.Debug("publish event failed", zap.String("event_type", string(e.Type)), zap.Error(err))
	}
}

func (s *Service) HandleAnnounce(_ context.Context, m audio.Announce) error {
	mod, created := s.reg.Observe(m, s.opts.Now())
	if s.metrics != nil {
		s.metrics.RegistryModules.Set(float64(s.reg.Len()))
	}
	if created {
		s.logger.Info("module discovered",
			zap.String("module", mod.Key.String()),
			zap.String("version", mod.Version()),
			zap.Uint8("block", uint8(mod.Block)),
			zap.Uint8("caps", uint8(mod.Caps)))
		s.publish(eventsink.FromModule(mod))
	}
	return nil
}

func (s *Service) HandleSoundAck(_ context.Context, b can.Block, m audio.SoundAck) error {
	s.reg.Touch(b, s.opts.Now())
	s.disp.OnSoundAck(b, m)
	return nil
}

func (s *Service) HandleStopAck(_ context.Context, b can.Block, m audio.StopAck) error {
	s.reg.Touch(b, s.opts.Now())
	s.disp.OnStopAck(b, m)
	return nil
}

func (s *Service) HandleSoundFinished(_ context.Context, b can.Block, m audio.SoundFinished) error {
	s.reg.Touch(b, s.opts.Now())
	s.disp.OnSoundFinished(b, m)
	return nil
}

func (s *Service) HandleSoundStatus(_ context.Context, b can.Block, m audio.SoundStatus) error {
	s.reg.UpdateStatus(b, m, s.opts.Now())
	return nil
}
