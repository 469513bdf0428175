package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/metrics"
)

// Log 写入结构化日志
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Publish(_ context.Context, e Event) error {
	l.logger.Info("audio event",
		zap.String("event_id", e.EventID),
		zap.String("event_type", string(e.Type)),
		zap.Uint8("block", e.Block),
		zap.Uint16("token", e.Token),
		zap.Uint16("sound_index", e.Index),
		zap.Uint8("queue_id", e.QueueID),
		zap.String("status", e.Status),
		zap.String("reason", e.Reason))
	return nil
}

// Redis 推送到 Redis 列表（右侧入队），并裁剪到 maxLen
type Redis struct {
	rdb    redis.Cmdable
	key    string
	maxLen int64
}

func NewRedis(rdb redis.Cmdable, key string, maxLen int64) *Redis {
	return &Redis{rdb: rdb, key: key, maxLen: maxLen}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, r.key, data)
	if r.maxLen > 0 {
		pipe.LTrim(ctx, r.key, -r.maxLen, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis rpush: %w", err)
	}
	return nil
}

// Multi 扇出到多个接收方，单个失败不影响其他
type Multi struct {
	sinks   []Sink
	metrics *metrics.AppMetrics
}

func NewMulti(m *metrics.AppMetrics, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, metrics: m}
}

func (m *Multi) Name() string { return "multi" }

// Add 追加接收方，须在发布前调用
func (m *Multi) Add(s Sink) { m.sinks = append(m.sinks, s) }

// Names 已配置的接收方
func (m *Multi) Names() []string {
	out := make([]string, 0, len(m.sinks))
	for _, s := range m.sinks {
		out = append(out, s.Name())
	}
	return out
}

func (m *Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m.sinks {
		err := s.Publish(ctx, e)
		result := "ok"
		if err != nil {
			result = "error"
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
		if m.metrics != nil {
			m.metrics.EventsPublished.WithLabelValues(s.Name(), result).Inc()
		}
	}
	return errors.Join(errs...)
}

// Async 异步发布：入队不阻塞调用方（主控接收循环），队列满时丢弃并计数
type Async struct {
	next    Sink
	queue   chan Event
	timeout time.Duration
	logger  *zap.Logger
	dropped atomic.Uint64
	done    chan struct{}
}

// NewAsync 创建异步发布器，需调用 Start
func NewAsync(next Sink, size int, logger *zap.Logger) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = 256
	}
	return &Async{
		next:    next,
		queue:   make(chan Event, size),
		timeout: 2 * time.Second,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (a *Async) Name() string { return "async:" + a.next.Name() }

func (a *Async) Publish(_ context.Context, e Event) error {
	select {
	case a.queue <- e:
		return nil
	default:
		a.dropped.Add(1)
		return errors.New("event queue full")
	}
}

// Dropped 因队列满丢弃的事件数
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Start 消费队列直到 ctx 取消，取消后尽量发送剩余事件
func (a *Async) Start(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-a.queue:
					a.publish(e)
				default:
					return
				}
			}
		case e := <-a.queue:
			a.publish(e)
		}
	}
}

// Wait 等待 Start 返回
func (a *Async) Wait() { <-a.done }

func (a *Async) publish(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	if err := a.next.Publish(ctx, e); err != nil {
		a.logger.Warn("publish event failed",
			zap.String("event_id", e.EventID),
			zap.String("event_type", string(e.Type)),
			zap.Error(err))
	}
}
