package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/can"
)

// PhysicalOptions 物理传输参数
type PhysicalOptions struct {
	TxTimeout      time.Duration
	TxQueue        int
	ErrorThreshold int
}

// Physical 驱动真实介质的传输。发送经有界队列由单个写协程按序写出，
// 接收路径受连续错误熔断器保护。
type Physical struct {
	driver  Driver
	logger  *zap.Logger
	breaker *Breaker
	opts    PhysicalOptions
	c       counters

	txq       chan can.Frame
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewPhysical 包装驱动并启动写协程
func NewPhysical(driver Driver, opts PhysicalOptions, logger *zap.Logger) *Physical {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = 100 * time.Millisecond
	}
	if opts.TxQueue <= 0 {
		opts.TxQueue = 32
	}

	p := &Physical{
		driver:  driver,
		logger:  logger.With(zap.String("driver", driver.Name())),
		breaker: NewBreaker(opts.ErrorThreshold),
		opts:    opts,
		txq:     make(chan can.Frame, opts.TxQueue),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.breaker.SetStateChangeCallback(func(from, to BreakerState) {
		if to == BreakerOpen {
			p.logger.Warn("receive path degraded, polling stopped until recover",
				zap.String("from", from.String()))
		} else {
			p.logger.Info("receive path restored", zap.String("from", from.String()))
		}
	})
	go p.writeLoop()
	return p
}

func (p *Physical) Mode() Mode { return ModePhysical }

// Send 将帧放入发送队列；队列在 TxTimeout 内仍满则返回 ErrTimeout
func (p *Physical) Send(ctx context.Context, f can.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	select {
	case <-p.stop:
		return ErrClosed
	default:
	}

	select {
	case p.txq <- f:
		return nil
	default:
	}

	t := time.NewTimer(p.opts.TxTimeout)
	defer t.Stop()
	select {
	case p.txq <- f:
		return nil
	case <-t.C:
		p.c.txTimeout.Add(1)
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stop:
		return ErrClosed
	}
}

func (p *Physical) writeLoop() {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case f := <-p.txq:
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.TxTimeout)
			err := p.driver.WriteFrame(ctx, f)
			cancel()
			if err != nil {
				if errors.Is(err, ErrTimeout) {
					p.c.txTimeout.Add(1)
				} else {
					p.c.txErr.Add(1)
				}
				p.logger.Debug("frame write failed", zap.Stringer("frame", f), zap.Error(err))
				continue
			}
			p.c.tx.Add(1)
		}
	}
}

// Receive 接收一帧。熔断打开后不再访问硬件，等待 timeout 后返回 ErrDegraded，
// 以免调用方在断开的介质上空转。
func (p *Physical) Receive(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	select {
	case <-p.stop:
		return can.Frame{}, ErrClosed
	default:
	}

	if !p.breaker.Allow() {
		if err := sleepCtx(ctx, timeout); err != nil {
			return can.Frame{}, err
		}
		return can.Frame{}, ErrDegraded
	}

	f, err := p.driver.ReadFrame(ctx, timeout)
	switch {
	case err == nil:
		p.c.rx.Add(1)
		p.breaker.Success()
		return f, nil
	case errors.Is(err, ErrTimeout):
		return can.Frame{}, ErrTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return can.Frame{}, err
	default:
		p.c.rxErr.Add(1)
		p.breaker.Failure()
		return can.Frame{}, fmt.Errorf("receive: %w", err)
	}
}

// Recover 复位驱动并关闭熔断器
func (p *Physical) Recover() error {
	p.c.recoveries.Add(1)
	err := p.driver.Reset()
	p.breaker.Reset()
	if err != nil {
		p.logger.Warn("bus recovery failed", zap.Error(err))
		return fmt.Errorf("recover: %w", err)
	}
	p.logger.Info("bus recovered")
	return nil
}

func (p *Physical) Stats() Stats {
	s := Stats{Mode: ModePhysical.String(), Driver: p.driver.Name(), Breaker: p.breaker.Stats()}
	p.c.fill(&s)
	return s
}

func (p *Physical) ResetStats() { p.c.reset() }

// Close 停止写协程并关闭驱动
func (p *Physical) Close() error {
	p.closeOnce.Do(func() {
		close(p.stop)
		<-p.done
		p.closeErr = p.driver.Close()
	})
	return p.closeErr
}
