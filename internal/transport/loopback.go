package transport

import (
	"context"
	"sync"
	"time"

	"github.com/taoyao-code/can-audio/internal/can"
)

// Bus 进程内共享介质：任一端口写出的帧投递给其他所有端口（CAN 广播语义，
// 发送方自身不回收）。用于测试和单机演示。
type Bus struct {
	mu    sync.Mutex
	ports []*Port
}

// NewBus 创建内存总线
func NewBus() *Bus { return &Bus{} }

// Attach 挂接一个端口（实现 Driver）
func (b *Bus) Attach(name string) *Port {
	p := &Port{bus: b, name: name, notify: make(chan struct{}, 1)}
	b.mu.Lock()
	b.ports = append(b.ports, p)
	b.mu.Unlock()
	return p
}

func (b *Bus) detach(p *Port) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, q := range b.ports {
		if q == p {
			b.ports = append(b.ports[:i], b.ports[i+1:]...)
			return
		}
	}
}

func (b *Bus) deliver(from *Port, f can.Frame) {
	b.mu.Lock()
	targets := make([]*Port, 0, len(b.ports))
	for _, p := range b.ports {
		if p != from {
			targets = append(targets, p)
		}
	}
	b.mu.Unlock()
	for _, p := range targets {
		p.push(f)
	}
}

const portCapacity = 256

// Port 内存总线端口
type Port struct {
	bus    *Bus
	name   string
	notify chan struct{}

	mu      sync.Mutex
	rx      frameRing
	faults  []error
	closed  bool
	dropped uint64
}

func (p *Port) Name() string { return "loopback:" + p.name }

func (p *Port) WriteFrame(_ context.Context, f can.Frame) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}
	p.bus.deliver(p, f)
	return nil
}

func (p *Port) ReadFrame(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return can.Frame{}, ErrClosed
		}
		if len(p.faults) > 0 {
			err := p.faults[0]
			p.faults = p.faults[1:]
			p.mu.Unlock()
			return can.Frame{}, err
		}
		if f, ok := p.rx.pop(); ok {
			p.mu.Unlock()
			return f, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-t.C:
			return can.Frame{}, ErrTimeout
		case <-ctx.Done():
			return can.Frame{}, ctx.Err()
		}
	}
}

// InjectFault 下一次读取返回 err，模拟硬件错误
func (p *Port) InjectFault(err error) {
	p.mu.Lock()
	p.faults = append(p.faults, err)
	p.mu.Unlock()
	p.wake()
}

// Inject 直接投递一帧到本端口，不经过总线
func (p *Port) Inject(f can.Frame) { p.push(f) }

// Dropped 因接收缓冲满被覆盖的帧数
func (p *Port) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Port) Reset() error {
	p.mu.Lock()
	p.faults = nil
	p.mu.Unlock()
	return nil
}

func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.bus.detach(p)
	p.wake()
	return nil
}

func (p *Port) push(f can.Frame) {
	p.mu.Lock()
	if p.rx.push(f) {
		p.dropped++
	}
	p.mu.Unlock()
	p.wake()
}

func (p *Port) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// frameRing 定长环形缓冲，满时覆盖最旧帧
type frameRing struct {
	data       [portCapacity]can.Frame
	head, tail int
	count      int
}

// push 返回是否覆盖了旧帧
func (r *frameRing) push(f can.Frame) bool {
	overwrote := false
	if r.count == portCapacity {
		r.head = (r.head + 1) % portCapacity
		r.count--
		overwrote = true
	}
	r.data[r.tail] = f
	r.tail = (r.tail + 1) % portCapacity
	r.count++
	return overwrote
}

func (r *frameRing) pop() (can.Frame, bool) {
	if r.count == 0 {
		return can.Frame{}, false
	}
	f := r.data[r.head]
	r.head = (r.head + 1) % portCapacity
	r.count--
	return f, true
}

// Endpoint 挂接端口并包装为物理传输，供测试与演示使用
func (b *Bus) Endpoint(name string, opts PhysicalOptions) (*Physical, *Port) {
	port := b.Attach(name)
	return NewPhysical(port, opts, nil), port
}
