package transport

import (
	"sync"
	"time"
)

// BreakerState 接收路径熔断状态
type BreakerState int

const (
	BreakerClosed BreakerState = iota // 正常轮询
	BreakerOpen                       // 连续硬件错误，停止轮询
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker 连续错误熔断器。连续失败次数超过阈值后打开，
// 打开后只能通过 Reset 显式恢复（总线故障恢复不自动进行）。
type Breaker struct {
	mu            sync.RWMutex
	state         BreakerState
	streak        int
	lastFailTime  time.Time
	lastStateTime time.Time
	tripCount     int64

	threshold int

	onStateChange func(from, to BreakerState)
}

// NewBreaker 创建熔断器；threshold 为允许的连续错误数，第 threshold+1 次错误触发
func NewBreaker(threshold int) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Breaker{
		state:         BreakerClosed,
		threshold:     threshold,
		lastStateTime: time.Now(),
	}
}

// Allow 是否允许访问硬件
func (b *Breaker) Allow() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == BreakerClosed
}

// Failure 记录一次硬件错误，返回是否因此触发熔断
func (b *Breaker) Failure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.streak++
	b.lastFailTime = time.Now()
	if b.state == BreakerClosed && b.streak > b.threshold {
		b.transitionTo(BreakerOpen)
		b.tripCount++
		return true
	}
	return false
}

// Success 成功收到帧，清零连续错误计数
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streak = 0
}

// Reset 显式恢复
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(BreakerClosed)
	b.streak = 0
}

// State 当前状态
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetStateChangeCallback 设置状态变化回调（同步调用，回调内不得再访问熔断器）
func (b *Breaker) SetStateChangeCallback(fn func(from, to BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

func (b *Breaker) transitionTo(newState BreakerState) {
	if b.state == newState {
		return
	}
	old := b.state
	b.state = newState
	b.lastStateTime = time.Now()
	if b.onStateChange != nil {
		b.onStateChange(old, newState)
	}
}

// Stats 统计信息
func (b *Breaker) Stats() BreakerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BreakerStats{
		State:           b.state.String(),
		Streak:          b.streak,
		Threshold:       b.threshold,
		TripCount:       b.tripCount,
		LastStateChange: b.lastStateTime,
		LastFailure:     b.lastFailTime,
	}
}

// BreakerStats 熔断器统计信息
type BreakerStats struct {
	State           string    `json:"state"`
	Streak          int       `json:"streak"`
	Threshold       int       `json:"threshold"`
	TripCount       int64     `json:"trip_count"`
	LastStateChange time.Time `json:"last_state_change"`
	LastFailure     time.Time `json:"last_failure"`
}
