package discovery

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taoyao-code/can-audio/internal/can"
	"github.com/taoyao-code/can-audio/internal/protocol/audio"
)

// ErrNoModule 注册表中没有可用模块
var ErrNoModule = errors.New("discovery: no module")

// Key 模块地址：类型 + 节点号
type Key struct {
	Type   audio.ModuleType `json:"type"`
	NodeID uint8            `json:"node_id"`
}

func (k Key) String() string { return fmt.Sprintf("%s/%d", k.Type, k.NodeID) }

// Module 模块描述。首次应答时创建，后续应答刷新，不主动删除。
type Module struct {
	Key          Key                `json:"key"`
	VersionMajor uint8              `json:"version_major"`
	VersionMinor uint8              `json:"version_minor"`
	Caps         audio.Caps         `json:"caps"`
	Block        can.Block          `json:"block"`
	FirstSeen    time.Time          `json:"first_seen"`
	LastSeen     time.Time          `json:"last_seen"`
	LastAnnounce time.Time          `json:"last_announce"`
	Announces    int                `json:"announces"`
	Status       *audio.SoundStatus `json:"status,omitempty"`
	StatusAt     time.Time          `json:"status_at,omitempty"`
}

// Version 形如 1.0
func (m Module) Version() string { return fmt.Sprintf("%d.%d", m.VersionMajor, m.VersionMinor) }

// Stale 超过 maxAge 未见视为失活；maxAge<=0 永不失活
func (m Module) Stale(now time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && now.Sub(m.LastSeen) > maxAge
}

// Registry 已发现模块表：记录最近可见时间，判断是否在线
type Registry struct {
	mu      sync.RWMutex
	modules map[Key]*Module
	timeout time.Duration
}

// NewRegistry 创建注册表，timeout 为在线判定窗口
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Registry{modules: make(map[Key]*Module), timeout: timeout}
}

// Timeout 在线判定窗口
func (r *Registry) Timeout() time.Duration { return r.timeout }

// Observe 记录一次 MODULE_ANNOUNCE，按地址去重；返回是否新建
func (r *Registry) Observe(a audio.Announce, t time.Time) (Module, bool) {
	key := Key{Type: a.Type, NodeID: a.NodeID}

	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[key]
	if !ok {
		m = &Module{Key: key, FirstSeen: t}
		r.modules[key] = m
	}
	m.VersionMajor = a.VersionMajor
	m.VersionMinor = a.VersionMinor
	m.Caps = a.Caps
	m.Block = a.Block
	m.LastSeen = t
	m.LastAnnounce = t
	m.Announces++
	return m.clone(), !ok
}

// Touch 来自某地址块的任意帧都刷新最近可见时间
func (r *Registry) Touch(block can.Block, t time.Time) {
	r.mu.Lock()
	for _, m := range r.modules {
		if m.Block == block && t.After(m.LastSeen) {
			m.LastSeen = t
		}
	}
	r.mu.Unlock()
}

// UpdateStatus 记录最近一次 SOUND_STATUS；未知地址块返回 false
func (r *Registry) UpdateStatus(block can.Block, s audio.SoundStatus, t time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	found := false
	for _, m := range r.modules {
		if m.Block != block {
			continue
		}
		st := s
		m.Status = &st
		m.StatusAt = t
		if t.After(m.LastSeen) {
			m.LastSeen = t
		}
		found = true
	}
	return found
}

// Known 地址块是否属于已发现模块
func (r *Registry) Known(block can.Block) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.modules {
		if m.Block == block {
			return true
		}
	}
	return false
}

// Get 按地址查询
func (r *Registry) Get(key Key) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[key]
	if !ok {
		return Module{}, false
	}
	return m.clone(), true
}

// Find 返回指定类型中最近可见的模块
func (r *Registry) Find(t audio.ModuleType) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Module
	for _, m := range r.modules {
		if m.Key.Type != t {
			continue
		}
		if best == nil || m.LastSeen.After(best.LastSeen) {
			best = m
		}
	}
	if best == nil {
		return Module{}, fmt.Errorf("%w: type %s", ErrNoModule, t)
	}
	return best.clone(), nil
}

// List 按地址排序
func (r *Registry) List() []Module {
	r.mu.RLock()
	out := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Type != out[j].Key.Type {
			return out[i].Key.Type < out[j].Key.Type
		}
		return out[i].Key.NodeID < out[j].Key.NodeID
	})
	return out
}

// IsOnline 判断模块是否在线
func (r *Registry) IsOnline(key Key, now time.Time) bool {
	m, ok := r.Get(key)
	return ok && !m.Stale(now, r.timeout)
}

// OnlineCount 当前在线模块数
func (r *Registry) OnlineCount(now time.Time) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.modules {
		if !m.Stale(now, r.timeout) {
			n++
		}
	}
	return n
}

// Len 注册表大小（含失活条目）
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

func (m *Module) clone() Module {
	c := *m
	if m.Status != nil {
		st := *m.Status
		c.Status = &st
	}
	return c
}
