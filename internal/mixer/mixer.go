// Package mixer 外设侧混音器：固定容量的通道表、准入、驱逐、渲染与完成通知。
package mixer

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/metrics"
	"github.com/taoyao-code/can-audio/internal/protocol/audio"
	"github.com/taoyao-code/can-audio/internal/soundsource"
)

// MaxCapacity 占用位图为 uint64
const MaxCapacity = 64

// ErrVolumeRange 音量超出 0..100
var ErrVolumeRange = errors.New("mixer: volume out of range")

// Options 混音器参数
type Options struct {
	Capacity     int
	MasterVolume uint8
	Muted        bool
	Metrics      *metrics.AppMetrics
	Now          func() time.Time
}

type channel struct {
	qid      uint8
	index    uint16
	name     string
	stream   soundsource.Stream
	volume   uint8
	loop     bool
	priority bool
	seq      uint64
	started  time.Time
}

// Mixer 通道表。接收路径与渲染路径共用一把锁，
// 每次准入、驱逐、完成都在同一个临界区内完成。
type Mixer struct {
	mu      sync.Mutex
	source  soundsource.Source
	logger  *zap.Logger
	metrics *metrics.AppMetrics
	now     func() time.Time

	slots   []channel
	used    uint64
	lastQID uint8
	seq     uint64

	pending []audio.SoundFinished

	master  uint8
	muted   bool
	lastErr audio.Status

	scratch    []int16
	acc        []int32
	rendered   uint64
	lastRender time.Time
}

// New 创建混音器
func New(source soundsource.Source, opts Options, logger *zap.Logger) *Mixer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 4
	}
	if opts.Capacity > MaxCapacity {
		opts.Capacity = MaxCapacity
	}
	if opts.MasterVolume > 100 {
		opts.MasterVolume = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Mixer{
		source:  source,
		logger:  logger.With(zap.String("component", "mixer")),
		metrics: opts.Metrics,
		now:     opts.Now,
		slots:   make([]channel, opts.Capacity),
		master:  opts.MasterVolume,
		muted:   opts.Muted,
	}
}

// Capacity 通道总数
func (m *Mixer) Capacity() int { return len(m.slots) }

func (m *Mixer) full() bool { return bits.OnesCount64(m.used) == len(m.slots) }

func (m *Mixer) live(i int) bool { return m.used&(1<<uint(i)) != 0 }

func (m *Mixer) freeSlot() int {
	for i := range m.slots {
		if !m.live(i) {
			return i
		}
	}
	return -1
}

func (m *Mixer) findQID(qid uint8) int {
	for i := range m.slots {
		if m.live(i) && m.slots[i].qid == qid {
			return i
		}
	}
	return -1
}

// nextQueueID 在 1..255 内回绕，跳过仍在使用的编号
func (m *Mixer) nextQueueID() uint8 {
	q := m.lastQID
	for {
		q++
		if q == audio.QueueIDNone {
			q = 1
		}
		if m.findQID(q) < 0 {
			m.lastQID = q
			return q
		}
	}
}

// victim 驱逐对象：先非优先级，再最早准入
func (m *Mixer) victim() int {
	best := -1
	for i := range m.slots {
		if !m.live(i) {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		c, b := &m.slots[i], &m.slots[best]
		if c.priority != b.priority {
			if !c.priority {
				best = i
			}
			continue
		}
		if c.seq < b.seq {
			best = i
		}
	}
	return best
}

// newest 最近准入的通道
func (m *Mixer) newest() int {
	best := -1
	for i := range m.slots {
		if m.live(i) && (best < 0 || m.slots[i].seq > m.slots[best].seq) {
			best = i
		}
	}
	return best
}

// release 释放通道并返回对应的完成通知；调用方持锁
func (m *Mixer) release(i int, reason audio.Reason) audio.SoundFinished {
	c := m.slots[i]
	if c.stream != nil {
		if err := c.stream.Close(); err != nil {
			m.logger.Debug("close stream", zap.Uint8("queue_id", c.qid), zap.Error(err))
		}
	}
	m.slots[i] = channel{}
	m.used &^= 1 << uint(i)
	if m.metrics != nil {
		m.metrics.MixerCompletions.WithLabelValues(reason.String()).Inc()
		m.metrics.MixerActive.Set(float64(bits.OnesCount64(m.used)))
	}
	m.logger.Debug("channel released",
		zap.Uint8("queue_id", c.qid),
		zap.Uint16("sound_index", c.index),
		zap.String("reason", reason.String()))
	return audio.SoundFinished{QueueID: c.qid, Index: c.index, Reason: reason}
}

// Play 处理一次播放请求。返回的 evicted 非空时，调用方须先发送其 SOUND_FINISHED 再发送 ack。
// 音源解析在混音器锁内完成。
func (m *Mixer) Play(req audio.PlaySound) (ack audio.SoundAck, evicted *audio.SoundFinished) {
	ack = audio.SoundAck{Index: req.Index, Token: req.Token, QueueID: audio.QueueIDNone}

	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() {
		if ack.Status != audio.StatusSuccess {
			m.lastErr = ack.Status
		}
		if m.metrics != nil {
			m.metrics.MixerAdmissions.WithLabelValues(ack.Status.String()).Inc()
		}
	}()

	if m.full() && !req.Flags.Interrupt() {
		ack.Status = audio.StatusMixerFull
		return ack, nil
	}

	res, err := m.source.Resolve(req.Index)
	if err != nil {
		ack.Status = statusFor(err)
		m.logger.Info("sound rejected",
			zap.Uint16("sound_index", req.Index),
			zap.String("status", ack.Status.String()),
			zap.Error(err))
		return ack, nil
	}

	slot := m.freeSlot()
	if slot < 0 {
		slot = m.victim()
		fin := m.release(slot, audio.ReasonStoppedByUser)
		evicted = &fin
		if m.metrics != nil {
			m.metrics.MixerEvictions.Inc()
		}
		m.logger.Info("channel evicted",
			zap.Uint8("queue_id", fin.QueueID),
			zap.Uint16("sound_index", fin.Index),
			zap.Uint16("by_index", req.Index))
	}

	vol := res.DefaultVolume
	if req.Volume != audio.VolumeUseLocal {
		vol = min(req.Volume, 100)
	}
	m.seq++
	qid := m.nextQueueID()
	m.slots[slot] = channel{
		qid:      qid,
		index:    req.Index,
		name:     res.Name,
		stream:   res.Stream,
		volume:   vol,
		loop:     req.Flags.Loop(),
		priority: req.Flags.Priority(),
		seq:      m.seq,
		started:  m.now(),
	}
	m.used |= 1 << uint(slot)
	if m.metrics != nil {
		m.metrics.MixerActive.Set(float64(bits.OnesCount64(m.used)))
	}

	ack.Status = audio.StatusSuccess
	ack.QueueID = qid
	m.logger.Info("sound admitted",
		zap.Uint16("sound_index", req.Index),
		zap.Uint8("queue_id", qid),
		zap.String("name", res.Name),
		zap.Uint8("volume", vol),
		zap.Bool("loop", req.Flags.Loop()))
	return ack, evicted
}

func statusFor(err error) audio.Status {
	switch {
	case errors.Is(err, soundsource.ErrNotFound):
		return audio.StatusFileNotFound
	case errors.Is(err, soundsource.ErrSource):
		return audio.StatusSourceError
	default:
		return audio.StatusUnknownError
	}
}

// Stop 停止指定通道；QueueID 为 0 时停止最近准入的通道，无通道时视为成功。
// STOP_ACK 回显请求中的编号。
func (m *Mixer) Stop(req audio.StopSound) (audio.StopAck, *audio.SoundFinished) {
	ack := audio.StopAck{QueueID: req.QueueID, Token: req.Token, Status: audio.StatusSuccess}

	m.mu.Lock()
	defer m.mu.Unlock()

	var slot int
	if req.QueueID == audio.QueueIDNone {
		slot = m.newest()
		if slot < 0 {
			return ack, nil
		}
	} else {
		slot = m.findQID(req.QueueID)
		if slot < 0 {
			ack.Status = audio.StatusUnknownError
			return ack, nil
		}
	}
	fin := m.release(slot, audio.ReasonStoppedByUser)
	return ack, &fin
}

// StopAll 释放全部通道，按准入顺序返回完成通知
func (m *Mixer) StopAll() []audio.SoundFinished {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.liveByAge()
	out := make([]audio.SoundFinished, 0, len(live))
	for _, i := range live {
		out = append(out, m.release(i, audio.ReasonStoppedByUser))
	}
	return out
}

// liveByAge 活动槽位，按准入顺序
func (m *Mixer) liveByAge() []int {
	live := make([]int, 0, len(m.slots))
	for i := range m.slots {
		if m.live(i) {
			live = append(live, i)
		}
	}
	sort.Slice(live, func(a, b int) bool { return m.slots[live[a]].seq < m.slots[live[b]].seq })
	return live
}

// DrainFinished 取走渲染路径产生的完成通知
func (m *Mixer) DrainFinished() []audio.SoundFinished {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	out := m.pending
	m.pending = nil
	return out
}

// Render 混合全部活动通道，写入交错格式的 out（channels 个声道）。
// 流结束或读取失败的通道在本次调用内释放，完成通知进入待发送队列。
func (m *Mixer) Render(out []int16, channels int) {
	if channels <= 0 {
		channels = 1
	}
	frames := len(out) / channels

	m.mu.Lock()
	defer m.mu.Unlock()

	if cap(m.acc) < frames {
		m.acc = make([]int32, frames)
		m.scratch = make([]int16, frames)
	}
	acc := m.acc[:frames]
	clear(acc)

	for i := range m.slots {
		if !m.live(i) {
			continue
		}
		c := &m.slots[i]
		n, err := m.fill(c, m.scratch[:frames])
		gain := int32(c.volume) * int32(m.master)
		for k := 0; k < n; k++ {
			acc[k] += int32(m.scratch[k]) * gain / 10000
		}
		if err != nil {
			reason := audio.ReasonCompleted
			if !errors.Is(err, io.EOF) {
				reason = audio.ReasonPlaybackError
				m.lastErr = audio.StatusSourceError
				m.logger.Warn("playback error",
					zap.Uint8("queue_id", c.qid),
					zap.Uint16("sound_index", c.index),
					zap.Error(err))
			}
			m.pending = append(m.pending, m.release(i, reason))
		}
	}

	for k := 0; k < frames; k++ {
		var s int16
		if !m.muted {
			s = clamp16(acc[k])
		}
		for ch := 0; ch < channels; ch++ {
			out[k*channels+ch] = s
		}
	}
	m.rendered += uint64(frames)
	m.lastRender = m.now()
}

// LastRender 最近一次渲染时间，零值表示从未渲染
func (m *Mixer) LastRender() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRender
}

// fill 读满 dst；循环通道在流尾回到开头，回到开头后仍读不到数据则放弃本周期
func (m *Mixer) fill(c *channel, dst []int16) (int, error) {
	total := 0
	rewound := false
	for total < len(dst) {
		n, err := c.stream.Read(dst[total:])
		total += n
		if n > 0 {
			rewound = false
		}
		if err == nil {
			if n == 0 {
				break
			}
			continue
		}
		if !errors.Is(err, io.EOF) {
			return total, err
		}
		if !c.loop {
			return total, io.EOF
		}
		if rewound {
			break
		}
		if rerr := c.stream.Rewind(); rerr != nil {
			return total, fmt.Errorf("rewind: %w", rerr)
		}
		rewound = true
	}
	clear(dst[total:])
	return total, nil
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// SetVolume 设置主音量（0..100）
func (m *Mixer) SetVolume(v uint8) error {
	if v > 100 {
		return fmt.Errorf("%w: %d", ErrVolumeRange, v)
	}
	m.mu.Lock()
	m.master = v
	m.mu.Unlock()
	m.logger.Info("master volume changed", zap.Uint8("volume", v))
	return nil
}

// SetMuted 静音开关；静音时流仍然推进
func (m *Mixer) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	m.mu.Unlock()
}

// ChannelInfo 通道快照
type ChannelInfo struct {
	Slot     int       `json:"slot"`
	QueueID  uint8     `json:"queue_id"`
	Index    uint16    `json:"sound_index"`
	Name     string    `json:"name"`
	Volume   uint8     `json:"volume"`
	Loop     bool      `json:"loop"`
	Priority bool      `json:"priority"`
	Started  time.Time `json:"started"`
}

// Snapshot 混音器状态快照
type Snapshot struct {
	Capacity     int           `json:"capacity"`
	Active       int           `json:"active"`
	MasterVolume uint8         `json:"master_volume"`
	Muted        bool          `json:"muted"`
	Current      uint16        `json:"current"`
	LastError    audio.Status  `json:"last_error"`
	Rendered     uint64        `json:"rendered_frames"`
	Channels     []ChannelInfo `json:"channels"`
}

// Snapshot 按准入顺序返回当前通道
func (m *Mixer) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		Capacity:     len(m.slots),
		MasterVolume: m.master,
		Muted:        m.muted,
		Current:      audio.NoSound,
		LastError:    m.lastErr,
		Rendered:     m.rendered,
	}
	for _, i := range m.liveByAge() {
		c := m.slots[i]
		s.Channels = append(s.Channels, ChannelInfo{
			Slot: i, QueueID: c.qid, Index: c.index, Name: c.name,
			Volume: c.volume, Loop: c.loop, Priority: c.priority, Started: c.started,
		})
	}
	s.Active = len(s.Channels)
	if s.Active > 0 {
		s.Current = s.Channels[s.Active-1].Index
	}
	return s
}
