package dispatcher

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taoyao-code/can-audio/internal/can"
	"github.com/taoyao-code/can-audio/internal/protocol/audio"
)

var (
	ErrNoResponse      = errors.New("dispatcher: no response")
	ErrRequestNotFound = errors.New("dispatcher: request not found")
	ErrTokenInUse      = errors.New("dispatcher: token in use")
)

// State 单个请求在主控侧的状态
type State int

const (
	StateSent State = iota
	StateAckPending
	StateAcknowledged
	StateRejected
	StateCompleted
	StateNoResponse
)

func (s State) String() string {
	switch s {
	case StateSent:
		return "sent"
	case StateAckPending:
		return "ack_pending"
	case StateAcknowledged:
		return "acknowledged"
	case StateRejected:
		return "rejected"
	case StateCompleted:
		return "completed"
	case StateNoResponse:
		return "no_response"
	default:
		return "unknown"
	}
}

// Terminal 不再变化的状态
func (s State) Terminal() bool {
	return s == StateRejected || s == StateCompleted || s == StateNoResponse
}

// Kind 请求类别
type Kind string

const (
	KindPlay Kind = "play"
	KindStop Kind = "stop"
)

// Request 请求快照
type Request struct {
	Token   uint16       `json:"token"`
	Kind    Kind         `json:"kind"`
	Block   can.Block    `json:"block"`
	Index   uint16       `json:"sound_index,omitempty"`
	Flags   audio.Flags  `json:"flags,omitempty"`
	Volume  uint8        `json:"volume,omitempty"`
	QueueID uint8        `json:"queue_id"`
	State   State        `json:"state"`
	Status  audio.Status `json:"status"`
	Reason  audio.Reason `json:"reason"`
	SentAt  time.Time    `json:"sent_at"`
	AckAt   time.Time    `json:"ack_at,omitempty"`
	DoneAt  time.Time    `json:"done_at,omitempty"`
}

// AckLatency 发送到应答的耗时；未应答为 0
func (r Request) AckLatency() time.Duration {
	if r.AckAt.IsZero() {
		return 0
	}
	return r.AckAt.Sub(r.SentAt)
}

func (r *Request) expired(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 || !r.State.Terminal() {
		return false
	}
	return now.Sub(r.DoneAt) > ttl
}

type entry struct {
	req   Request
	acked chan struct{}
}

// Observer 操作结果观察者（指标）
type Observer interface {
	Record(operation, status string)
}

type ObserverFunc func(operation, status string)

func (f ObserverFunc) Record(operation, status string) {
	if f != nil {
		f(operation, status)
	}
}

func NopObserver() Observer {
	return ObserverFunc(func(string, string) {})
}

type qidKey struct {
	block can.Block
	qid   uint8
}

// Tracker 请求关联表：按令牌索引，已应答的播放请求另按 (地址块, 队列号) 索引
type Tracker struct {
	mu        sync.Mutex
	byToken   map[uint16]*entry
	byQueue   map[qidKey]uint16
	lastToken uint16

	ttl       time.Duration
	ackedTTL  time.Duration
	observer  Observer
	now       func() time.Time
	lastSweep time.Time
}

type Option func(*Tracker)

const (
	defaultTTL      = 10 * time.Minute
	defaultAckedTTL = time.Hour
)

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		byToken:  make(map[uint16]*entry),
		byQueue:  make(map[qidKey]uint16),
		ttl:      defaultTTL,
		ackedTTL: defaultAckedTTL,
		observer: NopObserver(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WithTTL 终态请求保留时长
func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithAckedTTL 已应答但迟迟未收到完成通知的播放请求保留时长（循环播放、模块离线）
func WithAckedTTL(ttl time.Duration) Option {
	return func(t *Tracker) {
		if ttl > 0 {
			t.ackedTTL = ttl
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(t *Tracker) {
		if observer != nil {
			t.observer = observer
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Track 登记新请求。token 为 0 时自动分配（1..65535 回绕，跳过在用令牌）。
func (t *Tracker) Track(r Request) (Request, <-chan struct{}, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.maybeSweep(now)

	if r.Token == 0 {
		r.Token = t.nextToken()
	} else if _, ok := t.byToken[r.Token]; ok {
		t.observer.Record("track", "token_in_use")
		return Request{}, nil, fmt.Errorf("%w: %d", ErrTokenInUse, r.Token)
	}
	r.State = StateSent
	r.SentAt = now
	e := &entry{req: r, acked: make(chan struct{})}
	t.byToken[r.Token] = e
	t.observer.Record("track", string(r.Kind))
	return r, e.acked, nil
}

func (t *Tracker) nextToken() uint16 {
	tok := t.lastToken
	for {
		tok++
		if tok == 0 {
			tok = 1
		}
		if _, ok := t.byToken[tok]; !ok {
			t.lastToken = tok
			return tok
		}
	}
}

// MarkSent 帧已交给传输层
func (t *Tracker) MarkSent(token uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.byToken[token]; ok && e.req.State == StateSent {
		e.req.State = StateAckPending
	}
}

// pending 等待应答的同类请求，按发送时间排序
func (t *Tracker) pending(kind Kind, block can.Block, match func(Request) bool) *entry {
	var cands []*entry
	for _, e := range t.byToken {
		if e.req.Kind != kind || e.req.Block != block {
			continue
		}
		if e.req.State != StateAckPending && e.req.State != StateSent {
			continue
		}
		if match(e.req) {
			cands = append(cands, e)
		}
	}
	if len(cands) == 0 {
		return nil
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].req.SentAt.Equal(cands[j].req.SentAt) {
			return cands[i].req.Token < cands[j].req.Token
		}
		return cands[i].req.SentAt.Before(cands[j].req.SentAt)
	})
	return cands[0]
}

// lookupPending 令牌优先；令牌缺失或不匹配时回退到 match 的最早请求
func (t *Tracker) lookupPending(kind Kind, block can.Block, token uint16, match func(Request) bool) *entry {
	if token != 0 {
		if e, ok := t.byToken[token]; ok && e.req.Kind == kind && e.req.Block == block &&
			(e.req.State == StateAckPending || e.req.State == StateSent) {
			return e
		}
	}
	return t.pending(kind, block, match)
}

// ResolveSoundAck 关联 SOUND_ACK
func (t *Tracker) ResolveSoundAck(block can.Block, ack audio.SoundAck) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.lookupPending(KindPlay, block, ack.Token, func(r Request) bool { return r.Index == ack.Index })
	if e == nil {
		t.observer.Record("sound_ack", "unmatched")
		return Request{}, false
	}
	now := t.now()
	e.req.AckAt = now
	e.req.Status = ack.Status
	if ack.Status == audio.StatusSuccess && ack.QueueID != audio.QueueIDNone {
		e.req.State = StateAcknowledged
		e.req.QueueID = ack.QueueID
		key := qidKey{block, ack.QueueID}
		// 队列号被外设复用：旧请求视为已结束
		if old, ok := t.byQueue[key]; ok && old != e.req.Token {
			if oe, ok := t.byToken[old]; ok && !oe.req.State.Terminal() {
				oe.req.State = StateCompleted
				oe.req.DoneAt = now
			}
		}
		t.byQueue[key] = e.req.Token
	} else {
		e.req.State = StateRejected
		if e.req.Status == audio.StatusSuccess {
			e.req.Status = audio.StatusUnknownError
		}
		e.req.DoneAt = now
	}
	close(e.acked)
	t.observer.Record("sound_ack", e.req.State.String())
	return e.req, true
}

// ResolveStopAck 关联 STOP_ACK
func (t *Tracker) ResolveStopAck(block can.Block, ack audio.StopAck) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.lookupPending(KindStop, block, ack.Token, func(r Request) bool { return r.QueueID == ack.QueueID })
	if e == nil {
		t.observer.Record("stop_ack", "unmatched")
		return Request{}, false
	}
	now := t.now()
	e.req.AckAt = now
	e.req.DoneAt = now
	e.req.Status = ack.Status
	if ack.Status == audio.StatusSuccess {
		e.req.State = StateCompleted
	} else {
		e.req.State = StateRejected
	}
	close(e.acked)
	t.observer.Record("stop_ack", e.req.State.String())
	return e.req, true
}

// Complete 关联 SOUND_FINISHED，按队列号匹配已应答的播放请求
func (t *Tracker) Complete(block can.Block, fin audio.SoundFinished) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := qidKey{block, fin.QueueID}
	tok, ok := t.byQueue[key]
	if !ok {
		t.observer.Record("complete", "unmatched")
		return Request{}, false
	}
	delete(t.byQueue, key)
	e, ok := t.byToken[tok]
	if !ok || e.req.State != StateAcknowledged {
		t.observer.Record("complete", "unmatched")
		return Request{}, false
	}
	e.req.State = StateCompleted
	e.req.Reason = fin.Reason
	e.req.DoneAt = t.now()
	t.observer.Record("complete", fin.Reason.String())
	return e.req, true
}

// Expire 应答超时：仍在等待的请求转为 NoResponse
func (t *Tracker) Expire(token uint16) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byToken[token]
	if !ok || (e.req.State != StateSent && e.req.State != StateAckPending) {
		return Request{}, false
	}
	e.req.State = StateNoResponse
	e.req.DoneAt = t.now()
	t.observer.Record("expire", "no_response")
	return e.req, true
}

// Lookup 按令牌查询
func (t *Tracker) Lookup(token uint16) (Request, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byToken[token]
	if !ok {
		return Request{}, false
	}
	return e.req, true
}

// Active 已应答且尚未完成的播放请求
func (t *Tracker) Active() []Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Request
	for _, e := range t.byToken {
		if e.req.State == StateAcknowledged {
			out = append(out, e.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// Len 表中请求数
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byToken)
}

// Sweep 立即清理过期终态请求与滞留的已应答请求
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweep(t.now())
}

func (t *Tracker) maybeSweep(now time.Time) {
	if now.Sub(t.lastSweep) < t.ttl {
		return
	}
	t.sweep(now)
}

func (t *Tracker) sweep(now time.Time) int {
	n, stale := 0, 0
	for tok, e := range t.byToken {
		switch {
		case e.req.expired(t.ttl, now):
		case e.req.State == StateAcknowledged && now.Sub(e.req.AckAt) > t.ackedTTL:
			key := qidKey{e.req.Block, e.req.QueueID}
			if t.byQueue[key] == tok {
				delete(t.byQueue, key)
			}
			stale++
		default:
			continue
		}
		delete(t.byToken, tok)
		n++
	}
	t.lastSweep = now
	if n > stale {
		t.observer.Record("sweep", "expired_cleanup")
	}
	if stale > 0 {
		t.observer.Record("sweep", "acked_stale")
	}
	return n
}
