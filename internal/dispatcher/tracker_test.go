package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/can-audio/internal/protocol/audio"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func TestTracker_PlayLifecycle(t *testing.T) {
	clock := newFakeClock()
	tracker := NewTracker(WithNow(clock.Now))

	req, acked, err := tracker.Track(Request{Kind: KindPlay, Block: 0x42, Index: 5})
	require.NoError(t, err)
	assert.Equal(t, uint16(1), req.Token)
	assert.Equal(t, StateSent, req.State)
	tracker.MarkSent(req.Token)

	clock.Advance(3 * time.Millisecond)
	r, ok := tracker.ResolveSoundAck(0x42, audio.SoundAck{Index: 5, Status: audio.StatusSuccess, QueueID: 1, Token: req.Token})
	require.True(t, ok)
	assert.Equal(t, StateAcknowledged, r.State)
	assert.Equal(t, uint8(1), r.QueueID)
	assert.Equal(t, 3*time.Millisecond, r.AckLatency())
	select {
	case <-acked:
	default:
		t.Fatal("ack channel should be closed")
	}
	assert.Len(t, tracker.Active(), 1)

	r, ok = tracker.Complete(0x42, audio.SoundFinished{QueueID: 1, Index: 5, Reason: audio.ReasonCompleted})
	require.True(t, ok)
	assert.Equal(t, StateCompleted, r.State)
	assert.Equal(t, audio.ReasonCompleted, r.Reason)
	assert.Empty(t, tracker.Active())

	// 第二次完成通知不再匹配
	_, ok = tracker.Complete(0x42, audio.SoundFinished{QueueID: 1})
	assert.False(t, ok)
}

func TestTracker_CorrelationWithoutToken(t *testing.T) {
	clock := newFakeClock()
	tracker := NewTracker(WithNow(clock.Now))

	a, _, _ := tracker.Track(Request{Kind: KindPlay, Block: 0x42, Index: 7})
	clock.Advance(time.Millisecond)
	b, _, _ := tracker.Track(Request{Kind: KindPlay, Block: 0x42, Index: 7})
	clock.Advance(time.Millisecond)
	c, _, _ := tracker.Track(Request{Kind: KindPlay, Block: 0x42, Index: 8})

	// 老固件不回显令牌：按索引匹配最早的请求
	r, ok := tracker.ResolveSoundAck(0x42, audio.SoundAck{Index: 7, Status: audio.StatusSuccess, QueueID: 3})
	require.True(t, ok)
	assert.Equal(t, a.Token, r.Token)
	r, ok = tracker.ResolveSoundAck(0x42, audio.SoundAck{Index: 7, Status: audio.StatusMixerFull})
	require.True(t, ok)
	assert.Equal(t, b.Token, r.Token)
	assert.Equal(t, StateRejected, r.State)
	assert.Equal(t, audio.StatusMixerFull, r.Status)

	// 其他地址块的应答不匹配
	_, ok = tracker.ResolveSoundAck(0x43, audio.SoundAck{Index: 8, Token: c.Token})
	assert.False(t, ok)
	// 未知令牌回退到索引
	r, ok = tracker.ResolveSoundAck(0x42, audio.SoundAck{Index: 8, Token: 999, QueueID: 4})
	require.True(t, ok)
	assert.Equal(t, c.Token, r.Token)
}

func TestTracker_SuccessWithoutQueueIDIsRejected(t *testing.T) {
	tracker := NewTracker()
	req, _, _ := tracker.Track(Request{Kind: KindPlay, Block: 0x42, Index: 1})
	r, ok := tracker.ResolveSoundAck(0x42, audio.SoundAck{Index: 1, Token: req.Token})
	require.True(t, ok)
	assert.Equal(t, StateRejected, r.State)
	assert.Equal(t, audio.StatusUnknownError, r.Status)
}

func TestTracker_StopAck(t *testing.T) {
	tracker := NewTracker()
	req, _, _ := tracker.Track(Request{Kind: KindStop, Block: 0x42, QueueID: 9})
	r, ok := tracker.ResolveStopAck(0x42, audio.StopAck{QueueID: 9, Status: audio.StatusUnknownError})
	require.True(t, ok)
	assert.Equal(t, req.Token, r.Token)
	assert.Equal(t, StateRejected, r.State)

	req, _, _ = tracker.Track(Request{Kind: KindStop, Block: 0x42})
	r, ok = tracker.ResolveStopAck(0x42, audio.StopAck{Token: req.Token})
	require.True(t, ok)
	assert.Equal(t, StateCompleted, r.State)
}

func TestTracker_ExpireAndTokens(t *testing.T) {
	tracker := NewTracker()
	req, _, _ := tracker.Track(Request{Kind: KindPlay, Block: 0x42, Index: 1, Token: 500})
	assert.Equal(t, uint16(500), req.Token)
	_, _, err := tracker.Track(Request{Kind: KindPlay, Token: 500})
	assert.ErrorIs(t, err, ErrTokenInUse)

	r, ok := tracker.Expire(500)
	require.True(t, ok)
	assert.Equal(t, StateNoResponse, r.State)
	_, ok = tracker.Expire(500)
	assert.False(t, ok, "expire only applies once")

	// 迟到的应答不再改变状态
	_, ok = tracker.ResolveSoundAck(0x42, audio.SoundAck{Index: 1, Token: 500, QueueID: 1})
	assert.False(t, ok)
}

func TestTracker_QueueIDReuseClosesOldRequest(t *testing.T) {
	tracker := NewTracker()
	a, _, _ := tracker.Track(Request{Kind: KindPlay, Block: 0x42, Index: 1})
	tracker.ResolveSoundAck(0x42, audio.SoundAck{Index: 1, QueueID: 1, Token: a.Token})
	b, _, _ := tracker.Track(Request{Kind: KindPlay, Block: 0x42, Index: 2})
	tracker.ResolveSoundAck(0x42, audio.SoundAck{Index: 2, QueueID: 1, Token: b.Token})

	old, _ := tracker.Lookup(a.Token)
	assert.Equal(t, StateCompleted, old.State)
	r, ok := tracker.Complete(0x42, audio.SoundFinished{QueueID: 1})
	require.True(t, ok)
	assert.Equal(t, b.Token, r.Token)
}

func TestTracker_TTLSweep(t *testing.T) {
	clock := newFakeClock()
	var records []string
	tracker := NewTracker(WithTTL(time.Minute), WithNow(clock.Now),
		WithObserver(ObserverFunc(func(op, status string) { records = append(records, op+":"+status) })))

	a, _, _ := tracker.Track(Request{Kind: KindPlay, Block: 0x42, Index: 1})
	tracker.Expire(a.Token)
	b, _, _ := tracker.Track(Request{Kind: KindPlay, Block: 0x42, Index: 2})
	tracker.ResolveSoundAck(0x42, audio.SoundAck{Index: 2, QueueID: 1, Token: b.Token})

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, tracker.Sweep(), "acknowledged requests are kept until they complete")
	_, ok := tracker.Lookup(a.Token)
	assert.False(t, ok)
	_, ok = tracker.Lookup(b.Token)
	assert.True(t, ok)
	assert.Contains(t, records, "sweep:expired_cleanup")
}

func TestTracker_SweepDropsStaleAcknowledged(t *testing.T) {
	clock := newFakeClock()
	var records []string
	tracker := NewTracker(WithTTL(time.Minute), WithAckedTTL(30*time.Minute), WithNow(clock.Now),
		WithObserver(ObserverFunc(func(op, status string) { records = append(records, op+":"+status) })))

	// 循环播放：应答后不会再有完成通知
	looped, _, _ := tracker.Track(Request{Kind: KindPlay, Block: 0x42, Index: 1, Flags: audio.FlagLoop})
	tracker.ResolveSoundAck(0x42, audio.SoundAck{Index: 1, QueueID: 3, Token: looped.Token})

	clock.Advance(20 * time.Minute)
	fresh, _, _ := tracker.Track(Request{Kind: KindPlay, Block: 0x43, Index: 2})
	tracker.ResolveSoundAck(0x43, audio.SoundAck{Index: 2, QueueID: 1, Token: fresh.Token})

	clock.Advance(15 * time.Minute)
	assert.Equal(t, 1, tracker.Sweep())
	_, ok := tracker.Lookup(looped.Token)
	assert.False(t, ok)
	_, ok = tracker.Lookup(fresh.Token)
	assert.True(t, ok)
	assert.Len(t, tracker.Active(), 1)
	assert.Contains(t, records, "sweep:acked_stale")

	// 队列号索引一并清除，迟到的完成通知不再匹配
	_, ok = tracker.Complete(0x42, audio.SoundFinished{QueueID: 3, Index: 1})
	assert.False(t, ok)
	assert.Equal(t, 1, tracker.Len())
}

func TestTracker_TokenWrapSkipsLive(t *testing.T) {
	tracker := NewTracker()
	tracker.lastToken = 65534
	a, _, _ := tracker.Track(Request{Kind: KindPlay})
	b, _, _ := tracker.Track(Request{Kind: KindPlay})
	assert.Equal(t, uint16(65535), a.Token)
	assert.Equal(t, uint16(1), b.Token)
}
