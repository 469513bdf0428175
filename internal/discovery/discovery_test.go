package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/can"
	"github.com/taoyao-code/can-audio/internal/protocol/audio"
	"github.com/taoyao-code/can-audio/internal/transport"
)

func announce(node uint8, block can.Block) audio.Announce {
	return audio.Announce{Type: audio.ModuleTypeAudio, VersionMajor: 1, Caps: audio.CapStatus, Block: block, NodeID: node}
}

func TestRegistry_ObserveDeduplicates(t *testing.T) {
	reg := NewRegistry(time.Minute)
	t0 := time.Unix(1000, 0)

	m, created := reg.Observe(announce(0, 0x42), t0)
	assert.True(t, created)
	assert.Equal(t, can.Block(0x42), m.Block)
	assert.Equal(t, "1.0", m.Version())

	a := announce(0, 0x43)
	a.VersionMinor = 2
	m, created = reg.Observe(a, t0.Add(time.Second))
	assert.False(t, created)
	assert.Equal(t, can.Block(0x43), m.Block, "re-announce refreshes the block")
	assert.Equal(t, 2, m.Announces)
	assert.Equal(t, t0, m.FirstSeen)
	assert.Equal(t, t0.Add(time.Second), m.LastSeen)
	assert.Equal(t, 1, reg.Len())

	reg.Observe(announce(1, 0x44), t0)
	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, uint8(0), list[0].Key.NodeID)
	assert.Equal(t, uint8(1), list[1].Key.NodeID)
}

func TestRegistry_LivenessAndStatus(t *testing.T) {
	reg := NewRegistry(10 * time.Second)
	t0 := time.Unix(1000, 0)
	reg.Observe(announce(0, 0x42), t0)
	key := Key{Type: audio.ModuleTypeAudio}

	assert.True(t, reg.IsOnline(key, t0.Add(5*time.Second)))
	assert.False(t, reg.IsOnline(key, t0.Add(11*time.Second)))
	assert.Equal(t, 0, reg.OnlineCount(t0.Add(11*time.Second)))

	reg.Touch(0x42, t0.Add(10*time.Second))
	assert.True(t, reg.IsOnline(key, t0.Add(11*time.Second)))

	ok := reg.UpdateStatus(0x42, audio.SoundStatus{State: audio.StateReady, Active: 2}, t0.Add(12*time.Second))
	assert.True(t, ok)
	m, found := reg.Get(key)
	require.True(t, found)
	require.NotNil(t, m.Status)
	assert.Equal(t, uint8(2), m.Status.Active)
	assert.Equal(t, t0.Add(12*time.Second), m.LastSeen)

	// 返回副本，外部修改不影响注册表
	m.Status.Active = 9
	m2, _ := reg.Get(key)
	assert.Equal(t, uint8(2), m2.Status.Active)

	assert.False(t, reg.UpdateStatus(0x55, audio.SoundStatus{}, t0))
	assert.True(t, reg.Known(0x42))
	assert.False(t, reg.Known(0x55))
}

func TestRegistry_Find(t *testing.T) {
	reg := NewRegistry(0)
	_, err := reg.Find(audio.ModuleTypeAudio)
	assert.ErrorIs(t, err, ErrNoModule)

	t0 := time.Unix(1000, 0)
	reg.Observe(announce(0, 0x42), t0)
	reg.Observe(announce(1, 0x43), t0.Add(time.Second))
	m, err := reg.Find(audio.ModuleTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, can.Block(0x43), m.Block)
}

// 模拟主控接收循环：把应答写入注册表
func pumpAnnounces(ctx context.Context, tr transport.Transport, reg *Registry) {
	for ctx.Err() == nil {
		f, err := tr.Receive(ctx, 20*time.Millisecond)
		if err != nil {
			continue
		}
		if a, err := audio.ParseAnnounce(f); err == nil {
			reg.Observe(a, time.Now())
		}
	}
}

// 模拟外设接收循环：每个查询应答一次
func pumpQueries(ctx context.Context, tr transport.Transport, r *Responder) {
	for ctx.Err() == nil {
		f, err := tr.Receive(ctx, 20*time.Millisecond)
		if err != nil {
			continue
		}
		if audio.IsQuery(f) {
			_ = r.Respond(ctx)
		}
	}
}

func TestInitiator_DiscoverOverLoopback(t *testing.T) {
	bus := transport.NewBus()
	ctrl, _ := bus.Endpoint("controller", transport.PhysicalOptions{})
	peri, _ := bus.Endpoint("peripheral", transport.PhysicalOptions{})
	defer ctrl.Close()
	defer peri.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg := NewRegistry(time.Minute)
	go pumpAnnounces(ctx, ctrl, reg)
	go pumpQueries(ctx, peri, NewResponder(peri, announce(0, 0x42), zap.NewNop()))

	queries := 0
	initiator := NewInitiator(ctrl, reg, zap.NewNop(), WithQueryHook(func() { queries++ }))
	mods, err := initiator.Discover(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, can.Block(0x42), mods[0].Block)
	assert.Equal(t, audio.ModuleTypeAudio, mods[0].Key.Type)

	// 重复发现只刷新，不新增
	mods, err = initiator.Discover(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, 2, mods[0].Announces)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 2, queries)
}

func TestInitiator_FallbackTransportTimesOut(t *testing.T) {
	fb := transport.NewLogging(zap.NewNop(), "no adapter")
	reg := NewRegistry(time.Minute)
	initiator := NewInitiator(fb, reg, nil)

	start := time.Now()
	_, err := initiator.Discover(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoModule)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	sent := fb.Sent()
	require.Len(t, sent, 1)
	assert.True(t, audio.IsQuery(sent[0]))
}

func TestInitiator_ContextCancel(t *testing.T) {
	fb := transport.NewLogging(nil, "")
	initiator := NewInitiator(fb, NewRegistry(0), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := initiator.Discover(ctx, time.Second)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
