package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/can"
	"github.com/taoyao-code/can-audio/internal/discovery"
	"github.com/taoyao-code/can-audio/internal/dispatcher"
	"github.com/taoyao-code/can-audio/internal/eventsink"
	"github.com/taoyao-code/can-audio/internal/metrics"
	"github.com/taoyao-code/can-audio/internal/mixer"
	"github.com/taoyao-code/can-audio/internal/peripheral"
	"github.com/taoyao-code/can-audio/internal/protocol/audio"
	"github.com/taoyao-code/can-audio/internal/soundsource"
	"github.com/taoyao-code/can-audio/internal/transport"
)

const block can.Block = 0x42

type memSink struct {
	mu     sync.Mutex
	events []eventsink.Event
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) Publish(_ context.Context, e eventsink.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *memSink) types() []eventsink.Type {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]eventsink.Type, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	svc   *Service
	mixer *mixer.Mixer
	sink  *memSink
	m     *metrics.AppMetrics
}

func start(t *testing.T, fn func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = fn(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newController(t *testing.T, tr transport.Transport, ackTimeout time.Duration) *harness {
	t.Helper()
	am := metrics.NewAppMetrics(metrics.NewRegistry())
	sink := &memSink{}
	svc := New(tr, discovery.NewRegistry(time.Minute), Options{
		DiscoveryWindow: 50 * time.Millisecond,
		AckTimeout:      ackTimeout,
		RxPoll:          10 * time.Millisecond,
		Events:          map[string]int{"game_start": 1, "game_victory": 3},
		Instance:        "test",
		Metrics:         am,
		Sink:            sink,
	}, zap.NewNop())
	start(t, svc.Run)
	return &harness{svc: svc, sink: sink, m: am}
}

// newHarness 主控与真实外设服务通过内存总线相连
func newHarness(t *testing.T, capacity int) *harness {
	t.Helper()
	bus := transport.NewBus()
	ctrl, _ := bus.Endpoint("controller", transport.PhysicalOptions{})
	peri, _ := bus.Endpoint("peripheral", transport.PhysicalOptions{})
	t.Cleanup(func() {
		_ = ctrl.Close()
		_ = peri.Close()
	})

	src := soundsource.NewEmbedded(8000, soundsource.DefaultCatalog())
	mix := mixer.New(src, mixer.Options{Capacity: capacity, MasterVolume: 80}, nil)
	resp := discovery.NewResponder(peri, audio.Announce{
		Type: audio.ModuleTypeAudio, VersionMajor: 1, VersionMinor: 2, Caps: audio.CapStatus, Block: block, NodeID: 3,
	}, nil)
	ps := peripheral.New(peri, mix, resp, peripheral.Options{Block: block, RxPoll: 10 * time.Millisecond}, nil)
	start(t, ps.Run)

	h := newController(t, ctrl, 300*time.Millisecond)
	h.mixer = mix
	return h
}

func TestService_PlayBeforeDiscovery(t *testing.T) {
	h := newHarness(t, 4)
	_, err := h.svc.Play(context.Background(), dispatcher.PlayRequest{Index: 1, Volume: audio.VolumeUseLocal})
	assert.ErrorIs(t, err, discovery.ErrNoModule)
	assert.ErrorIs(t, h.svc.StopAll(context.Background()), discovery.ErrNoModule)
}

func TestService_DiscoverAndPlay(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()

	mods, err := h.svc.Discover(ctx)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, block, mods[0].Block)
	assert.Equal(t, "1.2", mods[0].Version())
	assert.Equal(t, uint8(3), mods[0].Key.NodeID)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.m.RegistryModules))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.m.DiscoveryRounds))

	r, err := h.svc.Play(ctx, dispatcher.PlayRequest{Index: 2, Volume: 50})
	require.NoError(t, err)
	assert.Equal(t, dispatcher.StateAcknowledged, r.State)
	assert.NotZero(t, r.QueueID)
	assert.Equal(t, 1, h.mixer.Snapshot().Active)

	got, ok := h.svc.Request(r.Token)
	require.True(t, ok)
	assert.Equal(t, r.QueueID, got.QueueID)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.m.ControllerRequests.WithLabelValues("acknowledged")) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		types := h.sink.types()
		return len(types) == 2 && types[0] == eventsink.TypeModuleDiscovered && types[1] == eventsink.TypeSoundAcknowledged
	}, time.Second, 10*time.Millisecond)
}

func TestService_RejectedPlay(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	_, err := h.svc.Discover(ctx)
	require.NoError(t, err)

	r, err := h.svc.Play(ctx, dispatcher.PlayRequest{Index: 999, Volume: audio.VolumeUseLocal})
	assert.ErrorIs(t, err, audio.ErrFileNotFound)
	assert.Equal(t, dispatcher.StateRejected, r.State)
	assert.Equal(t, audio.StatusFileNotFound, r.Status)
	assert.Zero(t, h.mixer.Snapshot().Active)
}

func TestService_StopCompletesPlay(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	_, err := h.svc.Discover(ctx)
	require.NoError(t, err)

	play, err := h.svc.Play(ctx, dispatcher.PlayRequest{Index: 1, Flags: audio.FlagLoop, Volume: audio.VolumeUseLocal})
	require.NoError(t, err)

	stop, err := h.svc.Stop(ctx, play.QueueID)
	require.NoError(t, err)
	assert.Equal(t, dispatcher.StateCompleted, stop.State)

	assert.Eventually(t, func() bool {
		r, ok := h.svc.Request(play.Token)
		return ok && r.State == dispatcher.StateCompleted && r.Reason == audio.ReasonStoppedByUser
	}, time.Second, 10*time.Millisecond)
	assert.Zero(t, h.mixer.Snapshot().Active)
}

func TestService_StopAll(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	_, err := h.svc.Discover(ctx)
	require.NoError(t, err)

	var tokens []uint16
	for _, idx := range []uint16{1, 2, 3} {
		r, err := h.svc.Play(ctx, dispatcher.PlayRequest{Index: idx, Volume: audio.VolumeUseLocal})
		require.NoError(t, err)
		tokens = append(tokens, r.Token)
	}
	require.NoError(t, h.svc.StopAll(ctx))

	assert.Eventually(t, func() bool {
		for _, tok := range tokens {
			r, ok := h.svc.Request(tok)
			if !ok || r.State != dispatcher.StateCompleted {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, h.svc.Active())
}

func TestService_PlayEvent(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()
	_, err := h.svc.Discover(ctx)
	require.NoError(t, err)

	_, err = h.svc.PlayEvent(ctx, "game_over")
	assert.ErrorIs(t, err, ErrUnknownEvent)

	r, err := h.svc.PlayEvent(ctx, "game_victory")
	require.NoError(t, err)
	assert.Equal(t, uint16(3), r.Index)
	assert.Equal(t, []string{"game_start", "game_victory"}, h.svc.Events())
}

func TestService_SilentModuleTimesOut(t *testing.T) {
	bus := transport.NewBus()
	ctrl, _ := bus.Endpoint("controller", transport.PhysicalOptions{})
	peri, _ := bus.Endpoint("mute", transport.PhysicalOptions{})
	t.Cleanup(func() {
		_ = ctrl.Close()
		_ = peri.Close()
	})
	h := newController(t, ctrl, 40*time.Millisecond)

	// 只宣告、不应答命令的模块
	ann := audio.Announce{Type: audio.ModuleTypeAudio, VersionMajor: 1, Block: block}
	require.NoError(t, peri.Send(context.Background(), ann.Frame()))
	require.Eventually(t, func() bool { return h.svc.Registry().Known(block) }, time.Second, 5*time.Millisecond)

	r, err := h.svc.Play(context.Background(), dispatcher.PlayRequest{Index: 1, Volume: audio.VolumeUseLocal})
	assert.ErrorIs(t, err, dispatcher.ErrNoResponse)
	assert.Equal(t, dispatcher.StateNoResponse, r.State)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.m.ControllerRequests.WithLabelValues("no_response")))
}

func TestService_StatusUpdatesRegistry(t *testing.T) {
	bus := transport.NewBus()
	ctrl, _ := bus.Endpoint("controller", transport.PhysicalOptions{})
	peri, _ := bus.Endpoint("module", transport.PhysicalOptions{})
	t.Cleanup(func() {
		_ = ctrl.Close()
		_ = peri.Close()
	})
	h := newController(t, ctrl, 40*time.Millisecond)
	ctx := context.Background()

	// 未发现模块的状态帧被丢弃
	st := audio.SoundStatus{State: audio.StateReady | audio.StatePlaying, Current: 2, Volume: 80, Active: 1}
	require.NoError(t, peri.Send(ctx, st.Frame(block)))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.m.FramesDropped.WithLabelValues(audio.DropForeign)) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, peri.Send(ctx, audio.Announce{Type: audio.ModuleTypeAudio, Block: block}.Frame()))
	require.NoError(t, peri.Send(ctx, st.Frame(block)))
	require.Eventually(t, func() bool {
		m, err := h.svc.Registry().Find(audio.ModuleTypeAudio)
		return err == nil && m.Status != nil
	}, time.Second, 5*time.Millisecond)

	m, err := h.svc.Registry().Find(audio.ModuleTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), m.Status.Current)
	assert.Equal(t, uint8(1), m.Status.Active)
}
