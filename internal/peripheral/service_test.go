package peripheral

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
	"github.com/taoyao-code/can-audio/internal/metrics"
	"github.com/taoyao-code/can-audio/internal/mixer"
	"github.com/taoyao-code/can-audio/internal/protocol/audio"
	"github.com/taoyao-code/can-audio/internal/soundsource"
	"github.com/taoyao-code/can-audio/internal/transport"
)

const (
	block can.Block = 0x42
	rate            = 8000
)

type rig struct {
	ctrl  transport.Transport
	port  *transport.Port
	mixer *mixer.Mixer
	svc   *Service
	m     *metrics.AppMetrics
}

func newRig(t *testing.T, capacity int) *rig {
	t.Helper()
	bus := transport.NewBus()
	ctrl, _ := bus.Endpoint("controller", transport.PhysicalOptions{})
	peri, port := bus.Endpoint("peripheral", transport.PhysicalOptions{})

	src := soundsource.NewEmbedded(rate, soundsource.DefaultCatalog())
	am := metrics.NewAppMetrics(metrics.NewRegistry())
	mix := mixer.New(src, mixer.Options{Capacity: capacity, MasterVolume: 80, Metrics: am}, zap.NewNop())
	resp := discovery.NewResponder(peri, audio.Announce{
		Type: audio.ModuleTypeAudio, VersionMajor: 1, Caps: audio.CapStatus, Block: block,
	}, nil)
	svc := New(peri, mix, resp, Options{Block: block, RxPoll: 10 * time.Millisecond, Metrics: am}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = ctrl.Close()
		_ = peri.Close()
	})
	return &rig{ctrl: ctrl, port: port, mixer: mix, svc: svc, m: am}
}

func (r *rig) send(t *testing.T, f can.Frame) {
	t.Helper()
	require.NoError(t, r.ctrl.Send(context.Background(), f))
}

func (r *rig) recv(t *testing.T) can.Frame {
	t.Helper()
	f, err := r.ctrl.Receive(context.Background(), time.Second)
	require.NoError(t, err, "expected a frame from the peripheral")
	return f
}

func (r *rig) expectSilence(t *testing.T) {
	t.Helper()
	_, err := r.ctrl.Receive(context.Background(), 60*time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func (r *rig) ack(t *testing.T) audio.SoundAck {
	t.Helper()
	m, err := audio.ParseSoundAck(block, r.recv(t))
	require.NoError(t, err)
	return m
}

func (r *rig) play(t *testing.T, idx uint16, flags audio.Flags) audio.SoundAck {
	t.Helper()
	r.send(t, audio.PlaySound{Index: idx, Flags: flags, Volume: 100}.Frame(block))
	return r.ack(t)
}

// renderUntil 在测试协程里驱动渲染
func (r *rig) renderUntil(t *testing.T, cond func() bool) {
	t.Helper()
	buf := make([]int16, 800)
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "render condition not reached")
		r.mixer.Render(buf, 1)
	}
}

// 场景 1：查询 → 应答 → 播放 → 确认 → 完成
func TestScenario_DiscoverPlayComplete(t *testing.T) {
	r := newRig(t, 4)

	r.send(t, audio.QueryFrame())
	a, err := audio.ParseAnnounce(r.recv(t))
	require.NoError(t, err)
	assert.Equal(t, block, a.Block)
	assert.Equal(t, audio.ModuleTypeAudio, a.Type)
	r.expectSilence(t)

	ack := r.play(t, 5, 0)
	assert.Equal(t, uint16(5), ack.Index)
	assert.Equal(t, audio.StatusSuccess, ack.Status)
	assert.Equal(t, uint8(1), ack.QueueID)

	r.renderUntil(t, func() bool { return r.mixer.Snapshot().Active == 0 })
	fin, err := audio.ParseSoundFinished(block, r.recv(t))
	require.NoError(t, err)
	assert.Equal(t, audio.SoundFinished{QueueID: 1, Index: 5, Reason: audio.ReasonCompleted}, fin)
}

// 扩展帧即使标识符落在本块内也不处理
func TestScenario_ExtendedFramesIgnored(t *testing.T) {
	r := newRig(t, 4)

	play := audio.PlaySound{Index: 5, Volume: 100}.Frame(block)
	play.Extended = true
	r.send(t, play)
	query := audio.QueryFrame()
	query.Extended = true
	r.send(t, query)

	r.expectSilence(t)
	assert.Equal(t, 0, r.mixer.Snapshot().Active)

	// 标准帧照常处理
	ack := r.play(t, 5, 0)
	assert.Equal(t, audio.StatusSuccess, ack.Status)
	assert.Equal(t, 1, r.mixer.Snapshot().Active)
}

func fill(t *testing.T, r *rig) []uint8 {
	var qids []uint8
	for i := 0; i < 4; i++ {
		ack := r.play(t, 3, 0)
		require.Equal(t, audio.StatusSuccess, ack.Status)
		qids = append(qids, ack.QueueID)
	}
	return qids
}

// 场景 2：满载且无抢占
func TestScenario_MixerFull(t *testing.T) {
	r := newRig(t, 4)
	assert.Equal(t, []uint8{1, 2, 3, 4}, fill(t, r))

	ack := r.play(t, 1, 0)
	assert.Equal(t, audio.StatusMixerFull, ack.Status)
	assert.Equal(t, audio.QueueIDNone, ack.QueueID)
	assert.Equal(t, uint16(1), ack.Index)
	r.expectSilence(t)

	var live []uint8
	for _, c := range r.mixer.Snapshot().Channels {
		live = append(live, c.QueueID)
	}
	assert.Equal(t, []uint8{1, 2, 3, 4}, live)
}

// 场景 3：抢占驱逐，完成通知先于新的确认
func TestScenario_InterruptEviction(t *testing.T) {
	r := newRig(t, 4)
	fill(t, r)

	r.send(t, audio.PlaySound{Index: 1, Flags: audio.FlagInterrupt, Volume: audio.VolumeUseLocal}.Frame(block))
	fin, err := audio.ParseSoundFinished(block, r.recv(t))
	require.NoError(t, err)
	assert.Equal(t, uint8(1), fin.QueueID)
	assert.Equal(t, audio.ReasonStoppedByUser, fin.Reason)

	ack := r.ack(t)
	assert.Equal(t, audio.StatusSuccess, ack.Status)
	assert.Equal(t, uint8(5), ack.QueueID)
	assert.Equal(t, 4, r.mixer.Snapshot().Active)
}

// 场景 4：资源缺失
func TestScenario_MissingAsset(t *testing.T) {
	r := newRig(t, 4)
	ack := r.play(t, 999, 0)
	assert.Equal(t, audio.StatusFileNotFound, ack.Status)
	assert.Equal(t, audio.QueueIDNone, ack.QueueID)
	assert.Equal(t, uint16(999), ack.Index)
	assert.Zero(t, r.mixer.Snapshot().Active)
}

func TestStopPaths(t *testing.T) {
	r := newRig(t, 4)

	// 空混音器：STOP_ALL 无任何输出，通配停止回 SUCCESS
	r.send(t, audio.StopAllFrame(block))
	r.expectSilence(t)
	r.send(t, audio.StopSound{Token: 7}.Frame(block))
	sa, err := audio.ParseStopAck(block, r.recv(t))
	require.NoError(t, err)
	assert.Equal(t, audio.StatusSuccess, sa.Status)
	assert.Equal(t, uint16(7), sa.Token)
	r.expectSilence(t)

	a1 := r.play(t, 3, 0)
	r.play(t, 3, audio.FlagLoop)

	// 未知队列号
	r.send(t, audio.StopSound{QueueID: 77}.Frame(block))
	sa, err = audio.ParseStopAck(block, r.recv(t))
	require.NoError(t, err)
	assert.Equal(t, audio.StatusUnknownError, sa.Status)
	assert.Equal(t, uint8(77), sa.QueueID)

	// 指定停止：STOP_ACK 然后 SOUND_FINISHED
	r.send(t, audio.StopSound{QueueID: a1.QueueID}.Frame(block))
	sa, err = audio.ParseStopAck(block, r.recv(t))
	require.NoError(t, err)
	assert.Equal(t, audio.StatusSuccess, sa.Status)
	fin, err := audio.ParseSoundFinished(block, r.recv(t))
	require.NoError(t, err)
	assert.Equal(t, a1.QueueID, fin.QueueID)

	// STOP_ALL：每个通道一条完成通知，无应答
	r.send(t, audio.StopAllFrame(block))
	fin, err = audio.ParseSoundFinished(block, r.recv(t))
	require.NoError(t, err)
	assert.Equal(t, audio.ReasonStoppedByUser, fin.Reason)
	r.expectSilence(t)
	assert.Zero(t, r.mixer.Snapshot().Active)
}

func TestGarbageIsSilentlyDropped(t *testing.T) {
	r := newRig(t, 4)

	short, err := can.NewFrame(block.ID(can.OffsetPlaySound), []byte{5})
	require.NoError(t, err)
	unknown, err := can.NewFrame(block.ID(0xA), []byte{1, 2, 3})
	require.NoError(t, err)
	foreign := audio.PlaySound{Index: 5, Volume: 100}.Frame(0x50)
	remote := audio.QueryFrame()
	remote.Remote = true

	for _, f := range []can.Frame{short, unknown, foreign, remote} {
		r.send(t, f)
	}
	r.expectSilence(t)

	// 之后仍能正常处理
	ack := r.play(t, 101, 0)
	assert.Equal(t, audio.StatusSuccess, ack.Status)
	assert.Equal(t, 1, r.mixer.Snapshot().Active)

	for _, reason := range []string{audio.DropMalformed, audio.DropUnknownID, audio.DropForeign, audio.DropRemote} {
		assert.Equal(t, 1.0, testutil.ToFloat64(r.m.FramesDropped.WithLabelValues(reason)), reason)
	}
}

// 同一队列号：SOUND_ACK 严格先于 SOUND_FINISHED
func TestAckBeforeCompletion(t *testing.T) {
	r := newRig(t, 4)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]int16, 64)
		for ctx.Err() == nil {
			r.mixer.Render(buf, 1)
		}
	}()

	acked := map[uint8]bool{}
	finished := 0
	admitted := 0
	for i := 0; i < 40; i++ {
		r.send(t, audio.PlaySound{Index: 101, Flags: audio.FlagInterrupt, Volume: 50}.Frame(block))
		// 读到本次 ack 为止，途中的完成通知必须对应已确认的编号
		for {
			f := r.recv(t)
			switch can.Offset(f.ID) {
			case can.OffsetSoundFinished:
				fin, err := audio.ParseSoundFinished(block, f)
				require.NoError(t, err)
				require.True(t, acked[fin.QueueID], "finished before ack for queue %d", fin.QueueID)
				delete(acked, fin.QueueID)
				finished++
				continue
			case can.OffsetSoundAck:
				ack, err := audio.ParseSoundAck(block, f)
				require.NoError(t, err)
				require.Equal(t, audio.StatusSuccess, ack.Status)
				require.False(t, acked[ack.QueueID], "queue id %d reused while live", ack.QueueID)
				acked[ack.QueueID] = true
				admitted++
			default:
				t.Fatalf("unexpected frame %s", audio.Describe(f))
			}
			break
		}
	}

	for finished < admitted {
		f := r.recv(t)
		fin, err := audio.ParseSoundFinished(block, f)
		require.NoError(t, err)
		require.True(t, acked[fin.QueueID])
		delete(acked, fin.QueueID)
		finished++
	}
	cancel()
	wg.Wait()
	assert.Empty(t, acked)
}

func TestStatusBroadcaster(t *testing.T) {
	r := newRig(t, 4)
	b := NewStatusBroadcaster(r.svc.t, r.mixer, block, time.Hour, func() bool { return true }, r.m, zap.NewNop())
	clock := time.Unix(1000, 0)
	b.started = clock
	b.now = func() time.Time { return clock.Add(90 * time.Second) }

	st := b.Build()
	assert.Equal(t, audio.StateReady|audio.StateSDMounted, st.State)
	assert.Equal(t, audio.NoSound, st.Current)
	assert.Equal(t, uint16(90), st.Uptime)
	assert.Equal(t, uint8(80), st.Volume)

	r.play(t, 3, 0)
	r.play(t, 999, 0)
	r.mixer.SetMuted(true)
	st = b.Build()
	assert.True(t, st.State.Has(audio.StatePlaying))
	assert.True(t, st.State.Has(audio.StateMuted))
	assert.True(t, st.State.Has(audio.StateError))
	assert.Equal(t, uint8(audio.StatusFileNotFound), st.ErrorCode)
	assert.Equal(t, uint16(3), st.Current)
	assert.Equal(t, uint8(1), st.Active)

	require.NoError(t, b.Broadcast(context.Background()))
	got, err := audio.ParseSoundStatus(block, r.recv(t))
	require.NoError(t, err)
	assert.Equal(t, st, got)
}
