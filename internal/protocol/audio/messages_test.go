package audio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/can-audio/internal/can"
)

const block = can.Block(0x42)

func TestPlaySound_WireLayout(t *testing.T) {
	f := PlaySound{Index: 0x0105, Flags: FlagLoop | FlagInterrupt, Volume: 100, Token: 0xBEEF}.Frame(block)

	assert.Equal(t, uint16(0x420), f.ID)
	assert.Equal(t, uint8(8), f.Len)
	assert.Equal(t, [8]byte{0x05, 0x01, 0x03, 100, 0x00, 0xEF, 0xBE, 0x00}, f.Data)

	m, err := ParsePlaySound(block, f)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0105), m.Index)
	assert.True(t, m.Flags.Loop())
	assert.True(t, m.Flags.Interrupt())
	assert.False(t, m.Flags.Priority())
	assert.Equal(t, uint16(0xBEEF), m.Token)
}

func TestParsePlaySound_ShortPayloadWithoutToken(t *testing.T) {
	f, err := can.NewFrame(0x420, []byte{0x05, 0x00, 0x00, VolumeUseLocal})
	require.NoError(t, err)

	m, err := ParsePlaySound(block, f)
	require.NoError(t, err)
	assert.Equal(t, uint16(5), m.Index)
	assert.Equal(t, VolumeUseLocal, m.Volume)
	assert.Zero(t, m.Token)
}

func TestParse_Rejects(t *testing.T) {
	short, _ := can.NewFrame(0x420, []byte{0x05, 0x00})
	_, err := ParsePlaySound(block, short)
	assert.True(t, errors.Is(err, ErrShortFrame))

	other := PlaySound{Index: 1}.Frame(can.Block(0x43))
	_, err = ParsePlaySound(block, other)
	assert.True(t, errors.Is(err, ErrWrongID))

	remote := can.Frame{ID: 0x421, Len: 1, Remote: true}
	_, err = ParseStopSound(block, remote)
	assert.True(t, errors.Is(err, ErrRemote))
}

func TestSoundAck_WireLayout(t *testing.T) {
	f := SoundAck{Index: 5, Status: StatusSuccess, QueueID: 1, Token: 7}.Frame(block)
	assert.Equal(t, uint16(0x423), f.ID)
	assert.Equal(t, byte(5), f.Data[0])
	assert.Equal(t, byte(0x00), f.Data[1])
	assert.Equal(t, byte(1), f.Data[2])

	m, err := ParseSoundAck(block, f)
	require.NoError(t, err)
	assert.Equal(t, SoundAck{Index: 5, Status: StatusSuccess, QueueID: 1, Token: 7}, m)

	// 三字节的旧式应答仍可解析
	legacy, _ := can.NewFrame(0x423, []byte{0x09, 0x02, 0x00})
	m, err = ParseSoundAck(block, legacy)
	require.NoError(t, err)
	assert.Equal(t, uint16(9), m.Index)
	assert.Equal(t, StatusMixerFull, m.Status)
}

func TestSoundFinished_ReasonAtByteTwo(t *testing.T) {
	f := SoundFinished{QueueID: 3, Index: 0x0203, Reason: ReasonStoppedByUser}.Frame(block)
	assert.Equal(t, uint16(0x425), f.ID)
	assert.Equal(t, [8]byte{3, 0x03, 0x01, 0x02, 0, 0, 0, 0}, f.Data)

	m, err := ParseSoundFinished(block, f)
	require.NoError(t, err)
	assert.Equal(t, ReasonStoppedByUser, m.Reason)
	assert.Equal(t, uint16(0x0203), m.Index)
}

func TestStopMessages(t *testing.T) {
	f := StopSound{QueueID: 9, Token: 0x0102}.Frame(block)
	assert.Equal(t, uint16(0x421), f.ID)
	m, err := ParseStopSound(block, f)
	require.NoError(t, err)
	assert.Equal(t, StopSound{QueueID: 9, Token: 0x0102}, m)

	ack := StopAck{QueueID: 9, Status: StatusUnknownError}.Frame(block)
	assert.Equal(t, uint16(0x424), ack.ID)
	a, err := ParseStopAck(block, ack)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknownError, a.Status)

	all := StopAllFrame(block)
	assert.Equal(t, uint16(0x422), all.ID)
}

func TestSoundStatus_WireLayout(t *testing.T) {
	s := SoundStatus{State: StateReady | StatePlaying, Current: 5, Volume: 80, Uptime: 300, Active: 2}
	f := s.Frame(block)
	assert.Equal(t, uint16(0x426), f.ID)
	assert.Equal(t, [8]byte{0x05, 5, 0, 0, 80, 0x2C, 0x01, 2}, f.Data)

	m, err := ParseSoundStatus(block, f)
	require.NoError(t, err)
	assert.Equal(t, s, m)
	assert.Equal(t, "READY|PLAYING", m.State.String())
}

func TestAnnounceAndQuery(t *testing.T) {
	a := Announce{Type: ModuleTypeAudio, VersionMajor: 1, Caps: CapStatus, Block: 0x42}
	f := a.Frame()
	assert.Equal(t, can.IDModuleAnnounce, f.ID)
	assert.Equal(t, [8]byte{0x01, 1, 0, 0x01, 0x42, 0, 0, 0}, f.Data)

	m, err := ParseAnnounce(f)
	require.NoError(t, err)
	assert.Equal(t, a, m)

	q := QueryFrame()
	assert.True(t, IsQuery(q))
	assert.Equal(t, byte(0xFF), q.Data[0])
	// 查询负载不做约束
	assert.True(t, IsQuery(can.Frame{ID: can.IDModuleQuery}))
}

func TestStatusCodes(t *testing.T) {
	assert.NoError(t, StatusSuccess.Err())
	assert.True(t, errors.Is(StatusMixerFull.Err(), ErrMixerFull))
	assert.True(t, errors.Is(StatusFileNotFound.Err(), ErrFileNotFound))
	assert.True(t, errors.Is(Status(0x42).Err(), ErrUnknown))
	assert.Equal(t, StatusUnknownError, Status(0x42).Normalize())
	assert.Equal(t, "MIXER_FULL", StatusMixerFull.String())
	assert.Equal(t, "STOPPED_BY_USER", ReasonStoppedByUser.String())
}

func TestDescribe(t *testing.T) {
	assert.Contains(t, Describe(QueryFrame()), "MODULE_QUERY")
	assert.Contains(t, Describe(PlaySound{Index: 5, Volume: VolumeUseLocal}.Frame(block)), "idx=5 vol=local")
	assert.Contains(t, Describe(SoundAck{Index: 5, Status: StatusMixerFull}.Frame(block)), "status=MIXER_FULL")
	assert.Contains(t, Describe(StopSound{}.Frame(block)), "qid=*")
	assert.Contains(t, Describe(SoundFinished{QueueID: 1, Reason: ReasonCompleted}.Frame(block)), "reason=COMPLETED")
	assert.Contains(t, Describe(can.Frame{ID: 0x42A, Len: 0}), "UNKNOWN")
}
