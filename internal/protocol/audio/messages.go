package audio

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/taoyao-code/can-audio/internal/can"
)

var (
	ErrShortFrame = errors.New("audio: frame too short")
	ErrWrongID    = errors.New("audio: unexpected identifier")
	ErrRemote     = errors.New("audio: remote frame")
)

// 各消息最小有效长度，低于该长度的帧被丢弃
const (
	minPlaySound     = 4
	minStopSound     = 1
	minSoundAck      = 3
	minStopAck       = 2
	minSoundFinished = 3
	minSoundStatus   = 7
	minAnnounce      = 5
)

// PlaySound 0x?0 主控 -> 外设
// [idxLo, idxHi, flags, volume, reserved, tokenLo, tokenHi, 0]
type PlaySound struct {
	Index  uint16
	Flags  Flags
	Volume uint8
	Token  uint16
}

// StopSound 0x?1 主控 -> 外设，QueueID 为 0 表示通配
// [queueId, 0, 0, tokenLo, tokenHi, 0, 0, 0]
type StopSound struct {
	QueueID uint8
	Token   uint16
}

// SoundAck 0x?3 外设 -> 主控
// [idxLo, status, queueId, idxHi, tokenLo, tokenHi, 0, 0]
type SoundAck struct {
	Index   uint16
	Status  Status
	QueueID uint8
	Token   uint16
}

// StopAck 0x?4 外设 -> 主控
// [queueId, status, 0, tokenLo, tokenHi, 0, 0, 0]
type StopAck struct {
	QueueID uint8
	Status  Status
	Token   uint16
}

// SoundFinished 0x?5 外设 -> 主控（主动上报）
// [queueId, idxLo, reason, idxHi, 0, 0, 0, 0]
type SoundFinished struct {
	QueueID uint8
	Index   uint16
	Reason  Reason
}

// SoundStatus 0x?6 外设 -> 主控（周期上报）
// [stateBits, curIdxLo, curIdxHi, errorCode, volume, uptimeLo, uptimeHi, activeCount]
type SoundStatus struct {
	State     StateBits
	Current   uint16
	ErrorCode uint8
	Volume    uint8
	Uptime    uint16
	Active    uint8
}

// NoSound SOUND_STATUS 空闲时的当前音效索引
const NoSound uint16 = 0xFFFF

func build(id uint16, data [8]byte) can.Frame {
	return can.Frame{ID: id, Len: can.MaxDataLen, Data: data}
}

func check(f can.Frame, id uint16, min int) error {
	if f.Remote {
		return ErrRemote
	}
	if f.ID != id {
		return fmt.Errorf("%w: 0x%03X != 0x%03X", ErrWrongID, f.ID, id)
	}
	if int(f.Len) < min || f.Len > can.MaxDataLen {
		return fmt.Errorf("%w: 0x%03X len=%d", ErrShortFrame, f.ID, f.Len)
	}
	return nil
}

// Frame 编码到指定模块块
func (m PlaySound) Frame(b can.Block) can.Frame {
	var d [8]byte
	binary.LittleEndian.PutUint16(d[0:2], m.Index)
	d[2] = uint8(m.Flags)
	d[3] = m.Volume
	binary.LittleEndian.PutUint16(d[5:7], m.Token)
	return build(b.ID(can.OffsetPlaySound), d)
}

// ParsePlaySound 解析 PLAY_SOUND；token 字段缺失时为 0
func ParsePlaySound(b can.Block, f can.Frame) (PlaySound, error) {
	if err := check(f, b.ID(can.OffsetPlaySound), minPlaySound); err != nil {
		return PlaySound{}, err
	}
	m := PlaySound{
		Index:  binary.LittleEndian.Uint16(f.Data[0:2]),
		Flags:  Flags(f.Data[2]),
		Volume: f.Data[3],
	}
	if f.Len >= 7 {
		m.Token = binary.LittleEndian.Uint16(f.Data[5:7])
	}
	return m, nil
}

func (m StopSound) Frame(b can.Block) can.Frame {
	var d [8]byte
	d[0] = m.QueueID
	binary.LittleEndian.PutUint16(d[3:5], m.Token)
	return build(b.ID(can.OffsetStopSound), d)
}

func ParseStopSound(b can.Block, f can.Frame) (StopSound, error) {
	if err := check(f, b.ID(can.OffsetStopSound), minStopSound); err != nil {
		return StopSound{}, err
	}
	m := StopSound{QueueID: f.Data[0]}
	if f.Len >= 5 {
		m.Token = binary.LittleEndian.Uint16(f.Data[3:5])
	}
	return m, nil
}

// StopAllFrame STOP_ALL 无确认
func StopAllFrame(b can.Block) can.Frame {
	return build(b.ID(can.OffsetStopAll), [8]byte{})
}

func (m SoundAck) Frame(b can.Block) can.Frame {
	var d [8]byte
	d[0] = uint8(m.Index)
	d[1] = uint8(m.Status)
	d[2] = m.QueueID
	d[3] = uint8(m.Index >> 8)
	binary.LittleEndian.PutUint16(d[4:6], m.Token)
	return build(b.ID(can.OffsetSoundAck), d)
}

func ParseSoundAck(b can.Block, f can.Frame) (SoundAck, error) {
	if err := check(f, b.ID(can.OffsetSoundAck), minSoundAck); err != nil {
		return SoundAck{}, err
	}
	m := SoundAck{
		Index:   uint16(f.Data[0]),
		Status:  Status(f.Data[1]),
		QueueID: f.Data[2],
	}
	if f.Len >= 4 {
		m.Index |= uint16(f.Data[3]) << 8
	}
	if f.Len >= 6 {
		m.Token = binary.LittleEndian.Uint16(f.Data[4:6])
	}
	return m, nil
}

func (m StopAck) Frame(b can.Block) can.Frame {
	var d [8]byte
	d[0] = m.QueueID
	d[1] = uint8(m.Status)
	binary.LittleEndian.PutUint16(d[3:5], m.Token)
	return build(b.ID(can.OffsetStopAck), d)
}

func ParseStopAck(b can.Block, f can.Frame) (StopAck, error) {
	if err := check(f, b.ID(can.OffsetStopAck), minStopAck); err != nil {
		return StopAck{}, err
	}
	m := StopAck{QueueID: f.Data[0], Status: Status(f.Data[1])}
	if f.Len >= 5 {
		m.Token = binary.LittleEndian.Uint16(f.Data[3:5])
	}
	return m, nil
}

func (m SoundFinished) Frame(b can.Block) can.Frame {
	var d [8]byte
	d[0] = m.QueueID
	d[1] = uint8(m.Index)
	d[2] = uint8(m.Reason)
	d[3] = uint8(m.Index >> 8)
	return build(b.ID(can.OffsetSoundFinished), d)
}

func ParseSoundFinished(b can.Block, f can.Frame) (SoundFinished, error) {
	if err := check(f, b.ID(can.OffsetSoundFinished), minSoundFinished); err != nil {
		return SoundFinished{}, err
	}
	m := SoundFinished{
		QueueID: f.Data[0],
		Index:   uint16(f.Data[1]),
		Reason:  Reason(f.Data[2]),
	}
	if f.Len >= 4 {
		m.Index |= uint16(f.Data[3]) << 8
	}
	return m, nil
}

func (m SoundStatus) Frame(b can.Block) can.Frame {
	var d [8]byte
	d[0] = uint8(m.State)
	binary.LittleEndian.PutUint16(d[1:3], m.Current)
	d[3] = m.ErrorCode
	d[4] = m.Volume
	binary.LittleEndian.PutUint16(d[5:7], m.Uptime)
	d[7] = m.Active
	return build(b.ID(can.OffsetSoundStatus), d)
}

func ParseSoundStatus(b can.Block, f can.Frame) (SoundStatus, error) {
	if err := check(f, b.ID(can.OffsetSoundStatus), minSoundStatus); err != nil {
		return SoundStatus{}, err
	}
	m := SoundStatus{
		State:     StateBits(f.Data[0]),
		Current:   binary.LittleEndian.Uint16(f.Data[1:3]),
		ErrorCode: f.Data[3],
		Volume:    f.Data[4],
		Uptime:    binary.LittleEndian.Uint16(f.Data[5:7]),
	}
	if f.Len >= 8 {
		m.Active = f.Data[7]
	}
	return m, nil
}

// Announce MODULE_ANNOUNCE 模块自描述
// [type, verMaj, verMin, caps, block, nodeId, 0, 0]
type Announce struct {
	Type         ModuleType
	VersionMajor uint8
	VersionMinor uint8
	Caps         Caps
	Block        can.Block
	NodeID       uint8
}

func (m Announce) Frame() can.Frame {
	d := [8]byte{uint8(m.Type), m.VersionMajor, m.VersionMinor, uint8(m.Caps), uint8(m.Block), m.NodeID}
	return build(can.IDModuleAnnounce, d)
}

func ParseAnnounce(f can.Frame) (Announce, error) {
	if err := check(f, can.IDModuleAnnounce, minAnnounce); err != nil {
		return Announce{}, err
	}
	m := Announce{
		Type:         ModuleType(f.Data[0]),
		VersionMajor: f.Data[1],
		VersionMinor: f.Data[2],
		Caps:         Caps(f.Data[3]),
		Block:        can.Block(f.Data[4]),
	}
	if f.Len >= 6 {
		m.NodeID = f.Data[5]
	}
	return m, nil
}

// QueryFrame MODULE_QUERY 广播（负载约定为 0xFF + 7 个 0）
func QueryFrame() can.Frame {
	return build(can.IDModuleQuery, [8]byte{0xFF})
}

// IsQuery 任何 0x411 数据帧都视为查询，负载不做约束
func IsQuery(f can.Frame) bool {
	return f.ID == can.IDModuleQuery && !f.Remote
}
