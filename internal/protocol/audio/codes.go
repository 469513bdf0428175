package audio

import (
	"errors"
	"fmt"
)

// Flags PLAY_SOUND 标志位
type Flags uint8

const (
	FlagLoop      Flags = 1 << 0 // 循环播放，直到显式停止
	FlagInterrupt Flags = 1 << 1 // 混音器满时抢占
	FlagPriority  Flags = 1 << 2 // 高优先级，抢占时最后被驱逐
)

func (f Flags) Loop() bool      { return f&FlagLoop != 0 }
func (f Flags) Interrupt() bool { return f&FlagInterrupt != 0 }
func (f Flags) Priority() bool  { return f&FlagPriority != 0 }

// VolumeUseLocal 音量字段取该值时使用外设本地音量
const VolumeUseLocal uint8 = 0xFF

// QueueIDNone 0 保留为"无"；STOP_SOUND 中表示通配
const QueueIDNone uint8 = 0x00

// Status SOUND_ACK / STOP_ACK 状态码（封闭集合）
type Status uint8

const (
	StatusSuccess      Status = 0x00
	StatusFileNotFound Status = 0x01
	StatusMixerFull    Status = 0x02
	StatusSourceError  Status = 0x03
	StatusUnknownError Status = 0xFF
)

// 状态码对应的错误，供 API 调用方使用 errors.Is 判断
var (
	ErrFileNotFound = errors.New("audio: file not found")
	ErrMixerFull    = errors.New("audio: mixer full")
	ErrSourceError  = errors.New("audio: source error")
	ErrUnknown      = errors.New("audio: unknown error")
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFileNotFound:
		return "FILE_NOT_FOUND"
	case StatusMixerFull:
		return "MIXER_FULL"
	case StatusSourceError:
		return "SOURCE_ERROR"
	case StatusUnknownError:
		return "UNKNOWN_ERROR"
	default:
		return fmt.Sprintf("STATUS_0x%02X", uint8(s))
	}
}

// Err 非成功状态映射为错误，成功返回 nil
func (s Status) Err() error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusFileNotFound:
		return ErrFileNotFound
	case StatusMixerFull:
		return ErrMixerFull
	case StatusSourceError:
		return ErrSourceError
	default:
		return fmt.Errorf("%w (%s)", ErrUnknown, s)
	}
}

// Normalize 将集合外的值收敛为 UNKNOWN_ERROR
func (s Status) Normalize() Status {
	switch s {
	case StatusSuccess, StatusFileNotFound, StatusMixerFull, StatusSourceError:
		return s
	default:
		return StatusUnknownError
	}
}

// Reason SOUND_FINISHED 结束原因
type Reason uint8

const (
	ReasonCompleted     Reason = 0x00
	ReasonStoppedByUser Reason = 0x01
	ReasonPlaybackError Reason = 0x02
)

func (r Reason) String() string {
	switch r {
	case ReasonCompleted:
		return "COMPLETED"
	case ReasonStoppedByUser:
		return "STOPPED_BY_USER"
	case ReasonPlaybackError:
		return "PLAYBACK_ERROR"
	default:
		return fmt.Sprintf("REASON_0x%02X", uint8(r))
	}
}

// StateBits SOUND_STATUS 状态位
type StateBits uint8

const (
	StateReady     StateBits = 1 << 0
	StateSDMounted StateBits = 1 << 1
	StatePlaying   StateBits = 1 << 2
	StateMuted     StateBits = 1 << 3
	StateError     StateBits = 1 << 4
)

func (b StateBits) Has(bit StateBits) bool { return b&bit != 0 }

func (b StateBits) String() string {
	names := []struct {
		bit  StateBits
		name string
	}{
		{StateReady, "READY"},
		{StateSDMounted, "SD"},
		{StatePlaying, "PLAYING"},
		{StateMuted, "MUTED"},
		{StateError, "ERROR"},
	}
	out := ""
	for _, n := range names {
		if b.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "-"
	}
	return out
}

// 模块类型
type ModuleType uint8

const (
	ModuleTypeNone  ModuleType = 0x00
	ModuleTypeAudio ModuleType = 0x01
)

func (t ModuleType) String() string {
	switch t {
	case ModuleTypeNone:
		return "none"
	case ModuleTypeAudio:
		return "audio"
	default:
		return fmt.Sprintf("type-0x%02X", uint8(t))
	}
}

// Caps 模块能力位
type Caps uint8

const (
	CapStatus  Caps = 1 << 0 // 周期性状态上报
	CapOTA     Caps = 1 << 1
	CapBattery Caps = 1 << 2
)
