package audio

import (
	"fmt"

	"github.com/taoyao-code/can-audio/internal/can"
)

// MessageName 帧标识符对应的消息名（按块内偏移识别，与具体块无关）
func MessageName(id uint16) string {
	switch id {
	case can.IDModuleAnnounce:
		return "MODULE_ANNOUNCE"
	case can.IDModuleQuery:
		return "MODULE_QUERY"
	}
	if can.IsDiscovery(id) {
		return "DISCOVERY"
	}
	switch can.Offset(id) {
	case can.OffsetPlaySound:
		return "PLAY_SOUND"
	case can.OffsetStopSound:
		return "STOP_SOUND"
	case can.OffsetStopAll:
		return "STOP_ALL"
	case can.OffsetSoundAck:
		return "SOUND_ACK"
	case can.OffsetStopAck:
		return "STOP_ACK"
	case can.OffsetSoundFinished:
		return "SOUND_FINISHED"
	case can.OffsetSoundStatus:
		return "SOUND_STATUS"
	default:
		return "UNKNOWN"
	}
}

// Describe 人类可读的帧解码，用于日志与控制台监视
func Describe(f can.Frame) string {
	name := MessageName(f.ID)
	b := can.Block(f.ID >> 4)
	var detail string

	switch {
	case f.ID == can.IDModuleQuery:
		detail = "broadcast"
	case f.ID == can.IDModuleAnnounce:
		if m, err := ParseAnnounce(f); err == nil {
			detail = fmt.Sprintf("type=%s v%d.%d caps=0x%02X block=0x%02X node=%d",
				m.Type, m.VersionMajor, m.VersionMinor, uint8(m.Caps), uint8(m.Block), m.NodeID)
		}
	case can.IsDiscovery(f.ID):
	default:
		detail = describeBlock(b, f)
	}

	if detail == "" {
		return fmt.Sprintf("%s %s", f, name)
	}
	return fmt.Sprintf("%s %s %s", f, name, detail)
}

func describeBlock(b can.Block, f can.Frame) string {
	switch can.Offset(f.ID) {
	case can.OffsetPlaySound:
		if m, err := ParsePlaySound(b, f); err == nil {
			vol := fmt.Sprintf("%d", m.Volume)
			if m.Volume == VolumeUseLocal {
				vol = "local"
			}
			return fmt.Sprintf("idx=%d vol=%s loop=%t interrupt=%t priority=%t token=%d",
				m.Index, vol, m.Flags.Loop(), m.Flags.Interrupt(), m.Flags.Priority(), m.Token)
		}
	case can.OffsetStopSound:
		if m, err := ParseStopSound(b, f); err == nil {
			if m.QueueID == QueueIDNone {
				return "qid=* (current)"
			}
			return fmt.Sprintf("qid=%d", m.QueueID)
		}
	case can.OffsetStopAll:
		return ""
	case can.OffsetSoundAck:
		if m, err := ParseSoundAck(b, f); err == nil {
			return fmt.Sprintf("idx=%d status=%s qid=%d token=%d", m.Index, m.Status, m.QueueID, m.Token)
		}
	case can.OffsetStopAck:
		if m, err := ParseStopAck(b, f); err == nil {
			return fmt.Sprintf("qid=%d status=%s", m.QueueID, m.Status)
		}
	case can.OffsetSoundFinished:
		if m, err := ParseSoundFinished(b, f); err == nil {
			return fmt.Sprintf("qid=%d idx=%d reason=%s", m.QueueID, m.Index, m.Reason)
		}
	case can.OffsetSoundStatus:
		if m, err := ParseSoundStatus(b, f); err == nil {
			cur := "idle"
			if m.Current != NoSound {
				cur = fmt.Sprintf("%d", m.Current)
			}
			return fmt.Sprintf("state=%s current=%s err=%d vol=%d uptime=%ds active=%d",
				m.State, cur, m.ErrorCode, m.Volume, m.Uptime, m.Active)
		}
	default:
		return ""
	}
	return "(malformed)"
}
