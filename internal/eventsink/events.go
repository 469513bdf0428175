// Package eventsink 协议事件外发：日志、Redis 列表、数据库流水。
package eventsink

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taoyao-code/can-audio/internal/discovery"
	"github.com/taoyao-code/can-audio/internal/dispatcher"
)

// Type 事件类型
type Type string

const (
	TypeSoundAcknowledged Type = "sound.acknowledged"
	TypeSoundRejected     Type = "sound.rejected"
	TypeSoundCompleted    Type = "sound.completed"
	TypeStopAcknowledged  Type = "stop.acknowledged"
	TypeStopRejected      Type = "stop.rejected"
	TypeNoResponse        Type = "request.no_response"
	TypeModuleDiscovered  Type = "module.discovered"
)

// Event 标准事件
type Event struct {
	EventID   string    `json:"event_id"`
	Type      Type      `json:"event_type"`
	Instance  string    `json:"instance,omitempty"`
	Block     uint8     `json:"block"`
	Token     uint16    `json:"token,omitempty"`
	Index     uint16    `json:"sound_index,omitempty"`
	QueueID   uint8     `json:"queue_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	LatencyMs float64   `json:"latency_ms,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FromRequest 按请求状态生成事件；中间态返回 false
func FromRequest(r dispatcher.Request) (Event, bool) {
	e := Event{
		EventID:   uuid.NewString(),
		Block:     uint8(r.Block),
		Token:     r.Token,
		Index:     r.Index,
		QueueID:   r.QueueID,
		Timestamp: r.SentAt,
	}
	if lat := r.AckLatency(); lat > 0 {
		e.LatencyMs = float64(lat) / float64(time.Millisecond)
	}
	switch r.State {
	case dispatcher.StateAcknowledged:
		e.Type = TypeSoundAcknowledged
		e.Status = r.Status.String()
		e.Timestamp = r.AckAt
	case dispatcher.StateRejected:
		e.Type = TypeSoundRejected
		if r.Kind == dispatcher.KindStop {
			e.Type = TypeStopRejected
		}
		e.Status = r.Status.String()
		e.Timestamp = r.DoneAt
	case dispatcher.StateCompleted:
		if r.Kind == dispatcher.KindStop {
			e.Type = TypeStopAcknowledged
			e.Status = r.Status.String()
		} else {
			e.Type = TypeSoundCompleted
			e.Reason = r.Reason.String()
		}
		e.Timestamp = r.DoneAt
	case dispatcher.StateNoResponse:
		e.Type = TypeNoResponse
		e.Timestamp = r.DoneAt
	default:
		return Event{}, false
	}
	return e, true
}

// FromModule 新模块被发现
func FromModule(m discovery.Module) Event {
	return Event{
		EventID:   uuid.NewString(),
		Type:      TypeModuleDiscovered,
		Block:     uint8(m.Block),
		Status:    m.Key.String() + " v" + m.Version(),
		Timestamp: m.LastSeen,
	}
}

// Sink 事件接收方
type Sink interface {
	Name() string
	Publish(ctx context.Context, e Event) error
}
