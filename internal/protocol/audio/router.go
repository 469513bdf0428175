package audio

import (
	"context"
	"errors"

	"github.com/taoyao-code/can-audio/internal/can"
)

// 丢弃原因（用于指标标签）
const (
	DropUnknownID = "unknown_id"
	DropMalformed = "malformed"
	DropRemote    = "remote"
	DropForeign   = "foreign_block"
	// DropExtended 29 位扩展帧：标识符空间不同，不属于本协议
	DropExtended = "extended"
)

// DropFunc 帧被静默丢弃时回调
type DropFunc func(f can.Frame, reason string)

// PeripheralHandler 外设侧消息处理器
type PeripheralHandler interface {
	HandleQuery(ctx context.Context) error
	HandlePlaySound(ctx context.Context, m PlaySound) error
	HandleStopSound(ctx context.Context, m StopSound) error
	HandleStopAll(ctx context.Context) error
}

// ControllerHandler 主控侧消息处理器
type ControllerHandler interface {
	HandleAnnounce(ctx context.Context, m Announce) error
	HandleSoundAck(ctx context.Context, b can.Block, m SoundAck) error
	HandleStopAck(ctx context.Context, b can.Block, m StopAck) error
	HandleSoundFinished(ctx context.Context, b can.Block, m SoundFinished) error
	HandleSoundStatus(ctx context.Context, b can.Block, m SoundStatus) error
}

// PeripheralRouter 按标识符把帧分发到外设处理器。
// 未识别或格式错误的帧静默丢弃，仅通过 DropFunc 计数。
type PeripheralRouter struct {
	block   can.Block
	handler PeripheralHandler
	onDrop  DropFunc
}

// NewPeripheralRouter 创建外设路由器
func NewPeripheralRouter(block can.Block, handler PeripheralHandler, onDrop DropFunc) *PeripheralRouter {
	if onDrop == nil {
		onDrop = func(can.Frame, string) {}
	}
	return &PeripheralRouter{block: block, handler: handler, onDrop: onDrop}
}

// Route 路由一帧；只返回处理器自身的错误
func (r *PeripheralRouter) Route(ctx context.Context, f can.Frame) error {
	if f.Extended {
		r.onDrop(f, DropExtended)
		return nil
	}
	if f.Remote {
		r.onDrop(f, DropRemote)
		return nil
	}
	if IsQuery(f) {
		return r.handler.HandleQuery(ctx)
	}
	if !r.block.Contains(f.ID) {
		r.onDrop(f, DropForeign)
		return nil
	}

	switch can.Offset(f.ID) {
	case can.OffsetPlaySound:
		m, err := ParsePlaySound(r.block, f)
		if err != nil {
			r.onDrop(f, DropMalformed)
			return nil
		}
		return r.handler.HandlePlaySound(ctx, m)
	case can.OffsetStopSound:
		m, err := ParseStopSound(r.block, f)
		if err != nil {
			r.onDrop(f, DropMalformed)
			return nil
		}
		return r.handler.HandleStopSound(ctx, m)
	case can.OffsetStopAll:
		return r.handler.HandleStopAll(ctx)
	default:
		// 块内其他 ID（包括其他外设的应答）
		r.onDrop(f, DropUnknownID)
		return nil
	}
}

// ControllerRouter 主控侧路由器。known 判断块是否属于已发现模块。
type ControllerRouter struct {
	handler ControllerHandler
	known   func(can.Block) bool
	onDrop  DropFunc
}

// NewControllerRouter 创建主控路由器
func NewControllerRouter(handler ControllerHandler, known func(can.Block) bool, onDrop DropFunc) *ControllerRouter {
	if onDrop == nil {
		onDrop = func(can.Frame, string) {}
	}
	if known == nil {
		known = func(can.Block) bool { return true }
	}
	return &ControllerRouter{handler: handler, known: known, onDrop: onDrop}
}

// Route 路由一帧
func (r *ControllerRouter) Route(ctx context.Context, f can.Frame) error {
	if f.Extended {
		r.onDrop(f, DropExtended)
		return nil
	}
	if f.Remote {
		r.onDrop(f, DropRemote)
		return nil
	}
	if f.ID == can.IDModuleAnnounce {
		m, err := ParseAnnounce(f)
		if err != nil {
			r.onDrop(f, DropMalformed)
			return nil
		}
		return r.handler.HandleAnnounce(ctx, m)
	}
	if can.IsDiscovery(f.ID) {
		// 其他主控的查询等
		r.onDrop(f, DropUnknownID)
		return nil
	}

	b := can.Block(f.ID >> 4)
	if !r.known(b) {
		r.onDrop(f, DropForeign)
		return nil
	}

	var err error
	switch can.Offset(f.ID) {
	case can.OffsetSoundAck:
		var m SoundAck
		if m, err = ParseSoundAck(b, f); err == nil {
			return r.handler.HandleSoundAck(ctx, b, m)
		}
	case can.OffsetStopAck:
		var m StopAck
		if m, err = ParseStopAck(b, f); err == nil {
			return r.handler.HandleStopAck(ctx, b, m)
		}
	case can.OffsetSoundFinished:
		var m SoundFinished
		if m, err = ParseSoundFinished(b, f); err == nil {
			return r.handler.HandleSoundFinished(ctx, b, m)
		}
	case can.OffsetSoundStatus:
		var m SoundStatus
		if m, err = ParseSoundStatus(b, f); err == nil {
			return r.handler.HandleSoundStatus(ctx, b, m)
		}
	default:
		err = errUnknownOffset
	}

	if errors.Is(err, errUnknownOffset) {
		r.onDrop(f, DropUnknownID)
	} else {
		r.onDrop(f, DropMalformed)
	}
	return nil
}

var errUnknownOffset = errors.New("audio: unknown offset")
