package can

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// CAN 2.0A 帧约束
const (
	MaxDataLen = 8
	MaxStdID   = 0x7FF
)

var (
	ErrIDOutOfRange = errors.New("can: identifier exceeds 11 bits")
	ErrDataTooLong  = errors.New("can: payload exceeds 8 bytes")
)

// Frame 一帧标准 CAN 报文（11 位标识符，最多 8 字节数据）
type Frame struct {
	ID       uint16
	Len      uint8
	Data     [MaxDataLen]byte
	Extended bool
	Remote   bool
}

// NewFrame 构造数据帧，payload 超过 8 字节或 id 超过 11 位时返回错误
func NewFrame(id uint16, payload []byte) (Frame, error) {
	var f Frame
	if id > MaxStdID {
		return f, fmt.Errorf("%w: 0x%X", ErrIDOutOfRange, id)
	}
	if len(payload) > MaxDataLen {
		return f, fmt.Errorf("%w: %d", ErrDataTooLong, len(payload))
	}
	f.ID = id
	f.Len = uint8(len(payload))
	copy(f.Data[:], payload)
	return f, nil
}

// Payload 返回有效数据部分
func (f Frame) Payload() []byte {
	n := f.Len
	if n > MaxDataLen {
		n = MaxDataLen
	}
	return f.Data[:n]
}

// Validate 校验帧结构不变量
func (f Frame) Validate() error {
	if f.ID > MaxStdID {
		return fmt.Errorf("%w: 0x%X", ErrIDOutOfRange, f.ID)
	}
	if f.Len > MaxDataLen {
		return fmt.Errorf("%w: %d", ErrDataTooLong, f.Len)
	}
	return nil
}

// String 紧凑的十六进制表示，例如 "420#0500030064000000"
func (f Frame) String() string {
	if f.Remote {
		return fmt.Sprintf("%03X#R%d", f.ID, f.Len)
	}
	return fmt.Sprintf("%03X#%s", f.ID, hex.EncodeToString(f.Payload()))
}
