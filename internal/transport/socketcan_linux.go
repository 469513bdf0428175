//go:build linux

package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/taoyao-code/can-audio/internal/can"
)

// ErrBusOff 控制器上报 bus-off 错误帧
var ErrBusOff = errors.New("socketcan: bus-off")

const (
	canFrameSize = 16
	canErrBusOff = 0x00000040
)

// SocketCAN Linux 原生 CAN_RAW 套接字驱动
type SocketCAN struct {
	iface     string
	txTimeout time.Duration

	mu sync.Mutex
	fd int
}

// OpenSocketCAN 打开并绑定到网络接口（接口速率由 ip link 配置）
func OpenSocketCAN(iface string, txTimeout time.Duration) (*SocketCAN, error) {
	if txTimeout <= 0 {
		txTimeout = 100 * time.Millisecond
	}
	d := &SocketCAN{iface: iface, txTimeout: txTimeout, fd: -1}
	if err := d.open(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *SocketCAN) open() error {
	ifi, err := net.InterfaceByName(d.iface)
	if err != nil {
		return fmt.Errorf("socketcan: interface %s: %w", d.iface, err)
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("socketcan: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, unix.CAN_ERR_MASK); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("socketcan: err filter: %w", err)
	}
	tv := unix.NsecToTimeval(d.txTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("socketcan: sndtimeo: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("socketcan: bind %s: %w", d.iface, err)
	}
	d.mu.Lock()
	d.fd = fd
	d.mu.Unlock()
	return nil
}

func (d *SocketCAN) handle() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return -1, ErrClosed
	}
	return d.fd, nil
}

func (d *SocketCAN) Name() string { return "socketcan:" + d.iface }

func (d *SocketCAN) WriteFrame(_ context.Context, f can.Frame) error {
	fd, err := d.handle()
	if err != nil {
		return err
	}
	var buf [canFrameSize]byte
	id := uint32(f.ID) & unix.CAN_SFF_MASK
	if f.Remote {
		id |= unix.CAN_RTR_FLAG
	}
	binary.NativeEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:], f.Payload())

	if _, err := unix.Write(fd, buf[:]); err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOBUFS) {
			return ErrTimeout
		}
		return err
	}
	return nil
}

func (d *SocketCAN) ReadFrame(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	if err := ctx.Err(); err != nil {
		return can.Frame{}, err
	}
	fd, err := d.handle()
	if err != nil {
		return can.Frame{}, err
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return can.Frame{}, err
	}

	for {
		var buf [canFrameSize]byte
		n, err := unix.Read(fd, buf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return can.Frame{}, ErrTimeout
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return can.Frame{}, err
		}
		if n < canFrameSize {
			return can.Frame{}, fmt.Errorf("socketcan: short read %d", n)
		}

		id := binary.NativeEndian.Uint32(buf[0:4])
		if id&unix.CAN_ERR_FLAG != 0 {
			if id&canErrBusOff != 0 {
				return can.Frame{}, ErrBusOff
			}
			return can.Frame{}, fmt.Errorf("socketcan: error frame 0x%08X", id&unix.CAN_ERR_MASK)
		}
		if id&unix.CAN_EFF_FLAG != 0 {
			// 扩展帧不属于本协议族
			continue
		}

		f := can.Frame{ID: uint16(id & unix.CAN_SFF_MASK), Remote: id&unix.CAN_RTR_FLAG != 0}
		f.Len = buf[4]
		if f.Len > can.MaxDataLen {
			f.Len = can.MaxDataLen
		}
		copy(f.Data[:], buf[8:8+int(f.Len)])
		return f, nil
	}
}

// Reset 重新打开套接字；控制器级 bus-off 重启由内核 restart-ms 负责
func (d *SocketCAN) Reset() error {
	d.mu.Lock()
	if d.fd >= 0 {
		_ = unix.Close(d.fd)
		d.fd = -1
	}
	d.mu.Unlock()
	return d.open()
}

func (d *SocketCAN) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
