package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/taoyao-code/can-audio/internal/can"
)

// ErrAdapter 适配器以 BEL 应答，表示命令失败或总线错误
var ErrAdapter = errors.New("slcan: adapter reported error")

// SLCAN 位速率命令（仅支持原系统使用的四档）
var slcanBitrates = map[int]byte{
	125000:  '4',
	250000:  '5',
	500000:  '6',
	1000000: '8',
}

// SLCANConfig 串口 CAN 适配器配置
type SLCANConfig struct {
	Device      string
	Baud        int
	Bitrate     int
	ReadTimeout time.Duration
}

// SLCAN 通过 LAWICEL ASCII 协议驱动 USB/串口 CAN 适配器
type SLCAN struct {
	port    io.ReadWriteCloser
	name    string
	bitrate byte

	writeMu sync.Mutex
	rx      chan can.Frame
	errs    chan error
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// OpenSLCAN 打开串口并初始化适配器
func OpenSLCAN(cfg SLCANConfig) (*SLCAN, error) {
	code, ok := slcanBitrates[cfg.Bitrate]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBitrate, cfg.Bitrate)
	}
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 50 * time.Millisecond
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err)
	}
	d, err := newSLCAN(port, cfg.Device, code)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return d, nil
}

func newSLCAN(port io.ReadWriteCloser, name string, bitrate byte) (*SLCAN, error) {
	d := &SLCAN{
		port:    port,
		name:    name,
		bitrate: bitrate,
		rx:      make(chan can.Frame, 128),
		errs:    make(chan error, 8),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if err := d.open(); err != nil {
		return nil, err
	}
	go d.readLoop()
	return d, nil
}

// open 关闭通道、设置速率、打开通道
func (d *SLCAN) open() error {
	for _, cmd := range []string{"C\r", "S" + string(d.bitrate) + "\r", "O\r"} {
		if err := d.write([]byte(cmd)); err != nil {
			return fmt.Errorf("slcan init %q: %w", cmd[:1], err)
		}
	}
	return nil
}

func (d *SLCAN) write(b []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err := d.port.Write(b)
	return err
}

func (d *SLCAN) Name() string { return "slcan:" + d.name }

func (d *SLCAN) WriteFrame(_ context.Context, f can.Frame) error {
	return d.write(EncodeSLCAN(f))
}

func (d *SLCAN) ReadFrame(ctx context.Context, timeout time.Duration) (can.Frame, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case f := <-d.rx:
		return f, nil
	case err := <-d.errs:
		return can.Frame{}, err
	case <-t.C:
		return can.Frame{}, ErrTimeout
	case <-ctx.Done():
		return can.Frame{}, ctx.Err()
	case <-d.stop:
		return can.Frame{}, ErrClosed
	}
}

// Reset 重新初始化通道并清空积压的错误
func (d *SLCAN) Reset() error {
drain:
	for {
		select {
		case <-d.errs:
		default:
			break drain
		}
	}
	return d.open()
}

func (d *SLCAN) Close() error {
	var err error
	d.once.Do(func() {
		_ = d.write([]byte("C\r"))
		close(d.stop)
		err = d.port.Close()
		<-d.done
	})
	return err
}

func (d *SLCAN) readLoop() {
	defer close(d.done)

	buf := make([]byte, 256)
	line := make([]byte, 0, 32)
	for {
		select {
		case <-d.stop:
			return
		default:
		}

		n, err := d.port.Read(buf)
		for _, b := range buf[:n] {
			switch b {
			case '\r':
				if f, ok := parseSLCANLine(line); ok {
					d.pushFrame(f)
				}
				line = line[:0]
			case 0x07:
				d.pushErr(ErrAdapter)
				line = line[:0]
			default:
				if len(line) < cap(line) {
					line = append(line, b)
				} else {
					line = line[:0]
				}
			}
		}

		if err != nil {
			select {
			case <-d.stop:
				return
			default:
			}
			// 串口读超时在 Linux 上表现为 0 字节 + EOF
			if errors.Is(err, io.EOF) && n == 0 {
				continue
			}
			d.pushErr(err)
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// pushFrame 接收缓冲满时丢弃最旧的帧
func (d *SLCAN) pushFrame(f can.Frame) {
	for {
		select {
		case d.rx <- f:
			return
		default:
		}
		select {
		case <-d.rx:
		default:
		}
	}
}

func (d *SLCAN) pushErr(err error) {
	select {
	case d.errs <- err:
	default:
	}
}

// EncodeSLCAN 编码为 "tIIIL<data>\r" 或远程帧 "rIIIL\r"
func EncodeSLCAN(f can.Frame) []byte {
	kind := byte('t')
	if f.Remote {
		kind = 'r'
	}
	out := make([]byte, 0, 6+2*can.MaxDataLen)
	out = append(out, kind)
	out = append(out, fmt.Sprintf("%03X%d", f.ID&can.MaxStdID, f.Len)...)
	if !f.Remote {
		hexData := make([]byte, hex.EncodedLen(int(f.Len)))
		hex.Encode(hexData, f.Payload())
		for i, c := range hexData {
			if c >= 'a' && c <= 'f' {
				hexData[i] = c - 'a' + 'A'
			}
		}
		out = append(out, hexData...)
	}
	return append(out, '\r')
}

// ParseSLCAN 解析一行（不含结尾 \r）。扩展帧与应答行返回 false。
func ParseSLCAN(line string) (can.Frame, bool) {
	return parseSLCANLine([]byte(line))
}

func parseSLCANLine(line []byte) (can.Frame, bool) {
	if len(line) < 5 {
		return can.Frame{}, false
	}
	var f can.Frame
	switch line[0] {
	case 't':
	case 'r':
		f.Remote = true
	default:
		// 'T'/'R' 扩展帧不属于本协议族；'z'/'Z' 为发送确认
		return can.Frame{}, false
	}

	id, err := strconv.ParseUint(string(line[1:4]), 16, 16)
	if err != nil || id > can.MaxStdID {
		return can.Frame{}, false
	}
	n := int(line[4] - '0')
	if n < 0 || n > can.MaxDataLen {
		return can.Frame{}, false
	}
	f.ID = uint16(id)
	f.Len = uint8(n)
	if f.Remote {
		return f, true
	}
	data := line[5:]
	if len(data) < 2*n {
		return can.Frame{}, false
	}
	if _, err := hex.Decode(f.Data[:n], data[:2*n]); err != nil {
		return can.Frame{}, false
	}
	return f, true
}
