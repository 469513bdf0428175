package transport

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/can-audio/internal/can"
)

func TestEncodeSLCAN(t *testing.T) {
	f, _ := can.NewFrame(0x420, []byte{0x05, 0x00, 0x00, 0x64, 0x00, 0xab, 0x00, 0x00})
	assert.Equal(t, "t42080500006400AB0000\r", string(EncodeSLCAN(f)))

	assert.Equal(t, "t4220\r", string(EncodeSLCAN(can.Frame{ID: 0x422})))
	assert.Equal(t, "r4113\r", string(EncodeSLCAN(can.Frame{ID: 0x411, Len: 3, Remote: true})))
}

func TestParseSLCAN(t *testing.T) {
	f, ok := ParseSLCAN("t4233050001")
	require.True(t, ok)
	assert.Equal(t, uint16(0x423), f.ID)
	assert.Equal(t, []byte{0x05, 0x00, 0x01}, f.Payload())

	f, ok = ParseSLCAN("r4110")
	require.True(t, ok)
	assert.True(t, f.Remote)

	// 扩展帧、确认行、长度错误、非法十六进制、超出 11 位的 ID
	for _, bad := range []string{"", "z", "T1234567810", "t42", "t4239", "t4232zz00", "t4232AA", "tFFF0"} {
		_, ok := ParseSLCAN(bad)
		assert.False(t, ok, bad)
	}
}

// fakeSerial 内存串口：reads 投递给驱动，writes 记录命令
type fakeSerial struct {
	mu     sync.Mutex
	reads  chan []byte
	writes bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func newFakeSerial() *fakeSerial {
	return &fakeSerial{reads: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeSerial) Read(p []byte) (int, error) {
	select {
	case b := <-s.reads:
		return copy(p, b), nil
	case <-time.After(5 * time.Millisecond):
		return 0, io.EOF
	case <-s.closed:
		return 0, io.ErrClosedPipe
	}
}

func (s *fakeSerial) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes.Write(p)
}

func (s *fakeSerial) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSerial) written() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes.String()
}

func TestSLCANDriver(t *testing.T) {
	port := newFakeSerial()
	d, err := newSLCAN(port, "fake", slcanBitrates[500000])
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, "C\rS6\rO\r", port.written())

	ctx := context.Background()
	require.NoError(t, d.WriteFrame(ctx, can.Frame{ID: 0x422}))
	assert.Contains(t, port.written(), "t4220\r")

	// 行可能被拆分到多次读取中；发送确认 z 被忽略
	port.reads <- []byte("z\rt4233")
	port.reads <- []byte("050001\r")
	f, err := d.ReadFrame(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x423), f.ID)
	assert.Equal(t, []byte{0x05, 0x00, 0x01}, f.Payload())

	// 串口读超时不是错误
	_, err = d.ReadFrame(ctx, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// BEL 表示适配器错误
	port.reads <- []byte{0x07}
	_, err = d.ReadFrame(ctx, time.Second)
	assert.ErrorIs(t, err, ErrAdapter)

	require.NoError(t, d.Reset())
	assert.Equal(t, 2, bytes.Count([]byte(port.written()), []byte("O\r")))
}

func TestSLCANDriver_UnderPhysicalTransport(t *testing.T) {
	port := newFakeSerial()
	d, err := newSLCAN(port, "fake", slcanBitrates[250000])
	require.NoError(t, err)
	p := NewPhysical(d, PhysicalOptions{}, nil)
	defer p.Close()

	require.NoError(t, p.Send(context.Background(), can.Frame{ID: 0x411, Len: 8, Data: [8]byte{0xFF}}))
	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(port.written()), []byte("t4118FF00000000000000\r"))
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "slcan:fake", p.Stats().Driver)
}
