package soundsource

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 索引没有对应的资源
	ErrNotFound = errors.New("soundsource: not found")
	// ErrSource 资源存在但无法读取或解码
	ErrSource = errors.New("soundsource: source error")
)

// Stream 可播放的单声道 PCM 流（已重采样到混音器采样率）
type Stream interface {
	// Read 填充 dst，返回写入的样本数；结束时返回 io.EOF
	Read(dst []int16) (int, error)
	// Rewind 回到开头（循环播放）
	Rewind() error
	Close() error
}

// Resolved 解析结果
type Resolved struct {
	Stream        Stream
	Name          string
	DefaultVolume uint8
	Loopable      bool
}

// Source 将数字索引解析为可播放流。
// 混音器在持有自身锁时调用 Resolve，期间渲染与其他命令都被阻塞：
// 实现必须快速返回，不得回调混音器，慢速路径（打开并解码文件）需延后到后台。
type Source interface {
	Resolve(index uint16) (Resolved, error)
}

// Chain 依次尝试多个来源，直到某个来源给出非 ErrNotFound 的结果
type Chain []Source

func (c Chain) Resolve(index uint16) (Resolved, error) {
	for _, s := range c {
		r, err := s.Resolve(index)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Resolved{}, err
		}
	}
	return Resolved{}, fmt.Errorf("%w: index %d", ErrNotFound, index)
}
