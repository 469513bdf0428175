package soundsource

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FileSource 从资源目录解析音效：先按登记表文件名，再按 "%04d.wav"。
// Resolve 只做 stat，打开与解码在后台进行。
type FileSource struct {
	dir        string
	catalog    *Catalog
	sampleRate int
	logger     *zap.Logger
}

// NewFileSource 创建文件来源
func NewFileSource(dir string, catalog *Catalog, sampleRate int, logger *zap.Logger) *FileSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileSource{dir: dir, catalog: catalog, sampleRate: sampleRate, logger: logger}
}

// Available 资源目录是否可读（对应 SD 卡已挂载）
func (s *FileSource) Available() bool {
	st, err := os.Stat(s.dir)
	return err == nil && st.IsDir()
}

func (s *FileSource) candidates(index uint16) []string {
	var out []string
	if e, ok := s.catalog.Lookup(index); ok && e.File != "" {
		out = append(out, filepath.Join(s.dir, e.File))
	}
	return append(out, filepath.Join(s.dir, fmt.Sprintf("%04d.wav", index)))
}

func (s *FileSource) Resolve(index uint16) (Resolved, error) {
	entry, _ := s.catalog.Lookup(index)
	for _, path := range s.candidates(index) {
		st, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Resolved{}, fmt.Errorf("%w: %v", ErrSource, err)
		}
		if st.IsDir() {
			return Resolved{}, fmt.Errorf("%w: %s is a directory", ErrSource, path)
		}
		vol := entry.DefaultVolume
		if vol == 0 {
			vol = 80
		}
		return Resolved{
			Stream:        newLazyStream(path, s.sampleRate, s.logger),
			Name:          filepath.Base(path),
			DefaultVolume: vol,
			Loopable:      entry.Loopable,
		}, nil
	}
	return Resolved{}, fmt.Errorf("%w: index %d", ErrNotFound, index)
}

// lazyStream 后台打开并解码文件；就绪前输出静音
type lazyStream struct {
	ready chan struct{}

	mu     sync.Mutex
	inner  Stream
	err    error
	closed bool
}

func newLazyStream(path string, rate int, logger *zap.Logger) *lazyStream {
	s := &lazyStream{ready: make(chan struct{})}
	go func() {
		defer close(s.ready)
		pcm, err := loadWAV(path)
		s.mu.Lock()
		defer s.mu.Unlock()
		if err != nil {
			logger.Warn("sound load failed", zap.String("path", path), zap.Error(err))
			s.err = err
			return
		}
		s.inner = NewPCMStream(pcm.Resample(rate))
	}()
	return s
}

func loadWAV(path string) (*PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSource, err)
	}
	defer f.Close()
	return DecodeWAV(f)
}

// Read 就绪前填充静音；加载失败返回 ErrSource
func (s *lazyStream) Read(dst []int16) (int, error) {
	select {
	case <-s.ready:
	default:
		for i := range dst {
			dst[i] = 0
		}
		return len(dst), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.EOF
	}
	if s.err != nil {
		return 0, s.err
	}
	return s.inner.Read(dst)
}

func (s *lazyStream) Rewind() error {
	select {
	case <-s.ready:
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inner == nil {
		return s.err
	}
	return s.inner.Rewind()
}

func (s *lazyStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Wait 等待加载完成，仅用于测试与预热
func (s *lazyStream) Wait() error {
	<-s.ready
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
