package soundsource

import (
	"fmt"
	"io"
	"math"

	"github.com/go-audio/wav"
)

// PCM 内存中的单声道 16 位样本
type PCM struct {
	SampleRate int
	Samples    []int16
}

// Duration 时长（秒）
func (p *PCM) Duration() float64 {
	if p.SampleRate == 0 {
		return 0
	}
	return float64(len(p.Samples)) / float64(p.SampleRate)
}

// DecodeWAV 解码 8/16/24/32 位 PCM WAV，多声道下混为单声道
func DecodeWAV(r io.ReadSeeker) (*PCM, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav file", ErrSource)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: decode wav: %v", ErrSource, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: wav without format", ErrSource)
	}

	depth := int(d.BitDepth)
	channels := buf.Format.NumChannels
	frames := len(buf.Data) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for c := 0; c < channels; c++ {
			sum += toInt16(buf.Data[i*channels+c], depth)
		}
		out[i] = int16(sum / channels)
	}
	return &PCM{SampleRate: buf.Format.SampleRate, Samples: out}, nil
}

// toInt16 将不同位深的整型样本统一到 16 位
func toInt16(v, depth int) int {
	switch depth {
	case 8:
		// 8 位 WAV 为无符号
		return (v - 128) << 8
	case 16:
		return v
	case 24:
		return v >> 8
	case 32:
		return v >> 16
	default:
		return v
	}
}

// Resample 最近邻重采样到目标采样率
func (p *PCM) Resample(rate int) *PCM {
	if rate <= 0 || rate == p.SampleRate || len(p.Samples) == 0 {
		return p
	}
	n := int(math.Round(float64(len(p.Samples)) * float64(rate) / float64(p.SampleRate)))
	out := make([]int16, n)
	step := float64(p.SampleRate) / float64(rate)
	for i := range out {
		src := int(float64(i) * step)
		if src >= len(p.Samples) {
			src = len(p.Samples) - 1
		}
		out[i] = p.Samples[src]
	}
	return &PCM{SampleRate: rate, Samples: out}
}

// Tone 生成正弦音，用于内置回退资源与测试
func Tone(freqHz float64, seconds float64, rate int, amplitude int16) *PCM {
	n := int(seconds * float64(rate))
	out := make([]int16, n)
	fade := rate / 200 // 5ms 淡入淡出，避免爆音
	for i := range out {
		v := float64(amplitude) * math.Sin(2*math.Pi*freqHz*float64(i)/float64(rate))
		switch {
		case i < fade:
			v *= float64(i) / float64(fade)
		case n-i < fade:
			v *= float64(n-i) / float64(fade)
		}
		out[i] = int16(v)
	}
	return &PCM{SampleRate: rate, Samples: out}
}

// pcmStream 内存 PCM 流
type pcmStream struct {
	pcm *PCM
	pos int
}

// NewPCMStream 包装内存样本
func NewPCMStream(p *PCM) Stream { return &pcmStream{pcm: p} }

func (s *pcmStream) Read(dst []int16) (int, error) {
	if s.pos >= len(s.pcm.Samples) {
		return 0, io.EOF
	}
	n := copy(dst, s.pcm.Samples[s.pos:])
	s.pos += n
	if s.pos >= len(s.pcm.Samples) {
		return n, io.EOF
	}
	return n, nil
}

func (s *pcmStream) Rewind() error {
	s.pos = 0
	return nil
}

func (s *pcmStream) Close() error { return nil }
