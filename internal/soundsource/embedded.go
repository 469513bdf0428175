package soundsource

import (
	"fmt"
	"slices"
	"sync"
)

type tone struct {
	freq    float64
	seconds float64
	name    string
}

// 内置回退音：无资源目录时仍可响应常用索引
var builtinTones = map[uint16]tone{
	1:   {440, 1.0, "tone_1s_440hz"},
	2:   {880, 2.0, "tone_2s_880hz"},
	3:   {220, 5.0, "tone_5s_220hz"},
	4:   {330, 1.5, "tone_330hz"},
	5:   {660, 0.5, "tone_660hz"},
	6:   {550, 0.75, "tone_550hz"},
	100: {523.25, 0.3, "hello"},
	101: {1000, 0.1, "ping"},
}

// Embedded 内置音源。样本在首次解析时生成并缓存。
type Embedded struct {
	sampleRate int
	catalog    *Catalog

	mu    sync.Mutex
	cache map[uint16]*PCM
}

// NewEmbedded 创建内置音源
func NewEmbedded(sampleRate int, catalog *Catalog) *Embedded {
	return &Embedded{sampleRate: sampleRate, catalog: catalog, cache: make(map[uint16]*PCM)}
}

// Indices 内置可用索引
func (e *Embedded) Indices() []uint16 {
	out := make([]uint16, 0, len(builtinTones))
	for idx := range builtinTones {
		out = append(out, idx)
	}
	slices.Sort(out)
	return out
}

func (e *Embedded) Resolve(index uint16) (Resolved, error) {
	t, ok := builtinTones[index]
	if !ok {
		return Resolved{}, fmt.Errorf("%w: no embedded sound %d", ErrNotFound, index)
	}
	e.mu.Lock()
	pcm, ok := e.cache[index]
	if !ok {
		pcm = Tone(t.freq, t.seconds, e.sampleRate, 12000)
		e.cache[index] = pcm
	}
	e.mu.Unlock()
	vol := uint8(80)
	loop := false
	if entry, ok := e.catalog.Lookup(index); ok {
		vol = entry.DefaultVolume
		loop = entry.Loopable
	}
	return Resolved{
		Stream:        NewPCMStream(pcm),
		Name:          t.name,
		DefaultVolume: vol,
		Loopable:      loop,
	}, nil
}
