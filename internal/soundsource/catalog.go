package soundsource

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Entry 音效登记项
type Entry struct {
	Index         uint16 `yaml:"index" json:"index"`
	File          string `yaml:"file" json:"file"`
	Description   string `yaml:"description" json:"description"`
	DefaultVolume uint8  `yaml:"defaultVolume" json:"default_volume"`
	Loopable      bool   `yaml:"loopable" json:"loopable"`
}

// Catalog 索引到资源文件的映射
type Catalog struct {
	entries map[uint16]Entry
}

type catalogFile struct {
	Sounds []Entry `yaml:"sounds"`
}

// DefaultCatalog 内置登记表
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog([]Entry{
		{Index: 1, File: "track1.wav", Description: "Test track 1", DefaultVolume: 80},
		{Index: 2, File: "track2.wav", Description: "Test track 2", DefaultVolume: 80},
		{Index: 100, File: "hello.wav", Description: "Hello greeting", DefaultVolume: 90},
		{Index: 101, File: "ping.wav", Description: "Ping notification", DefaultVolume: 70},
		{Index: 200, File: "game_start.wav", Description: "Game start", DefaultVolume: 100},
		{Index: 201, File: "game_player_death.wav", Description: "Player death", DefaultVolume: 90},
		{Index: 202, File: "game_victory.wav", Description: "Victory", DefaultVolume: 100},
		{Index: 203, File: "game_defeat.wav", Description: "Defeat", DefaultVolume: 90},
	})
	return c
}

// NewCatalog 由登记项构造，索引重复或音量越界时报错
func NewCatalog(entries []Entry) (*Catalog, error) {
	c := &Catalog{entries: make(map[uint16]Entry, len(entries))}
	for _, e := range entries {
		if _, dup := c.entries[e.Index]; dup {
			return nil, fmt.Errorf("catalog: duplicate index %d", e.Index)
		}
		if e.DefaultVolume > 100 {
			return nil, fmt.Errorf("catalog: index %d default volume %d > 100", e.Index, e.DefaultVolume)
		}
		if e.DefaultVolume == 0 {
			e.DefaultVolume = 80
		}
		c.entries[e.Index] = e
	}
	return c, nil
}

// LoadCatalog 从 YAML 文件加载；path 为空时返回内置登记表
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return NewCatalog(f.Sounds)
}

// Lookup 查找登记项
func (c *Catalog) Lookup(index uint16) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	e, ok := c.entries[index]
	return e, ok
}

// Entries 按索引排序的全部登记项
func (c *Catalog) Entries() []Entry {
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// Len 登记项数量
func (c *Catalog) Len() int { return len(c.entries) }
