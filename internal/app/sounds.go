package app

import (
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/can-audio/internal/config"
	"github.com/taoyao-code/can-audio/internal/soundsource"
)

// NewSoundSource 文件目录优先，内置音效兜底。
// 返回的 mounted 用于 SOUND_STATUS 的 SD 位。
func NewSoundSource(cfg cfgpkg.SoundsConfig, sampleRate int, log *zap.Logger) (src soundsource.Source, mounted func() bool, err error) {
	catalog := soundsource.DefaultCatalog()
	if cfg.Catalog != "" {
		catalog, err = soundsource.LoadCatalog(cfg.Catalog)
		if err != nil {
			return nil, nil, err
		}
		log.Info("sound catalog loaded", zap.String("path", cfg.Catalog), zap.Int("entries", catalog.Len()))
	}

	var chain soundsource.Chain
	mounted = func() bool { return false }
	if cfg.Dir != "" {
		fs := soundsource.NewFileSource(cfg.Dir, catalog, sampleRate, log)
		chain = append(chain, fs)
		mounted = fs.Available
		if !fs.Available() {
			log.Warn("sound directory not available", zap.String("dir", cfg.Dir))
		}
	}
	if cfg.Embedded {
		chain = append(chain, soundsource.NewEmbedded(sampleRate, catalog))
	}
	return chain, mounted, nil
}
