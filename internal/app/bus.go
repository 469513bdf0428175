package app

import (
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/can-audio/internal/config"
	"github.com/taoyao-code/can-audio/internal/transport"
)

// OpenBus 打开总线传输并按配置加限速，最外层包一层帧观察（控制台 monitor）
func OpenBus(cfg cfgpkg.BusConfig, log *zap.Logger) *transport.Tapped {
	t := transport.Open(cfg, log)
	if cfg.TxRate > 0 {
		t = transport.NewThrottled(t, cfg.TxRate, cfg.TxBurst, cfg.TxTimeout)
		log.Info("bus tx throttle enabled", zap.Float64("frames_per_sec", cfg.TxRate), zap.Int("burst", cfg.TxBurst))
	}
	return transport.NewTapped(t)
}
