package transport

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/can-audio/internal/config"
)

// Open 按配置选择物理驱动。物理初始化失败（无适配器、速率不支持等）时
// 静默降级为 fallback 模式，不中断启动。
func Open(cfg cfgpkg.BusConfig, logger *zap.Logger) Transport {
	if logger == nil {
		logger = zap.NewNop()
	}

	driver, err := openDriver(cfg)
	if err != nil {
		logger.Warn("physical bus unavailable, using fallback transport",
			zap.String("driver", cfg.Driver), zap.Error(err))
		return NewLogging(logger, err.Error())
	}
	if driver == nil {
		logger.Info("fallback transport selected by configuration")
		return NewLogging(logger, "configured")
	}

	logger.Info("physical bus opened", zap.String("driver", driver.Name()), zap.Int("bitrate", cfg.Bitrate))
	return NewPhysical(driver, PhysicalOptions{
		TxTimeout:      cfg.TxTimeout,
		TxQueue:        cfg.TxQueue,
		ErrorThreshold: cfg.ErrorThreshold,
	}, logger)
}

func openDriver(cfg cfgpkg.BusConfig) (Driver, error) {
	switch strings.ToLower(cfg.Driver) {
	case "slcan", "serial":
		return OpenSLCAN(SLCANConfig{
			Device:      cfg.Device,
			Baud:        cfg.Baud,
			Bitrate:     cfg.Bitrate,
			ReadTimeout: cfg.RxPoll / 2,
		})
	case "socketcan":
		return OpenSocketCAN(cfg.Interface, cfg.TxTimeout)
	case "fallback", "mock", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}
