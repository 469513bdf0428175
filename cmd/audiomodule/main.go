package main

import (
	"flag"

	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/app/bootstrap"
	cfgpkg "github.com/taoyao-code/can-audio/internal/config"
	"github.com/taoyao-code/can-audio/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "config file path (default: $CANAUDIO_CONFIG or configs/canaudio.yaml)")
	flag.Parse()

	// 1) 加载配置，角色固定为外设
	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		panic(err)
	}
	cfg.App.Role = cfgpkg.RolePeripheral

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := bootstrap.Run(cfg, logger); err != nil {
		logger.Fatal("audio module exited", zap.Error(err))
	}
}
