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
	noConsole := flag.Bool("no-console", false, "disable the interactive console")
	flag.Parse()

	cfg, err := cfgpkg.Load(*configPath)
	if err != nil {
		panic(err)
	}
	cfg.App.Role = cfgpkg.RoleController
	if *noConsole {
		cfg.Controller.Console = false
	}

	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := bootstrap.Run(cfg, logger); err != nil {
		logger.Fatal("controller exited", zap.Error(err))
	}
}
