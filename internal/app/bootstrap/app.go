package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/api"
	"github.com/taoyao-code/can-audio/internal/app"
	"github.com/taoyao-code/can-audio/internal/can"
	cfgpkg "github.com/taoyao-code/can-audio/internal/config"
	"github.com/taoyao-code/can-audio/internal/console"
	"github.com/taoyao-code/can-audio/internal/controller"
	"github.com/taoyao-code/can-audio/internal/discovery"
	"github.com/taoyao-code/can-audio/internal/health"
	"github.com/taoyao-code/can-audio/internal/httpserver"
	"github.com/taoyao-code/can-audio/internal/mixer"
	"github.com/taoyao-code/can-audio/internal/peripheral"
	"github.com/taoyao-code/can-audio/internal/protocol/audio"
	"github.com/taoyao-code/can-audio/internal/sink"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 10 * time.Second
)

// Run 按 app.role 启动外设或主控
func Run(cfg *cfgpkg.Config, log *zap.Logger) error {
	log.Info("starting can-audio",
		zap.String("version", version),
		zap.String("role", cfg.App.Role),
		zap.String("env", cfg.App.Env))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cfg.App.Role {
	case cfgpkg.RolePeripheral:
		return RunPeripheral(ctx, cfg, log)
	case cfgpkg.RoleController:
		return RunController(ctx, cfg, log)
	default:
		return fmt.Errorf("unknown role %q", cfg.App.Role)
	}
}

// group 后台任务，关闭时统一等待
type group struct {
	wg sync.WaitGroup
}

func (g *group) Go(fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

func (g *group) Wait() { g.wg.Wait() }

// RunPeripheral 外设：总线帧循环、混音器、声卡输出、状态上报
func RunPeripheral(ctx context.Context, cfg *cfgpkg.Config, log *zap.Logger) error {
	// ========== 阶段1: 总线与指标 ==========
	bus := app.OpenBus(cfg.Bus, log)
	defer bus.Close()
	reg, appm := app.NewMetrics(bus)
	block := can.Block(cfg.Module.Block)

	// ========== 阶段2: 音源与混音器 ==========
	src, mounted, err := app.NewSoundSource(cfg.Sounds, cfg.Mixer.SampleRate, log)
	if err != nil {
		log.Error("sound source initialization failed", zap.Error(err))
		return err
	}
	mix := mixer.New(src, mixer.Options{
		Capacity:     cfg.Mixer.Capacity,
		MasterVolume: cfg.Mixer.MasterVolume,
		Muted:        cfg.Mixer.Muted,
		Metrics:      appm,
	}, log)
	out := sink.Open(cfg.Mixer.Sink, mix, sink.Format{
		SampleRate:   cfg.Mixer.SampleRate,
		Channels:     cfg.Mixer.Channels,
		BufferFrames: cfg.Mixer.BufferFrames,
	}, log)
	log.Info("mixer initialized",
		zap.Int("capacity", cfg.Mixer.Capacity),
		zap.String("sink", out.Name()),
		zap.Bool("sounds_mounted", mounted()))

	// ========== 阶段3: 帧循环与发现应答 ==========
	announce := audio.Announce{
		Type:         audio.ModuleType(cfg.Module.Type),
		VersionMajor: cfg.Module.VersionMajor,
		VersionMinor: cfg.Module.VersionMinor,
		Caps:         audio.Caps(cfg.Module.Caps),
		Block:        block,
		NodeID:       cfg.App.NodeID,
	}
	resp := discovery.NewResponder(bus, announce, log)
	svc := peripheral.New(bus, mix, resp, peripheral.Options{
		Block:   block,
		RxPoll:  cfg.Bus.RxPoll,
		Metrics: appm,
	}, log)

	// ========== 阶段4: HTTP ==========
	agg := app.NewHealthAggregator(bus)
	agg.AddChecker(health.NewMixerChecker(mix, 0))
	var httpSrv *httpserver.Server
	if cfg.HTTP.Enable {
		httpSrv = app.NewHTTPServer(cfg, reg, agg, log)
		api.RegisterBusRoutes(httpSrv.Engine(), bus, cfg.HTTP.APIKeys, log)
		api.RegisterPeripheralRoutes(httpSrv.Engine(), mix, cfg.HTTP.APIKeys, log)
		startHTTP(httpSrv, cfg.HTTP.Addr, log)
	}

	// ========== 阶段5: 启动后台循环 ==========
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var g group
	g.Go(func() {
		if err := out.Run(runCtx); err != nil {
			log.Error("render sink exited", zap.Error(err))
		}
	})
	g.Go(func() {
		if err := svc.Run(runCtx); err != nil {
			log.Error("peripheral loop exited", zap.Error(err))
			cancel()
		}
	})
	if announce.Caps&audio.CapStatus != 0 {
		status := peripheral.NewStatusBroadcaster(bus, mix, block, cfg.Module.StatusInterval, mounted, appm, log)
		g.Go(func() { status.Start(runCtx) })
	}
	// 上电主动宣告一次，主控无需等待下一轮查询
	if err := resp.Respond(runCtx); err != nil {
		log.Warn("startup announce failed", zap.Error(err))
	}
	log.Info("audio module ready",
		zap.String("transport", bus.Mode().String()),
		zap.Uint8("block", uint8(block)),
		zap.Uint8("node_id", cfg.App.NodeID))

	<-runCtx.Done()
	log.Info("shutting down audio module")
	shutdown(httpSrv, log)
	g.Wait()
	return nil
}

// RunController 主控：发现、下发命令、事件流水、控制台
func RunController(ctx context.Context, cfg *cfgpkg.Config, log *zap.Logger) error {
	// ========== 阶段1: 总线与指标 ==========
	bus := app.OpenBus(cfg.Bus, log)
	defer bus.Close()
	reg, appm := app.NewMetrics(bus)

	// ========== 阶段2: 可选存储（失败直接返回）==========
	dbpool, err := app.ConnectDBAndMigrate(ctx, cfg.Database, log)
	if err != nil {
		log.Error("database initialization failed", zap.Error(err))
		return err
	}
	if dbpool != nil {
		defer dbpool.Close()
	}
	redisClient, err := app.NewRedisClient(ctx, cfg.Redis, log)
	if err != nil {
		log.Error("redis initialization failed", zap.Error(err))
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// ========== 阶段3: 事件出口与主控服务 ==========
	events, journal := app.NewEventSink(cfg, redisClient, dbpool, appm, log)
	registry := discovery.NewRegistry(cfg.Controller.LivenessTimeout)
	svc := controller.New(bus, registry, controller.Options{
		DiscoveryWindow: cfg.Controller.DiscoveryWindow,
		AckTimeout:      cfg.Controller.AckTimeout,
		RxPoll:          cfg.Bus.RxPoll,
		RequestTTL:      cfg.Controller.RequestTTL,
		AckedTTL:        cfg.Controller.AckedTTL,
		Events:          cfg.Controller.Events,
		Instance:        app.InstanceID(cfg.App.Role),
		Metrics:         appm,
		Sink:            events,
	}, log)

	// ========== 阶段4: HTTP ==========
	agg := app.NewHealthAggregator(bus)
	agg.AddChecker(health.NewRegistryChecker(registry))
	app.AddStorageCheckers(agg, redisClient, dbpool)
	var httpSrv *httpserver.Server
	if cfg.HTTP.Enable {
		var j api.Journal
		if journal != nil {
			j = journal
		}
		httpSrv = app.NewHTTPServer(cfg, reg, agg, log)
		api.RegisterBusRoutes(httpSrv.Engine(), bus, cfg.HTTP.APIKeys, log)
		api.RegisterControllerRoutes(httpSrv.Engine(), svc, j, cfg.HTTP.APIKeys, log)
		startHTTP(httpSrv, cfg.HTTP.Addr, log)
	}

	// ========== 阶段5: 启动后台循环 ==========
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var g group
	eventsCtx, stopEvents := context.WithCancel(context.Background())
	defer stopEvents()
	go events.Start(eventsCtx)
	g.Go(func() {
		if err := svc.Run(runCtx); err != nil {
			log.Error("controller loop exited", zap.Error(err))
			cancel()
		}
	})

	mods, err := svc.Discover(runCtx)
	if err != nil {
		log.Warn("initial discovery failed", zap.Error(err))
	}
	log.Info("controller ready",
		zap.String("transport", bus.Mode().String()),
		zap.Int("modules", len(mods)))

	if cfg.Controller.Console {
		con := console.New(svc, bus, bus, os.Stdout, log)
		g.Go(func() {
			err := con.Run(runCtx, os.Stdin)
			if errors.Is(err, console.ErrQuit) {
				log.Info("console quit requested")
				cancel()
			}
		})
	}

	<-runCtx.Done()
	log.Info("shutting down controller")
	shutdown(httpSrv, log)
	g.Wait()
	// 主控循环退出后不再产生事件，排空队列
	stopEvents()
	events.Wait()
	return nil
}

func startHTTP(srv *httpserver.Server, addr string, log *zap.Logger) {
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}()
	log.Info("http server started", zap.String("addr", addr))
}

func shutdown(srv *httpserver.Server, log *zap.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}
}
