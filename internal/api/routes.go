package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/api/middleware"
	"github.com/taoyao-code/can-audio/internal/transport"
)

// writeGroup 写操作分组，配置了密钥时需要认证
func writeGroup(r *gin.Engine, apiKeys []string, logger *zap.Logger) *gin.RouterGroup {
	g := r.Group("/api")
	g.Use(middleware.APIKeyAuth(apiKeys, logger))
	return g
}

// RegisterBusRoutes 两种角色共用
func RegisterBusRoutes(r *gin.Engine, t transport.Transport, apiKeys []string, logger *zap.Logger) {
	h := NewBusHandler(t, logger)
	r.GET("/api/bus/stats", h.Stats)
	w := writeGroup(r, apiKeys, logger)
	w.POST("/bus/recover", h.Recover)
	w.POST("/bus/stats/reset", h.ResetStats)
}

// RegisterControllerRoutes 主控命令路由；journal 可为 nil
func RegisterControllerRoutes(r *gin.Engine, svc Controller, journal Journal, apiKeys []string, logger *zap.Logger) {
	h := NewControllerHandler(svc, journal, logger)
	r.GET("/api/modules", h.Modules)
	r.GET("/api/requests", h.Requests)
	r.GET("/api/requests/:token", h.Request)
	r.GET("/api/journal", h.Journal)

	w := writeGroup(r, apiKeys, logger)
	w.POST("/discover", h.Discover)
	w.POST("/play", h.Play)
	w.POST("/stop", h.Stop)
	w.POST("/stop-all", h.StopAll)
	logger.Info("controller routes registered", zap.Bool("auth", len(apiKeys) > 0))
}

// RegisterPeripheralRoutes 外设混音器路由
func RegisterPeripheralRoutes(r *gin.Engine, mix Mixer, apiKeys []string, logger *zap.Logger) {
	h := NewMixerHandler(mix, logger)
	r.GET("/api/mixer", h.Snapshot)
	w := writeGroup(r, apiKeys, logger)
	w.POST("/mixer/volume", h.Volume)
}
