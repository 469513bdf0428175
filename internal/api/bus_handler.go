package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/transport"
)

// BusHandler 总线统计与故障恢复
type BusHandler struct {
	t      transport.Transport
	logger *zap.Logger
}

func NewBusHandler(t transport.Transport, logger *zap.Logger) *BusHandler {
	return &BusHandler{t: t, logger: logger}
}

// Stats GET /api/bus/stats
func (h *BusHandler) Stats(c *gin.Context) {
	ok(c, h.t.Stats())
}

// Recover POST /api/bus/recover
func (h *BusHandler) Recover(c *gin.Context) {
	if err := h.t.Recover(); err != nil {
		h.logger.Warn("bus recover failed", zap.Error(err))
		fail(c, classifyError(err), err, h.t.Stats())
		return
	}
	h.logger.Info("bus recovered by operator")
	ok(c, h.t.Stats())
}

// ResetStats POST /api/bus/stats/reset
func (h *BusHandler) ResetStats(c *gin.Context) {
	h.t.ResetStats()
	ok(c, h.t.Stats())
}
