// Package api 运维 HTTP 接口：总线统计、主控命令、外设混音器。
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taoyao-code/can-audio/internal/controller"
	"github.com/taoyao-code/can-audio/internal/discovery"
	"github.com/taoyao-code/can-audio/internal/dispatcher"
	"github.com/taoyao-code/can-audio/internal/mixer"
	"github.com/taoyao-code/can-audio/internal/protocol/audio"
	"github.com/taoyao-code/can-audio/internal/transport"
)

// StandardResponse 统一响应
type StandardResponse struct {
	Code      int    `json:"code"` // 0=成功, >0=HTTP 状态码
	Message   string `json:"message"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, StandardResponse{
		Code:      0,
		Message:   "success",
		Data:      data,
		RequestID: c.GetString("request_id"),
		Timestamp: time.Now().Unix(),
	})
}

func fail(c *gin.Context, status int, err error, data any) {
	c.JSON(status, StandardResponse{
		Code:      status,
		Message:   err.Error(),
		Data:      data,
		RequestID: c.GetString("request_id"),
		Timestamp: time.Now().Unix(),
	})
}

// classifyError 错误映射到 HTTP 状态码
func classifyError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, discovery.ErrNoModule),
		errors.Is(err, controller.ErrUnknownEvent),
		errors.Is(err, dispatcher.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatcher.ErrNoResponse), errors.Is(err, transport.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, audio.ErrFileNotFound),
		errors.Is(err, audio.ErrMixerFull),
		errors.Is(err, audio.ErrSourceError),
		errors.Is(err, audio.ErrUnknown),
		errors.Is(err, dispatcher.ErrTokenInUse):
		return http.StatusConflict
	case errors.Is(err, mixer.ErrVolumeRange):
		return http.StatusBadRequest
	case errors.Is(err, transport.ErrDegraded), errors.Is(err, transport.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
