package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/discovery"
	"github.com/taoyao-code/can-audio/internal/dispatcher"
	"github.com/taoyao-code/can-audio/internal/eventsink"
	"github.com/taoyao-code/can-audio/internal/protocol/audio"
)

// Controller 主控服务中 HTTP 用到的部分，controller.Service 满足
type Controller interface {
	Modules() []discovery.Module
	Discover(ctx context.Context) ([]discovery.Module, error)
	Play(ctx context.Context, p dispatcher.PlayRequest) (dispatcher.Request, error)
	PlayEvent(ctx context.Context, name string) (dispatcher.Request, error)
	Events() []string
	Stop(ctx context.Context, queueID uint8) (dispatcher.Request, error)
	StopAll(ctx context.Context) error
	Request(token uint16) (dispatcher.Request, bool)
	Active() []dispatcher.Request
}

// Journal 命令流水查询，storage/pg.Journal 满足
type Journal interface {
	Recent(ctx context.Context, limit int) ([]eventsink.Event, error)
}

// ControllerHandler 主控命令接口
type ControllerHandler struct {
	svc     Controller
	journal Journal
	logger  *zap.Logger
}

func NewControllerHandler(svc Controller, journal Journal, logger *zap.Logger) *ControllerHandler {
	return &ControllerHandler{svc: svc, journal: journal, logger: logger}
}

// PlayBody POST /api/play 请求体；Event 非空时按事件名播放
type PlayBody struct {
	Index     *uint16 `json:"index"`
	Event     string  `json:"event"`
	Volume    *uint8  `json:"volume"`
	Loop      bool    `json:"loop"`
	Interrupt bool    `json:"interrupt"`
	Priority  bool    `json:"priority"`
}

func (b PlayBody) request() (dispatcher.PlayRequest, error) {
	if b.Index == nil {
		return dispatcher.PlayRequest{}, errors.New("index or event is required")
	}
	p := dispatcher.PlayRequest{Index: *b.Index, Volume: audio.VolumeUseLocal}
	if b.Volume != nil {
		if *b.Volume > 100 {
			return p, fmt.Errorf("volume %d out of range 0..100", *b.Volume)
		}
		p.Volume = *b.Volume
	}
	if b.Loop {
		p.Flags |= audio.FlagLoop
	}
	if b.Interrupt {
		p.Flags |= audio.FlagInterrupt
	}
	if b.Priority {
		p.Flags |= audio.FlagPriority
	}
	return p, nil
}

// StopBody POST /api/stop 请求体；queue_id 省略或为 0 表示停止最新一路
type StopBody struct {
	QueueID uint8 `json:"queue_id"`
}

// Modules GET /api/modules
func (h *ControllerHandler) Modules(c *gin.Context) {
	ok(c, gin.H{"modules": h.svc.Modules(), "events": h.svc.Events()})
}

// Discover POST /api/discover
func (h *ControllerHandler) Discover(c *gin.Context) {
	mods, err := h.svc.Discover(c.Request.Context())
	if err != nil {
		fail(c, classifyError(err), err, nil)
		return
	}
	ok(c, gin.H{"modules": mods})
}

// Play POST /api/play
func (h *ControllerHandler) Play(c *gin.Context) {
	var body PlayBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err, nil)
		return
	}

	var (
		r   dispatcher.Request
		err error
	)
	if body.Event != "" {
		r, err = h.svc.PlayEvent(c.Request.Context(), body.Event)
	} else {
		p, perr := body.request()
		if perr != nil {
			fail(c, http.StatusBadRequest, perr, nil)
			return
		}
		r, err = h.svc.Play(c.Request.Context(), p)
	}
	if err != nil {
		h.logger.Info("play request failed", zap.String("event", body.Event), zap.Error(err))
		fail(c, classifyError(err), err, requestData(r))
		return
	}
	ok(c, r)
}

// Stop POST /api/stop
func (h *ControllerHandler) Stop(c *gin.Context) {
	var body StopBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			fail(c, http.StatusBadRequest, err, nil)
			return
		}
	}
	r, err := h.svc.Stop(c.Request.Context(), body.QueueID)
	if err != nil {
		fail(c, classifyError(err), err, requestData(r))
		return
	}
	ok(c, r)
}

// StopAll POST /api/stop-all
func (h *ControllerHandler) StopAll(c *gin.Context) {
	if err := h.svc.StopAll(c.Request.Context()); err != nil {
		fail(c, classifyError(err), err, nil)
		return
	}
	ok(c, nil)
}

// Request GET /api/requests/:token
func (h *ControllerHandler) Request(c *gin.Context) {
	tok, err := strconv.ParseUint(c.Param("token"), 10, 16)
	if err != nil || tok == 0 {
		fail(c, http.StatusBadRequest, fmt.Errorf("invalid token %q", c.Param("token")), nil)
		return
	}
	r, found := h.svc.Request(uint16(tok))
	if !found {
		fail(c, http.StatusNotFound, dispatcher.ErrRequestNotFound, nil)
		return
	}
	ok(c, r)
}

// Requests GET /api/requests 未终结的请求
func (h *ControllerHandler) Requests(c *gin.Context) {
	ok(c, gin.H{"active": h.svc.Active()})
}

// Journal GET /api/journal?limit=N
func (h *ControllerHandler) Journal(c *gin.Context) {
	if h.journal == nil {
		fail(c, http.StatusNotFound, errors.New("journal is not enabled"), nil)
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	events, err := h.journal.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Warn("journal query failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, err, nil)
		return
	}
	ok(c, gin.H{"events": events})
}

func requestData(r dispatcher.Request) any {
	if r.Token == 0 {
		return nil
	}
	return r
}
