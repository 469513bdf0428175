package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/can-audio/internal/mixer"
)

// Mixer 外设混音器，mixer.Mixer 满足
type Mixer interface {
	Snapshot() mixer.Snapshot
	SetVolume(v uint8) error
	SetMuted(muted bool)
}

// MixerHandler 外设混音器接口
type MixerHandler struct {
	mix    Mixer
	logger *zap.Logger
}

func NewMixerHandler(mix Mixer, logger *zap.Logger) *MixerHandler {
	return &MixerHandler{mix: mix, logger: logger}
}

// VolumeBody POST /api/mixer/volume 请求体，字段均可省略
type VolumeBody struct {
	Volume *uint8 `json:"volume"`
	Muted  *bool  `json:"muted"`
}

// Snapshot GET /api/mixer
func (h *MixerHandler) Snapshot(c *gin.Context) {
	ok(c, h.mix.Snapshot())
}

// Volume POST /api/mixer/volume
func (h *MixerHandler) Volume(c *gin.Context) {
	var body VolumeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, err, nil)
		return
	}
	if body.Volume == nil && body.Muted == nil {
		fail(c, http.StatusBadRequest, errors.New("volume or muted is required"), nil)
		return
	}
	if body.Volume != nil {
		if err := h.mix.SetVolume(*body.Volume); err != nil {
			fail(c, classifyError(err), err, nil)
			return
		}
	}
	if body.Muted != nil {
		h.mix.SetMuted(*body.Muted)
	}
	snap := h.mix.Snapshot()
	h.logger.Debug("mixer settings updated", zap.Uint8("volume", snap.MasterVolume), zap.Bool("muted", snap.Muted))
	ok(c, snap)
}
