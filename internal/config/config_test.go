package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, RolePeripheral, cfg.App.Role)
	assert.Equal(t, 4, cfg.Mixer.Capacity)
	assert.Equal(t, uint8(0x42), cfg.Module.Block)
	assert.Equal(t, 5*time.Second, cfg.Module.StatusInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Controller.DiscoveryWindow)
	assert.Equal(t, 200*time.Millisecond, cfg.Controller.AckTimeout)
	assert.Equal(t, time.Hour, cfg.Controller.AckedTTL)
	assert.Equal(t, 100*time.Millisecond, cfg.Bus.RxPoll)
	assert.Equal(t, 3, cfg.Bus.ErrorThreshold)
	assert.Equal(t, 1, cfg.Controller.Events["game_start"])
	assert.Empty(t, cfg.Webhook.URL)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "canaudio.yaml")
	content := []byte(`
app:
  role: controller
bus:
  driver: fallback
mixer:
  capacity: 6
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	t.Setenv("CANAUDIO_BUS_BITRATE", "250000")
	t.Setenv("CANAUDIO_WEBHOOK_URL", "http://hooks.local/audio")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, RoleController, cfg.App.Role)
	assert.Equal(t, "fallback", cfg.Bus.Driver)
	assert.Equal(t, 6, cfg.Mixer.Capacity)
	assert.Equal(t, 250000, cfg.Bus.Bitrate)
	assert.Equal(t, "http://hooks.local/audio", cfg.Webhook.URL)
}

func TestValidate(t *testing.T) {
	base := Config{
		App:   AppConfig{Role: RolePeripheral},
		Mixer: MixerConfig{Capacity: 4, MasterVolume: 80},
	}
	require.NoError(t, base.Validate())

	bad := base
	bad.App.Role = "gateway"
	assert.Error(t, bad.Validate())

	bad = base
	bad.Mixer.Capacity = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.Mixer.MasterVolume = 101
	assert.Error(t, bad.Validate())

	bad = base
	bad.Module.Block = 0x80
	assert.Error(t, bad.Validate())

	// 0x41 的 0x410/0x411 与宣告、查询冲突
	bad = base
	bad.Module.Block = 0x41
	assert.ErrorContains(t, bad.Validate(), "discovery")

	ok := base
	ok.Module.Block = 0x42
	assert.NoError(t, ok.Validate())
}
