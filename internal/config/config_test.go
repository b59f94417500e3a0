package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexcompanion/internal/reaction"
	"github.com/normanking/cortexcompanion/internal/tts"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "http://localhost:5000", cfg.Backend.BaseURL)
	assert.Equal(t, "/chat", cfg.Backend.Path)
	assert.Equal(t, 5*time.Second, cfg.Idle.RetryDelay)
	assert.Equal(t, 7*time.Second, cfg.Idle.RestMin)
	assert.Equal(t, 15*time.Second, cfg.Idle.RestMax)
	assert.Equal(t, 10*time.Second, cfg.Idle.FailureBackoff)
	assert.Equal(t, []string{"Idle", "Idle_A", "Idle_B", "Standby", "Breath"}, cfg.Idle.Motions)
	assert.Equal(t, 45*time.Second, cfg.Watchdog.Threshold)
	assert.Equal(t, "thinking", cfg.Proactive.ThinkingExpression)
	assert.Equal(t, 1500*time.Millisecond, cfg.Proactive.ThinkMin)
	assert.Equal(t, "en-US", cfg.Speech.Lang)
	assert.InDelta(t, 0.6, cfg.Speech.MouthOpen, 1e-9)
	assert.Equal(t, tts.EngineAuto, cfg.Speech.Synth.Engine)
	assert.True(t, cfg.Speech.Enabled)
	assert.Equal(t, reaction.DefaultMappings(), cfg.Reactions)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend.BaseURL = " "
	cfg.Idle.RestMin = 20 * time.Second
	cfg.Watchdog.Threshold = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend.base_url")
	assert.Contains(t, err.Error(), "idle rest window")
	assert.Contains(t, err.Error(), "watchdog.threshold")
}

func TestLoader_CreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(dir)

	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "config.yaml"), l.Path())
	assert.FileExists(t, l.Path())
	assert.Equal(t, DefaultConfig().Backend, cfg.Backend)
	assert.Equal(t, DefaultConfig().Idle, cfg.Idle)
	assert.Equal(t, DefaultConfig().Reactions, cfg.Reactions)
}

func TestLoader_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
backend:
  base_url: http://yuki.local:5000
  timeout: 10s
idle:
  rest_min: 3s
  rest_max: 4s
  motions: [Idle, Sway]
watchdog:
  threshold: 30s
reactions:
  - area: Head
    motion: Nod
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := NewLoader(dir).Load()
	require.NoError(t, err)

	assert.Equal(t, "http://yuki.local:5000", cfg.Backend.BaseURL)
	assert.Equal(t, "/chat", cfg.Backend.Path, "unset keys keep defaults")
	assert.Equal(t, 10*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 3*time.Second, cfg.Idle.RestMin)
	assert.Equal(t, 4*time.Second, cfg.Idle.RestMax)
	assert.Equal(t, 5*time.Second, cfg.Idle.RetryDelay)
	assert.Equal(t, []string{"Idle", "Sway"}, cfg.Idle.Motions)
	assert.Equal(t, 30*time.Second, cfg.Watchdog.Threshold)
	assert.Equal(t, []reaction.Mapping{{Area: "Head", Motion: "Nod"}}, cfg.Reactions)
}

func TestLoader_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CORTEXCOMPANION_BACKEND_BASE_URL", "http://env.example:9000")
	t.Setenv("CORTEXCOMPANION_WATCHDOG_THRESHOLD", "1m")

	cfg, err := NewLoader(dir).Load()
	require.NoError(t, err)
	assert.Equal(t, "http://env.example:9000", cfg.Backend.BaseURL)
	assert.Equal(t, time.Minute, cfg.Watchdog.Threshold)
}

func TestLoader_SaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(dir)
	_, err := l.Load()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Model.Path = "models/yuki/yuki.model3.json"
	cfg.Speech.VoiceHints = []string{"kyoko"}
	cfg.Bridge.Addr = "127.0.0.1:9999"
	require.NoError(t, l.Save(cfg))

	got, err := NewLoader(dir).Load()
	require.NoError(t, err)
	assert.Equal(t, "models/yuki/yuki.model3.json", got.Model.Path)
	assert.Equal(t, []string{"kyoko"}, got.Speech.VoiceHints)
	assert.Equal(t, "127.0.0.1:9999", got.Bridge.Addr)
	assert.Equal(t, cfg.Bridge.RequestTimeout, got.Bridge.RequestTimeout)
}

func TestLoader_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("idle: [unclosed"), 0644))

	_, err := NewLoader(dir).Load()
	assert.Error(t, err)
}

func TestLoader_Watch(t *testing.T) {
	dir := t.TempDir()
	l := NewLoader(dir)
	_, err := l.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 4)
	l.Watch(func(cfg *Config, err error) {
		if err == nil {
			changed <- cfg
		}
	})

	cfg := DefaultConfig()
	cfg.Idle.Motions = []string{"Idle", "Stretch"}
	require.NoError(t, NewLoader(dir).Save(cfg))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-changed:
			if len(got.Idle.Motions) == 2 && got.Idle.Motions[1] == "Stretch" {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
