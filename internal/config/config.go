// Package config provides configuration management for CortexCompanion
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/normanking/cortexcompanion/internal/audio"
	"github.com/normanking/cortexcompanion/internal/bridge"
	"github.com/normanking/cortexcompanion/internal/chat"
	"github.com/normanking/cortexcompanion/internal/idle"
	"github.com/normanking/cortexcompanion/internal/playback"
	"github.com/normanking/cortexcompanion/internal/reaction"
	"github.com/normanking/cortexcompanion/internal/transcript"
	"github.com/normanking/cortexcompanion/internal/tts"
	"github.com/normanking/cortexcompanion/internal/turn"
	"github.com/normanking/cortexcompanion/internal/watchdog"
)

const (
	dirName   = ".cortexcompanion"
	fileName  = "config"
	envPrefix = "CORTEXCOMPANION"
)

// Config holds all application configuration
type Config struct {
	Backend    chat.Config        `mapstructure:"backend"`
	Model      ModelConfig        `mapstructure:"model"`
	Idle       IdleConfig         `mapstructure:"idle"`
	Watchdog   watchdog.Config    `mapstructure:"watchdog"`
	Proactive  turn.Config        `mapstructure:"proactive"`
	Speech     SpeechConfig       `mapstructure:"speech"`
	Audio      audio.Config       `mapstructure:"audio"`
	Bridge     bridge.Config      `mapstructure:"bridge"`
	Reactions  []reaction.Mapping `mapstructure:"reactions"`
	Transcript transcript.Config  `mapstructure:"transcript"`
	Log        LogConfig          `mapstructure:"log"`
}

// ModelConfig locates the Live2D model handed to the renderer
type ModelConfig struct {
	Path string `mapstructure:"path"`
}

// IdleConfig configures the idle scheduler and its motion catalog
type IdleConfig struct {
	idle.Config `mapstructure:",squash"`
	Motions     []string `mapstructure:"motions"`
}

// SpeechConfig configures reply playback and the local synthesizer
type SpeechConfig struct {
	playback.Config `mapstructure:",squash"`
	Synth           tts.CommandConfig `mapstructure:"synth"`
	Enabled         bool              `mapstructure:"enabled"` // false disables the synthesizer fallback
}

// LogConfig configures file and console logging
type LogConfig struct {
	Dir     string `mapstructure:"dir"`
	Level   string `mapstructure:"level"` // debug, info, warn, error
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	logDir := ""
	if dir, err := Dir(); err == nil {
		logDir = filepath.Join(dir, "logs")
	}

	return &Config{
		Backend: chat.DefaultConfig(),
		Model: ModelConfig{
			Path: "models/hiyori/hiyori.model3.json",
		},
		Idle: IdleConfig{
			Config:  idle.DefaultConfig(),
			Motions: append([]string(nil), idle.DefaultMotions...),
		},
		Watchdog:  watchdog.DefaultConfig(),
		Proactive: turn.DefaultConfig(),
		Speech: SpeechConfig{
			Config:  playback.DefaultConfig(),
			Synth:   tts.DefaultCommandConfig(),
			Enabled: true,
		},
		Audio:      audio.DefaultConfig(),
		Bridge:     bridge.DefaultConfig(),
		Reactions:  reaction.DefaultMappings(),
		Transcript: transcript.DefaultConfig(),
		Log: LogConfig{
			Dir:     logDir,
			Level:   "info",
			Console: true,
		},
	}
}

// Validate reports settings the companion cannot run with
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if strings.TrimSpace(c.Model.Path) == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	if c.Idle.RestMin < 0 || c.Idle.RestMax < c.Idle.RestMin {
		errs = append(errs, fmt.Errorf("idle rest window %s-%s is invalid", c.Idle.RestMin, c.Idle.RestMax))
	}
	if c.Watchdog.Threshold <= 0 {
		errs = append(errs, errors.New("watchdog.threshold must be positive"))
	}
	if c.Speech.MouthOpen < 0 || c.Speech.MouthOpen > 1 {
		errs = append(errs, errors.New("speech.mouth_open must be within 0..1"))
	}
	return errors.Join(errs...)
}

// Dir returns the configuration directory path
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, dirName), nil
}

// Loader reads, writes and watches one configuration file
type Loader struct {
	mu  sync.Mutex
	v   *viper.Viper
	dir string
}

// NewLoader returns a loader rooted at dir, or at Dir() when dir is empty
func NewLoader(dir string) *Loader {
	v := viper.New()
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v, dir: dir}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	return NewLoader("").Load()
}

// Load reads the file, creating it from defaults when missing
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := DefaultConfig()

	dir, err := l.resolveDir()
	if err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return cfg, err
	}

	l.v.AddConfigPath(dir)
	l.v.AddConfigPath(".")
	for key, val := range flatten(cfg) {
		l.v.SetDefault(key, val)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults and create one
		if err := l.saveLocked(cfg); err != nil {
			return cfg, err
		}
	}

	return l.decode()
}

// Save writes the configuration to file
func (l *Loader) Save(cfg *Config) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked(cfg)
}

func (l *Loader) saveLocked(cfg *Config) error {
	dir, err := l.resolveDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// A separate instance keeps the written values from shadowing later
	// edits to the file.
	out := viper.New()
	out.SetConfigType("yaml")
	for key, val := range flatten(cfg) {
		out.Set(key, val)
	}

	path := l.v.ConfigFileUsed()
	if path == "" {
		path = filepath.Join(dir, fileName+".yaml")
	}
	if err := out.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	l.v.SetConfigFile(path)
	if err := l.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Path returns the file backing this loader, empty before Load
func (l *Loader) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.v.ConfigFileUsed()
}

// Watch calls fn with the re-read configuration whenever the file changes
func (l *Loader) Watch(fn func(*Config, error)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.mu.Lock()
		cfg, err := l.decode()
		l.mu.Unlock()
		fn(cfg, err)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func (l *Loader) resolveDir() (string, error) {
	if l.dir != "" {
		return l.dir, nil
	}
	return Dir()
}

// flatten lists every setting under its dotted key so viper knows all of
// them, which is also what lets environment overrides reach nested keys.
func flatten(c *Config) map[string]any {
	reactions := make([]map[string]any, 0, len(c.Reactions))
	for _, m := range c.Reactions {
		reactions = append(reactions, map[string]any{"area": m.Area, "motion": m.Motion})
	}

	return map[string]any{
		"backend.base_url": c.Backend.BaseURL,
		"backend.path":     c.Backend.Path,
		"backend.timeout":  c.Backend.Timeout,

		"model.path": c.Model.Path,

		"idle.retry_delay":     c.Idle.RetryDelay,
		"idle.rest_min":        c.Idle.RestMin,
		"idle.rest_max":        c.Idle.RestMax,
		"idle.failure_backoff": c.Idle.FailureBackoff,
		"idle.motions":         c.Idle.Motions,

		"watchdog.threshold": c.Watchdog.Threshold,
		"watchdog.slack":     c.Watchdog.Slack,

		"proactive.thinking_expression": c.Proactive.ThinkingExpression,
		"proactive.thinking_motion":     c.Proactive.ThinkingMotion,
		"proactive.think_min":           c.Proactive.ThinkMin,
		"proactive.think_jitter":        c.Proactive.ThinkJitter,

		"speech.enabled":      c.Speech.Enabled,
		"speech.lang":         c.Speech.Lang,
		"speech.lang_prefix":  c.Speech.LangPrefix,
		"speech.voice_hints":  c.Speech.VoiceHints,
		"speech.mouth_param":  c.Speech.MouthParam,
		"speech.mouth_open":   c.Speech.MouthOpen,
		"speech.rate":         c.Speech.Rate,
		"speech.synth.engine": string(c.Speech.Synth.Engine),
		"speech.synth.binary": c.Speech.Synth.Binary,
		"speech.synth.rate":   c.Speech.Synth.Rate,

		"audio.timeout":   c.Audio.Timeout,
		"audio.max_bytes": c.Audio.MaxBytes,
		"audio.volume":    c.Audio.Volume,

		"bridge.addr":            c.Bridge.Addr,
		"bridge.path":            c.Bridge.Path,
		"bridge.static_dir":      c.Bridge.StaticDir,
		"bridge.request_timeout": c.Bridge.RequestTimeout,
		"bridge.write_timeout":   c.Bridge.WriteTimeout,

		"reactions": reactions,

		"transcript.max_entries": c.Transcript.MaxEntries,

		"log.dir":     c.Log.Dir,
		"log.level":   c.Log.Level,
		"log.console": c.Log.Console,
	}
}
