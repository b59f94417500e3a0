// Package playback speaks a reply through backend audio or local synthesis
// while holding the avatar's activity claim.
package playback

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/transcript"
	"github.com/normanking/cortexcompanion/internal/tts"
)

// UnsupportedNotice is appended to the transcript when no synthesis engine exists
const UnsupportedNotice = "Speech synthesis not supported."

// AudioPlayer plays a pre-rendered clip. Play blocks until the clip ends.
type AudioPlayer interface {
	Play(ctx context.Context, url string) error
}

// Synthesizer speaks text locally. Speak blocks until speech ends.
type Synthesizer interface {
	Voices(ctx context.Context) ([]tts.Voice, error)
	Speak(ctx context.Context, u tts.Utterance) error
}

// Notifier receives user-visible notices
type Notifier interface {
	Append(sender transcript.Sender, text string) transcript.Entry
}

// Config holds lip-sync and voice selection settings
type Config struct {
	Lang       string   `mapstructure:"lang"`
	LangPrefix string   `mapstructure:"lang_prefix"` // preferred voice language prefix
	VoiceHints []string `mapstructure:"voice_hints"` // substrings of preferred voice names
	MouthParam string   `mapstructure:"mouth_param"`
	MouthOpen  float64  `mapstructure:"mouth_open"`
	Rate       int      `mapstructure:"rate"`
}

// DefaultConfig returns the stock voice and mouth settings
func DefaultConfig() Config {
	return Config{
		Lang:       "en-US",
		LangPrefix: "en",
		VoiceHints: []string{"female", "zira", "samantha"},
		MouthParam: avatar.MouthOpenParam,
		MouthOpen:  0.6,
	}
}

// Channel identifies how a reply was voiced
type Channel int

const (
	ChannelNone Channel = iota
	ChannelAudio
	ChannelSpeech
)

func (c Channel) String() string {
	switch c {
	case ChannelAudio:
		return "audio"
	case ChannelSpeech:
		return "speech"
	default:
		return "none"
	}
}

// Request is the reply to voice
type Request struct {
	Text     string
	AudioURL string
}

// Outcome reports what Play did. Err is informational only.
type Outcome struct {
	Channel  Channel
	Fallback bool // audio failed and synthesis took over
	Err      error
}

// Coordinator owns a claim for the duration of one reply
type Coordinator struct {
	cfg      Config
	session  *avatar.Session
	audio    AudioPlayer
	synth    Synthesizer
	notifier Notifier
	bus      *bus.EventBus
	logger   zerolog.Logger

	mu     sync.Mutex
	voices []tts.Voice
}

// NewCoordinator creates a coordinator. audio and synth may be nil.
func NewCoordinator(cfg Config, session *avatar.Session, audio AudioPlayer, synth Synthesizer, notifier Notifier, eventBus *bus.EventBus, logger zerolog.Logger) *Coordinator {
	if cfg.MouthParam == "" {
		cfg.MouthParam = avatar.MouthOpenParam
	}
	return &Coordinator{
		cfg:      cfg,
		session:  session,
		audio:    audio,
		synth:    synth,
		notifier: notifier,
		bus:      eventBus,
		logger:   logger.With().Str("component", "playback").Logger(),
	}
}

// Play voices req and releases claim exactly once before returning
func (c *Coordinator) Play(ctx context.Context, claim *avatar.Claim, req Request) (out Outcome) {
	defer claim.Release()
	claim.Handoff(avatar.OwnerSpeaking)

	c.bus.Publish(bus.Event{
		Type: bus.EventTypePlaybackStarted,
		Data: map[string]any{"has_audio": req.AudioURL != ""},
	})
	defer func() {
		c.bus.Publish(bus.Event{
			Type: bus.EventTypePlaybackEnded,
			Data: map[string]any{"channel": out.Channel.String(), "fallback": out.Fallback},
		})
	}()

	if req.AudioURL != "" {
		err := c.playAudio(ctx, req.AudioURL)
		if err == nil {
			return Outcome{Channel: ChannelAudio}
		}
		c.logger.Warn().Err(err).Str("url", req.AudioURL).Msg("Backend audio failed, falling back to synthesis")
		c.bus.Publish(bus.Event{
			Type: bus.EventTypePlaybackFallback,
			Data: map[string]any{"error": err.Error()},
		})
		out = c.speak(ctx, req.Text)
		out.Fallback = true
		return out
	}

	return c.speak(ctx, req.Text)
}

func (c *Coordinator) playAudio(ctx context.Context, url string) error {
	if c.audio == nil {
		return errors.New("no audio player configured")
	}
	return c.audio.Play(ctx, url)
}

func (c *Coordinator) speak(ctx context.Context, text string) Outcome {
	if c.synth == nil {
		c.unsupported()
		return Outcome{Err: tts.ErrUnsupported}
	}
	if strings.TrimSpace(text) == "" {
		return Outcome{}
	}

	voice, err := c.voice(ctx)
	if errors.Is(err, tts.ErrUnsupported) {
		c.unsupported()
		return Outcome{Err: err}
	}
	if err != nil {
		c.logger.Debug().Err(err).Msg("Voice list unavailable, using default voice")
	}

	u := tts.Utterance{
		Text:  text,
		Lang:  c.cfg.Lang,
		Voice: voice,
		Rate:  c.cfg.Rate,
	}

	model := c.session.Model()
	if model != nil {
		u.OnStart = func() { c.setMouth(model, c.cfg.MouthOpen) }
	} else {
		c.logger.Debug().Msg("No model for lip sync, speaking without mouth movement")
	}

	err = c.synth.Speak(ctx, u)
	if model != nil {
		c.setMouth(model, 0)
	}

	switch {
	case errors.Is(err, tts.ErrUnsupported):
		c.unsupported()
		return Outcome{Err: err}
	case err != nil:
		c.logger.Warn().Err(err).Msg("Speech synthesis failed")
		return Outcome{Channel: ChannelSpeech, Err: err}
	}
	return Outcome{Channel: ChannelSpeech}
}

func (c *Coordinator) setMouth(model avatar.Model, v float64) {
	if err := model.SetParameter(c.cfg.MouthParam, v); err != nil {
		c.logger.Warn().Err(err).Str("param", c.cfg.MouthParam).Msg("Lip sync parameter rejected")
	}
}

func (c *Coordinator) unsupported() {
	c.logger.Warn().Msg("Speech synthesis not supported")
	if c.notifier != nil {
		c.notifier.Append(transcript.SenderSystem, UnsupportedNotice)
	}
}

// voice returns the preferred voice ID, caching the voice list once loaded
func (c *Coordinator) voice(ctx context.Context) (string, error) {
	c.mu.Lock()
	voices := c.voices
	c.mu.Unlock()

	if voices == nil {
		list, err := c.synth.Voices(ctx)
		if err != nil {
			return "", err
		}
		if len(list) > 0 {
			c.mu.Lock()
			c.voices = list
			c.mu.Unlock()
		}
		voices = list
	}
	return SelectVoice(voices, c.cfg.LangPrefix, c.cfg.VoiceHints), nil
}

// SelectVoice returns the first voice whose language starts with langPrefix
// and whose name (or gender) contains one of hints, or "" for the engine default.
func SelectVoice(voices []tts.Voice, langPrefix string, hints []string) string {
	prefix := strings.ToLower(langPrefix)
	for _, v := range voices {
		if !strings.HasPrefix(strings.ToLower(v.Language), prefix) {
			continue
		}
		name := strings.ToLower(v.Name + " " + v.Gender)
		for _, h := range hints {
			if h != "" && strings.Contains(name, strings.ToLower(h)) {
				return v.ID
			}
		}
	}
	return ""
}
