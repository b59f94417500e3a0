package tts

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Engine names a supported speech executable
type Engine string

const (
	EngineAuto    Engine = "auto"
	EngineEspeak  Engine = "espeak-ng"
	EngineEspeak1 Engine = "espeak"
	EngineSay     Engine = "say"
)

// CommandConfig holds command synthesizer configuration
type CommandConfig struct {
	Engine Engine `mapstructure:"engine"` // auto picks say on macOS, espeak-ng elsewhere
	Binary string `mapstructure:"binary"` // explicit executable path, overrides lookup
	Rate   int    `mapstructure:"rate"`   // words per minute, 0 for engine default
}

// DefaultCommandConfig returns sensible defaults
func DefaultCommandConfig() CommandConfig {
	return CommandConfig{Engine: EngineAuto}
}

// CommandSynthesizer speaks through a local TTS executable, blocking until
// playback completes.
type CommandSynthesizer struct {
	logger zerolog.Logger
	config CommandConfig
	engine Engine
	binary string
}

// NewCommandSynthesizer resolves the engine executable. A missing executable
// is not an error here; Speak and Voices report ErrUnsupported instead.
func NewCommandSynthesizer(logger zerolog.Logger, config CommandConfig) *CommandSynthesizer {
	s := &CommandSynthesizer{
		logger: logger.With().Str("provider", "command-tts").Logger(),
		config: config,
	}
	s.engine, s.binary = resolve(config)
	if s.binary == "" {
		s.logger.Warn().Str("engine", string(config.Engine)).Msg("No speech engine found")
	} else {
		s.logger.Debug().Str("engine", string(s.engine)).Str("binary", s.binary).Msg("Speech engine resolved")
	}
	return s
}

func resolve(config CommandConfig) (Engine, string) {
	if config.Binary != "" {
		path, err := exec.LookPath(config.Binary)
		if err != nil {
			return "", ""
		}
		return engineFor(config.Binary), path
	}

	candidates := []Engine{config.Engine}
	if config.Engine == "" || config.Engine == EngineAuto {
		candidates = []Engine{EngineEspeak, EngineEspeak1}
		if runtime.GOOS == "darwin" {
			candidates = append([]Engine{EngineSay}, candidates...)
		}
	}
	for _, e := range candidates {
		if path, err := exec.LookPath(string(e)); err == nil {
			return e, path
		}
	}
	return "", ""
}

func engineFor(binary string) Engine {
	switch strings.TrimSuffix(filepath.Base(binary), filepath.Ext(binary)) {
	case "say":
		return EngineSay
	case "espeak":
		return EngineEspeak1
	default:
		return EngineEspeak
	}
}

// Name returns the provider identifier
func (s *CommandSynthesizer) Name() string {
	if s.engine == "" {
		return "none"
	}
	return string(s.engine)
}

// IsAvailable reports whether an engine executable was found
func (s *CommandSynthesizer) IsAvailable() bool {
	return s.binary != ""
}

// Voices lists the engine's installed voices
func (s *CommandSynthesizer) Voices(ctx context.Context) ([]Voice, error) {
	if !s.IsAvailable() {
		return nil, ErrUnsupported
	}

	var args []string
	if s.engine == EngineSay {
		args = []string{"-v", "?"}
	} else {
		args = []string{"--voices"}
	}

	out, err := exec.CommandContext(ctx, s.binary, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("list voices: %w", err)
	}
	if s.engine == EngineSay {
		return parseSayVoices(string(out)), nil
	}
	return parseEspeakVoices(string(out)), nil
}

// Speak synthesises u and blocks until it has been played
func (s *CommandSynthesizer) Speak(ctx context.Context, u Utterance) error {
	if !s.IsAvailable() {
		return ErrUnsupported
	}
	if strings.TrimSpace(u.Text) == "" {
		return ErrEmptyText
	}

	args := s.args(u)
	start := time.Now()

	s.logger.Debug().
		Str("voice", u.Voice).
		Int("textLen", len(u.Text)).
		Msg("Speaking")

	cmd := exec.CommandContext(ctx, s.binary, args...)
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return ErrUnsupported
		}
		return fmt.Errorf("start %s: %w", s.engine, err)
	}
	if u.OnStart != nil {
		u.OnStart()
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s failed: %w", s.engine, err)
	}

	s.logger.Debug().Dur("duration", time.Since(start)).Msg("Speech complete")
	return nil
}

func (s *CommandSynthesizer) args(u Utterance) []string {
	rate := u.Rate
	if rate == 0 {
		rate = s.config.Rate
	}

	var args []string
	voice := u.Voice
	if voice == "" && s.engine != EngineSay && u.Lang != "" {
		voice = strings.ToLower(NormalizeLang(u.Lang))
	}
	if voice != "" {
		args = append(args, "-v", voice)
	}
	if rate > 0 {
		if s.engine == EngineSay {
			args = append(args, "-r", strconv.Itoa(rate))
		} else {
			args = append(args, "-s", strconv.Itoa(rate))
		}
	}
	if s.engine != EngineSay {
		args = append(args, "--")
	}
	return append(args, u.Text)
}

// parseEspeakVoices parses `espeak-ng --voices`:
//
//	Pty Language       Age/Gender VoiceName          File          Other Languages
//	 5  en-us           --/M      English_(America)  gmw/en-US     (en 5)
func parseEspeakVoices(out string) []Voice {
	var voices []Voice
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[0] == "Pty" {
			continue
		}
		gender := ""
		switch {
		case strings.HasSuffix(fields[2], "/F"):
			gender = "female"
		case strings.HasSuffix(fields[2], "/M"):
			gender = "male"
		}
		voices = append(voices, Voice{
			ID:       fields[1],
			Name:     strings.ReplaceAll(fields[3], "_", " "),
			Language: NormalizeLang(fields[1]),
			Gender:   gender,
		})
	}
	return voices
}

// parseSayVoices parses `say -v '?'`:
//
//	Samantha            en_US    # Hello, my name is Samantha.
//	Bad News            en_US    # The light you see at the end of the tunnel...
func parseSayVoices(out string) []Voice {
	var voices []Voice
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line, _, _ := strings.Cut(sc.Text(), "#")
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		lang := fields[len(fields)-1]
		name := strings.Join(fields[:len(fields)-1], " ")
		voices = append(voices, Voice{
			ID:       name,
			Name:     name,
			Language: NormalizeLang(lang),
		})
	}
	return voices
}
