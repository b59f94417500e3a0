// Package audio plays backend-rendered speech clips.
package audio

import (
	"context"
	"errors"
	"time"

	"github.com/faiface/beep"
)

// Common errors
var (
	// ErrLoad wraps every failure to fetch or decode a clip
	ErrLoad           = errors.New("audio clip could not be loaded")
	ErrInvalidFormat  = errors.New("invalid audio format")
	ErrOutputNotReady = errors.New("audio output not ready")
	ErrClipTooLarge   = errors.New("audio clip too large")
)

// AudioFormat represents audio encoding format
type AudioFormat string

const (
	FormatWAV     AudioFormat = "wav"
	FormatMP3     AudioFormat = "mp3"
	FormatUnknown AudioFormat = ""
)

// Output renders decoded audio. Play blocks until s is drained or ctx ends.
type Output interface {
	Play(ctx context.Context, s beep.Streamer, format beep.Format) error
}

// Config holds clip playback configuration
type Config struct {
	Timeout  time.Duration `mapstructure:"timeout"`   // fetch timeout
	MaxBytes int64         `mapstructure:"max_bytes"` // refuse larger clips
	Volume   float64       `mapstructure:"volume"`    // gain in halvings/doublings, 0 leaves it unchanged
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout:  30 * time.Second,
		MaxBytes: 32 << 20,
	}
}
