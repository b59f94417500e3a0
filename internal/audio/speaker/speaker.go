// Package speaker plays decoded audio on the default system output device.
package speaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
	"github.com/rs/zerolog"
)

// SampleRate is the device rate; clips at other rates are resampled
const SampleRate beep.SampleRate = 44100

// Output is an audio.Output backed by the system speaker. Only one clip
// plays at a time.
type Output struct {
	logger zerolog.Logger

	initOnce sync.Once
	initErr  error
	playMu   sync.Mutex
}

// New returns an output; the device is opened on first Play
func New(logger zerolog.Logger) *Output {
	return &Output{logger: logger.With().Str("component", "speaker").Logger()}
}

func (o *Output) init() error {
	o.initOnce.Do(func() {
		o.initErr = speaker.Init(SampleRate, SampleRate.N(100*time.Millisecond))
		if o.initErr != nil {
			o.logger.Error().Err(o.initErr).Msg("Audio device unavailable")
		}
	})
	return o.initErr
}

// Play blocks until s is drained. Cancelling ctx stops playback.
func (o *Output) Play(ctx context.Context, s beep.Streamer, format beep.Format) error {
	if err := o.init(); err != nil {
		return fmt.Errorf("init speaker: %w", err)
	}

	o.playMu.Lock()
	defer o.playMu.Unlock()

	if format.SampleRate != SampleRate {
		s = beep.Resample(4, format.SampleRate, SampleRate, s)
	}

	done := make(chan struct{})
	speaker.Play(beep.Seq(s, beep.Callback(func() { close(done) })))

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Clear()
		return ctx.Err()
	}
}

// Close stops anything still playing
func (o *Output) Close() {
	speaker.Clear()
}
