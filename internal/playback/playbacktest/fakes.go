// Package playbacktest provides in-memory audio and speech fakes.
package playbacktest

import (
	"context"
	"sync"

	"github.com/normanking/cortexcompanion/internal/tts"
)

// Audio records played URLs and returns Err for each
type Audio struct {
	mu   sync.Mutex
	Err  error
	urls []string
	hold chan struct{}
}

// NewAudio returns an audio fake that succeeds immediately
func NewAudio() *Audio {
	return &Audio{}
}

// Hold makes Play block until Release
func (a *Audio) Hold() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hold = make(chan struct{})
}

// Release unblocks held Play calls
func (a *Audio) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hold != nil {
		close(a.hold)
		a.hold = nil
	}
}

// SetErr changes the result of later Play calls
func (a *Audio) SetErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Err = err
}

func (a *Audio) Play(ctx context.Context, url string) error {
	a.mu.Lock()
	a.urls = append(a.urls, url)
	hold, err := a.hold, a.Err
	a.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// URLs returns the clips requested so far
func (a *Audio) URLs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.urls...)
}

// Synth records utterances. OnStart is invoked before Speak returns unless
// SpeakErr is set, mirroring an engine that fails to start.
type Synth struct {
	mu        sync.Mutex
	VoiceList []tts.Voice
	VoicesErr error
	SpeakErr  error
	// During is called between OnStart and the end of speech
	During     func()
	spoken     []tts.Utterance
	voiceCalls int
	hold       chan struct{}
}

// NewSynth returns a synth fake with a small voice list
func NewSynth() *Synth {
	return &Synth{
		VoiceList: []tts.Voice{
			{ID: "en-gb", Name: "Daniel", Language: "en-GB", Gender: "male"},
			{ID: "Samantha", Name: "Samantha", Language: "en-US", Gender: "female"},
		},
	}
}

// Hold makes Speak block until Release
func (s *Synth) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hold = make(chan struct{})
}

// Release unblocks held Speak calls
func (s *Synth) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hold != nil {
		close(s.hold)
		s.hold = nil
	}
}

func (s *Synth) Voices(context.Context) ([]tts.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiceCalls++
	if s.VoicesErr != nil {
		return nil, s.VoicesErr
	}
	return append([]tts.Voice(nil), s.VoiceList...), nil
}

func (s *Synth) Speak(ctx context.Context, u tts.Utterance) error {
	s.mu.Lock()
	s.spoken = append(s.spoken, u)
	err, during, hold := s.SpeakErr, s.During, s.hold
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if u.OnStart != nil {
		u.OnStart()
	}
	if during != nil {
		during()
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Spoken returns every utterance passed to Speak
func (s *Synth) Spoken() []tts.Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tts.Utterance(nil), s.spoken...)
}

// VoiceCalls returns how often the voice list was requested
func (s *Synth) VoiceCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiceCalls
}
