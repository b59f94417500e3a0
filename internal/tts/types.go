// Package tts provides local speech synthesis for the companion.
package tts

import (
	"errors"
	"strings"
)

// Common errors
var (
	// ErrUnsupported means no synthesis engine exists on this host
	ErrUnsupported = errors.New("speech synthesis not supported")
	ErrEmptyText   = errors.New("nothing to speak")
)

// Voice represents an available synthesis voice
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"` // BCP 47, e.g. en-US
	Gender   string `json:"gender"`   // male, female or empty when unknown
}

// Utterance is one piece of text to speak
type Utterance struct {
	Text  string
	Lang  string
	Voice string // Voice.ID; empty selects the engine default
	Rate  int    // words per minute; 0 keeps the engine default
	// OnStart is called once audio output has begun
	OnStart func()
}

// NormalizeLang rewrites en_US style tags to en-US
func NormalizeLang(lang string) string {
	return strings.ReplaceAll(strings.TrimSpace(lang), "_", "-")
}
