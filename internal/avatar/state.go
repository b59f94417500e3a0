// Package avatar owns the avatar's activity claim and the renderer-facing model contract.
package avatar

import (
	"strings"
)

// EmotionState is an expression name understood by the renderer
type EmotionState string

const (
	EmotionNeutral  EmotionState = "neutral"
	EmotionHappy    EmotionState = "happy"
	EmotionThinking EmotionState = "thinking"
	EmotionConfused EmotionState = "confused"
)

// ParseEmotion normalizes a backend emotion directive.
// An empty directive is treated as neutral.
func ParseEmotion(s string) EmotionState {
	s = strings.TrimSpace(s)
	if s == "" {
		return EmotionNeutral
	}
	if strings.EqualFold(s, string(EmotionNeutral)) {
		return EmotionNeutral
	}
	return EmotionState(s)
}

// IsNeutral reports whether the expression should be cleared rather than set
func (e EmotionState) IsNeutral() bool {
	return e == "" || strings.EqualFold(string(e), string(EmotionNeutral))
}

// Priority is the motion playback tier. Higher tiers pre-empt lower ones.
type Priority int

const (
	PriorityIdle Priority = iota + 1
	PriorityNormal
	PriorityForce
)

// String returns the renderer name of the tier
func (p Priority) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityNormal:
		return "normal"
	case PriorityForce:
		return "force"
	default:
		return "unknown"
	}
}

// Preempts reports whether a motion at p interrupts one playing at other.
// Force always wins, including over another forced motion.
func (p Priority) Preempts(other Priority) bool {
	if p == PriorityForce {
		return true
	}
	return p > other
}

// ParsePriority is the inverse of String. Unknown names map to PriorityNormal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "idle":
		return PriorityIdle
	case "force":
		return PriorityForce
	default:
		return PriorityNormal
	}
}
