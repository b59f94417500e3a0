// Package bridge connects the companion to a browser page that renders the
// Live2D model, over a single websocket.
package bridge

import (
	"errors"

	"github.com/normanking/cortexcompanion/internal/transcript"
)

// Frame types sent to the page
const (
	FrameLoadModel  = "load_model"
	FrameMotion     = "motion"
	FrameExpression = "expression"
	FrameParameter  = "parameter"
	FrameTranscript = "transcript"
)

// Frame types received from the page
const (
	FrameAck     = "ack"
	FrameHit     = "hit"
	FrameMessage = "message"
	FrameVoice   = "voice"
)

var (
	// ErrNoRenderer means no page is connected
	ErrNoRenderer = errors.New("no renderer connected")
	// ErrTimeout means the page did not acknowledge a request in time
	ErrTimeout = errors.New("renderer did not respond")
)

// Frame is the JSON envelope for both directions. Requests carrying an ID
// are answered by an ack with the same ID.
type Frame struct {
	Type     string            `json:"type"`
	ID       string            `json:"id,omitempty"`
	Path     string            `json:"path,omitempty"`
	Name     string            `json:"name,omitempty"`
	Priority string            `json:"priority,omitempty"`
	Param    string            `json:"param,omitempty"`
	Value    *float64          `json:"value,omitempty"`
	Entry    *transcript.Entry `json:"entry,omitempty"`
	Areas    []string          `json:"areas,omitempty"`
	Text     string            `json:"text,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// RendererError is a failure reported by the page in an ack
type RendererError struct {
	Op      string
	Message string
}

func (e *RendererError) Error() string {
	return e.Op + ": " + e.Message
}
