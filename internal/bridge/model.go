package bridge

import (
	"context"

	"github.com/normanking/cortexcompanion/internal/avatar"
)

// RemoteModel drives the model loaded by one page
type RemoteModel struct {
	bridge *Bridge
	peer   *peer
	path   string
}

var _ avatar.Model = (*RemoteModel)(nil)

// Path returns the model path the page loaded
func (m *RemoteModel) Path() string {
	return m.path
}

// PlayMotion blocks until the page reports the motion finished
func (m *RemoteModel) PlayMotion(ctx context.Context, name string, priority avatar.Priority) error {
	return m.bridge.request(ctx, m.peer, Frame{Type: FrameMotion, Name: name, Priority: priority.String()})
}

// SetExpression applies (or with "" clears) an expression
func (m *RemoteModel) SetExpression(ctx context.Context, name string) error {
	return m.bridge.request(ctx, m.peer, Frame{Type: FrameExpression, Name: name})
}

// SetParameter overrides a model parameter without waiting for the page
func (m *RemoteModel) SetParameter(id string, value float64) error {
	return m.bridge.send(m.peer, Frame{Type: FrameParameter, Param: id, Value: &value})
}
