package avatar

import (
	"context"
	"errors"
)

var (
	// ErrBusy is returned when another activity already owns the avatar
	ErrBusy = errors.New("avatar is busy")
	// ErrModelNotLoaded is returned by operations that need a loaded model
	ErrModelNotLoaded = errors.New("avatar model not loaded")
	// ErrRendererMissing means no renderer collaborator was configured at all
	ErrRendererMissing = errors.New("avatar renderer unavailable")
)

// MouthOpenParam is the default lip-sync parameter of Cubism models
const MouthOpenParam = "ParamMouthOpenY"

// Model is a loaded character instance.
//
// PlayMotion blocks until the motion finishes or fails. SetExpression("")
// clears the current expression.
type Model interface {
	PlayMotion(ctx context.Context, name string, priority Priority) error
	SetExpression(ctx context.Context, name string) error
	SetParameter(id string, value float64) error
}

// Loader loads a model from a renderer-relative path
type Loader interface {
	Load(ctx context.Context, path string) (Model, error)
}

// HitArea names a tappable region of the model
type HitArea string

const (
	HitBody HitArea = "Body"
	HitHead HitArea = "Head"
)
