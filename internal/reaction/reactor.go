// Package reaction plays tap reactions when the user touches the model.
package reaction

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/bus"
)

// Mapping binds a hit area to its reaction motion
type Mapping struct {
	Area   string `mapstructure:"area"`
	Motion string `mapstructure:"motion"`
}

// DefaultMappings returns the stock reactions, Body taking precedence over Head
func DefaultMappings() []Mapping {
	return []Mapping{
		{Area: string(avatar.HitBody), Motion: "TapBody"},
		{Area: string(avatar.HitHead), Motion: "TapHead"},
	}
}

// Reactor turns hit events into forced motions under a reacting claim
type Reactor struct {
	session *avatar.Session
	motions []Mapping
	bus     *bus.EventBus
	logger  zerolog.Logger
}

// NewReactor creates a reactor. Earlier mappings win when several areas are
// hit at once; area names match case-insensitively.
func NewReactor(session *avatar.Session, mappings []Mapping, eventBus *bus.EventBus, logger zerolog.Logger) *Reactor {
	if mappings == nil {
		mappings = DefaultMappings()
	}
	return &Reactor{
		session: session,
		motions: mappings,
		bus:     eventBus,
		logger:  logger.With().Str("component", "reaction").Logger(),
	}
}

// Hit reacts to a tap on areas and blocks until the reaction motion ends.
// It reports whether a reaction played.
func (r *Reactor) Hit(ctx context.Context, areas []string) bool {
	model := r.session.Model()
	if model == nil {
		return false
	}

	claim, ok := r.session.TryEnter(avatar.OwnerReacting)
	if !ok {
		r.logger.Debug().Strs("areas", areas).Msg("Hit ignored while busy")
		return false
	}
	// the release counts as the interaction for the watchdog
	defer claim.Release()

	r.bus.Publish(bus.Event{
		Type: bus.EventTypeModelHit,
		Data: map[string]any{"areas": areas},
	})

	motion, area := r.match(areas)
	if motion == "" {
		r.logger.Debug().Strs("areas", areas).Msg("Hit on unmapped area")
		return false
	}

	r.logger.Debug().Str("area", area).Str("motion", motion).Msg("Playing reaction")
	if err := model.PlayMotion(ctx, motion, avatar.PriorityForce); err != nil {
		r.logger.Warn().Err(err).Str("motion", motion).Msg("Reaction motion failed")
	}
	return true
}

func (r *Reactor) match(areas []string) (motion, area string) {
	for _, m := range r.motions {
		if m.Motion == "" {
			continue
		}
		for _, a := range areas {
			if strings.EqualFold(strings.TrimSpace(a), m.Area) {
				return m.Motion, a
			}
		}
	}
	return "", ""
}
