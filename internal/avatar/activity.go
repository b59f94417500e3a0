package avatar

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/bus"
)

// Owner identifies the activity currently driving the avatar
type Owner int

const (
	OwnerNone Owner = iota
	OwnerFetching
	OwnerThinking
	OwnerSpeaking
	OwnerReacting
)

func (o Owner) String() string {
	switch o {
	case OwnerNone:
		return "none"
	case OwnerFetching:
		return "fetching"
	case OwnerThinking:
		return "thinking"
	case OwnerSpeaking:
		return "speaking"
	case OwnerReacting:
		return "reacting"
	default:
		return "unknown"
	}
}

// Hook is called outside the session lock when a claim is taken or released
type Hook func(owner Owner)

// Session is the single shared activity state of one avatar.
// At most one Claim holds it at a time.
type Session struct {
	clock  clockwork.Clock
	bus    *bus.EventBus
	logger zerolog.Logger

	mu        sync.Mutex
	owner     Owner
	gen       uint64
	claimID   string
	since     time.Time
	model     Model
	onEnter   []Hook
	onRelease []Hook
}

// NewSession creates an idle session with no model attached
func NewSession(clock clockwork.Clock, eventBus *bus.EventBus, logger zerolog.Logger) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Session{
		clock:  clock,
		bus:    eventBus,
		logger: logger.With().Str("component", "session").Logger(),
	}
}

// OnEnter registers a hook fired after every successful TryEnter
func (s *Session) OnEnter(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnter = append(s.onEnter, h)
}

// OnRelease registers a hook fired after every claim release
func (s *Session) OnRelease(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRelease = append(s.onRelease, h)
}

// Active reports whether any activity holds the avatar
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner != OwnerNone
}

// Owner returns the current owner, OwnerNone when free
func (s *Session) Owner() Owner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

// Model returns the attached model or nil
func (s *Session) Model() Model {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetModel attaches (or with nil detaches) the loaded model
func (s *Session) SetModel(m Model) {
	s.mu.Lock()
	had := s.model != nil
	s.model = m
	s.mu.Unlock()

	switch {
	case m != nil:
		s.bus.Publish(bus.Event{Type: bus.EventTypeModelLoaded})
	case had:
		s.bus.Publish(bus.Event{Type: bus.EventTypeModelUnloaded})
	}
}

// TryEnter claims the avatar for owner. It fails without side effects when
// another claim is held.
func (s *Session) TryEnter(owner Owner) (*Claim, bool) {
	if owner == OwnerNone {
		return nil, false
	}

	s.mu.Lock()
	if s.owner != OwnerNone {
		current := s.owner
		s.mu.Unlock()
		s.logger.Debug().
			Str("requested", owner.String()).
			Str("current", current.String()).
			Msg("Activity claim refused")
		return nil, false
	}
	s.gen++
	s.owner = owner
	s.claimID = uuid.New().String()
	s.since = s.clock.Now()
	claim := &Claim{session: s, id: s.claimID, gen: s.gen}
	hooks := append([]Hook(nil), s.onEnter...)
	s.mu.Unlock()

	s.logger.Debug().Str("owner", owner.String()).Str("claim_id", claim.id).Msg("Activity claimed")
	s.bus.Publish(bus.Event{
		Type: bus.EventTypeActivityClaimed,
		Data: map[string]any{"owner": owner.String(), "claim_id": claim.id},
	})

	for _, h := range hooks {
		h(owner)
	}
	return claim, true
}

func (s *Session) release(c *Claim) {
	s.mu.Lock()
	if s.gen != c.gen || s.owner == OwnerNone {
		s.mu.Unlock()
		return
	}
	owner := s.owner
	held := s.clock.Since(s.since)
	s.owner = OwnerNone
	s.claimID = ""
	hooks := append([]Hook(nil), s.onRelease...)
	s.mu.Unlock()

	s.logger.Debug().
		Str("owner", owner.String()).
		Str("claim_id", c.id).
		Dur("held", held).
		Msg("Activity released")
	s.bus.Publish(bus.Event{
		Type: bus.EventTypeActivityReleased,
		Data: map[string]any{"owner": owner.String(), "claim_id": c.id},
	})

	for _, h := range hooks {
		h(owner)
	}
}

// Claim is exclusive ownership of a Session. Release it exactly once,
// usually with defer.
type Claim struct {
	session *Session
	id      string
	gen     uint64
	once    sync.Once
}

// ID returns the unique claim identifier
func (c *Claim) ID() string {
	return c.id
}

// Held reports whether this claim still owns the session
func (c *Claim) Held() bool {
	if c == nil {
		return false
	}
	s := c.session
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == c.gen && s.owner != OwnerNone
}

// Owner returns the owner label while held, or OwnerNone
func (c *Claim) Owner() Owner {
	if c == nil {
		return OwnerNone
	}
	s := c.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != c.gen {
		return OwnerNone
	}
	return s.owner
}

// Handoff relabels the owner without clearing the flag
func (c *Claim) Handoff(owner Owner) bool {
	if c == nil || owner == OwnerNone {
		return false
	}
	s := c.session
	s.mu.Lock()
	if s.gen != c.gen || s.owner == OwnerNone {
		s.mu.Unlock()
		return false
	}
	from := s.owner
	s.owner = owner
	s.mu.Unlock()

	s.bus.Publish(bus.Event{
		Type: bus.EventTypeActivityHandoff,
		Data: map[string]any{"from": from.String(), "to": owner.String(), "claim_id": c.id},
	})
	return true
}

// Release clears the flag and fires release hooks. Only the first call has
// any effect; it returns true for that call.
func (c *Claim) Release() bool {
	if c == nil {
		return false
	}
	first := false
	c.once.Do(func() {
		first = true
		c.session.release(c)
	})
	return first
}
