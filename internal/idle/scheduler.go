package idle

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/bus"
)

// Config holds the idle loop delays
type Config struct {
	RetryDelay     time.Duration `mapstructure:"retry_delay"` // model absent or avatar busy
	RestMin        time.Duration `mapstructure:"rest_min"`
	RestMax        time.Duration `mapstructure:"rest_max"`        // exclusive
	FailureBackoff time.Duration `mapstructure:"failure_backoff"` // after a failed idle motion
}

// DefaultConfig returns the stock idle timings
func DefaultConfig() Config {
	return Config{
		RetryDelay:     5 * time.Second,
		RestMin:        7 * time.Second,
		RestMax:        15 * time.Second,
		FailureBackoff: 10 * time.Second,
	}
}

// State is the scheduler's loop position
type State int

const (
	StateIdle State = iota
	StateDispatching
	StateResting
	StateRetrying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateResting:
		return "resting"
	case StateRetrying:
		return "retrying"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock sets the clock used for rest and retry timers
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithRand sets the source used to pick motions and rest delays
func WithRand(r *rand.Rand) Option {
	return func(s *Scheduler) { s.rng = r }
}

// WithEventBus publishes idle events on b
func WithEventBus(b *bus.EventBus) Option {
	return func(s *Scheduler) { s.bus = b }
}

// WithLogger sets the scheduler logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// Scheduler loops random idle motions while no activity holds the session.
// It keeps at most one pending timer.
type Scheduler struct {
	cfg     Config
	session *avatar.Session
	clock   clockwork.Clock
	bus     *bus.EventBus
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	catalog  *Catalog
	rng      *rand.Rand
	state    State
	timer    clockwork.Timer
	timerSeq uint64
	gen      uint64 // dispatch generation
	epoch    uint64 // bumped by Cancel
	dispatch uint64 // epoch captured when the in-flight dispatch started
	restart  bool   // Start arrived while dispatching
}

// New creates a scheduler bound to session. It cancels its timer whenever
// the session is claimed and restarts the loop whenever a claim is released.
func New(session *avatar.Session, catalog *Catalog, cfg Config, opts ...Option) *Scheduler {
	if cfg.RestMax < cfg.RestMin {
		cfg.RestMax = cfg.RestMin
	}
	s := &Scheduler{
		cfg:     cfg,
		session: session,
		clock:   clockwork.NewRealClock(),
		logger:  zerolog.Nop(),
		catalog: catalog,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(s.clock.Now().UnixNano()))
	}
	s.logger = s.logger.With().Str("component", "idle").Logger()
	s.ctx, s.cancel = context.WithCancel(context.Background())

	session.OnEnter(func(avatar.Owner) { s.Cancel() })
	session.OnRelease(func(avatar.Owner) { s.Start() })
	return s
}

// Start begins (or restarts) the loop with an immediate attempt. It is safe
// to call repeatedly; at most one chain of timers ever exists.
func (s *Scheduler) Start() {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		s.mu.Unlock()
		return
	case StateDispatching:
		s.restart = true
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	s.state = StateIdle
	s.mu.Unlock()

	s.attempt()
}

// Cancel drops the pending timer. An in-flight idle motion is left to finish
// but will not schedule a follow-up.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	s.restart = false
	s.stopTimerLocked()
	if s.state == StateResting || s.state == StateRetrying {
		s.state = StateIdle
	}
}

// Stop terminates the loop for good
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.state = StateStopped
	s.stopTimerLocked()
	s.mu.Unlock()
	s.cancel()
}

// State returns the current loop state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pending reports whether a rest or retry timer is armed
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Catalog returns the active motion catalog
func (s *Scheduler) Catalog() *Catalog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.catalog
}

// SetCatalog swaps the catalog used by subsequent attempts
func (s *Scheduler) SetCatalog(c *Catalog) {
	s.mu.Lock()
	s.catalog = c
	s.mu.Unlock()
	s.logger.Info().Strs("motions", c.Names()).Msg("Idle catalog updated")
}

// IsIdle reports whether name is an idle motion in the active catalog
func (s *Scheduler) IsIdle(name string) bool {
	return s.Catalog().IsIdle(name)
}

func (s *Scheduler) attempt() {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	model := s.session.Model()
	busy := s.session.Active()

	s.mu.Lock()
	if s.state == StateStopped || s.state == StateDispatching || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()

	if model == nil || busy {
		s.scheduleLocked(StateRetrying, s.cfg.RetryDelay)
		s.mu.Unlock()
		s.logger.Debug().
			Bool("model_loaded", model != nil).
			Bool("busy", busy).
			Dur("retry_in", s.cfg.RetryDelay).
			Msg("Idle attempt deferred")
		return
	}

	name, ok := s.catalog.Pick(s.rng)
	if !ok {
		s.state = StateIdle
		s.mu.Unlock()
		s.logger.Warn().Msg("No idle motions configured")
		return
	}

	s.gen++
	gen := s.gen
	s.dispatch = epoch
	s.state = StateDispatching
	s.restart = false
	ctx := s.ctx
	s.mu.Unlock()

	s.logger.Debug().Str("motion", name).Msg("Playing idle motion")
	s.bus.Publish(bus.Event{
		Type: bus.EventTypeIdleMotionStarted,
		Data: map[string]any{"motion": name},
	})

	go s.play(ctx, gen, model, name)
}

func (s *Scheduler) play(ctx context.Context, gen uint64, model avatar.Model, name string) {
	err := model.PlayMotion(ctx, name, avatar.PriorityIdle)

	s.mu.Lock()
	if s.state != StateDispatching || s.gen != gen {
		s.mu.Unlock()
		return
	}

	restart := s.restart
	s.restart = false

	switch {
	case s.epoch != s.dispatch && restart:
		// claimed and released during the motion
		s.state = StateIdle
		s.mu.Unlock()
		s.attempt()
		return
	case s.epoch != s.dispatch:
		// still claimed; the release restarts the loop
		s.state = StateIdle
		s.mu.Unlock()
		return
	case err != nil:
		s.scheduleLocked(StateRetrying, s.cfg.FailureBackoff)
		s.mu.Unlock()
		s.logger.Warn().Err(err).Str("motion", name).Dur("retry_in", s.cfg.FailureBackoff).Msg("Idle motion failed")
		return
	}

	delay := s.restDelayLocked()
	s.scheduleLocked(StateResting, delay)
	s.mu.Unlock()

	s.bus.Publish(bus.Event{
		Type: bus.EventTypeIdleScheduled,
		Data: map[string]any{"delay": delay.String()},
	})
}

func (s *Scheduler) restDelayLocked() time.Duration {
	span := s.cfg.RestMax - s.cfg.RestMin
	if span <= 0 {
		return s.cfg.RestMin
	}
	return s.cfg.RestMin + time.Duration(s.rng.Int63n(int64(span)))
}

func (s *Scheduler) scheduleLocked(state State, d time.Duration) {
	s.stopTimerLocked()
	s.timerSeq++
	seq := s.timerSeq
	s.state = state
	s.timer = s.clock.AfterFunc(d, func() { s.fire(seq) })
}

func (s *Scheduler) fire(seq uint64) {
	s.mu.Lock()
	if s.timerSeq != seq || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.state = StateIdle
	s.mu.Unlock()

	s.attempt()
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerSeq++
}
