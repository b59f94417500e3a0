// Package watchdog starts a proactive turn after a stretch of user silence.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/bus"
)

// Config holds the inactivity thresholds
type Config struct {
	Threshold time.Duration `mapstructure:"threshold"`
	// Slack absorbs timer jitter: a fire within Slack of a recent touch is
	// treated as early and re-armed.
	Slack time.Duration `mapstructure:"slack"`
}

// DefaultConfig returns a 45s threshold with 1s slack
func DefaultConfig() Config {
	return Config{
		Threshold: 45 * time.Second,
		Slack:     time.Second,
	}
}

// Trigger starts the proactive activity. A non-nil error means it did not start.
type Trigger func(ctx context.Context) error

// Watchdog keeps a single inactivity timer
type Watchdog struct {
	cfg     Config
	session *avatar.Session
	trigger Trigger
	clock   clockwork.Clock
	bus     *bus.EventBus
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	last     time.Time
	timer    clockwork.Timer
	timerSeq uint64
	stopped  bool
}

// New creates a watchdog. It does not arm until the first Touch.
// Every release of a session claim counts as a touch.
func New(session *avatar.Session, trigger Trigger, cfg Config, clock clockwork.Clock, eventBus *bus.EventBus, logger zerolog.Logger) *Watchdog {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	w := &Watchdog{
		cfg:     cfg,
		session: session,
		trigger: trigger,
		clock:   clock,
		bus:     eventBus,
		logger:  logger.With().Str("component", "watchdog").Logger(),
		last:    clock.Now(),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	session.OnRelease(func(o avatar.Owner) { w.Touch("activity_" + o.String() + "_ended") })
	return w
}

// SetTrigger replaces the proactive trigger
func (w *Watchdog) SetTrigger(t Trigger) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.trigger = t
}

// Touch records an interaction and re-arms the timer
func (w *Watchdog) Touch(reason string) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.last = w.clock.Now()
	w.armLocked()
	w.mu.Unlock()

	w.logger.Debug().Str("reason", reason).Msg("Inactivity timer reset")
}

// LastInteraction returns the time of the latest Touch
func (w *Watchdog) LastInteraction() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Armed reports whether the inactivity timer is pending
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.timer != nil
}

// Stop disarms the watchdog permanently
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.stopTimerLocked()
	w.mu.Unlock()
	w.cancel()
}

func (w *Watchdog) armLocked() {
	w.stopTimerLocked()
	seq := w.timerSeq
	w.timer = w.clock.AfterFunc(w.cfg.Threshold, func() { w.fire(seq) })
}

func (w *Watchdog) stopTimerLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.timerSeq++
}

func (w *Watchdog) rearm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.armLocked()
	}
}

func (w *Watchdog) fire(seq uint64) {
	w.mu.Lock()
	if w.stopped || w.timerSeq != seq {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	idle := w.clock.Since(w.last)
	trigger := w.trigger
	ctx := w.ctx
	w.mu.Unlock()

	if w.session.Active() {
		w.logger.Debug().Msg("Inactivity timer fired while busy")
		w.rearm()
		return
	}
	if idle < w.cfg.Threshold-w.cfg.Slack {
		w.logger.Debug().Dur("idle", idle).Msg("Inactivity timer fired early")
		w.rearm()
		return
	}
	if trigger == nil {
		w.rearm()
		return
	}

	w.logger.Info().Dur("idle", idle).Msg("User inactive, starting proactive turn")
	w.bus.Publish(bus.Event{
		Type: bus.EventTypeWatchdogFired,
		Data: map[string]any{"idle": idle.String()},
	})

	if err := trigger(ctx); err != nil {
		w.logger.Warn().Err(err).Msg("Proactive turn did not start")
		w.rearm()
	}
}
