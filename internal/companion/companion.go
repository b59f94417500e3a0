// Package companion wires the avatar session, idle loop, inactivity
// watchdog, turn orchestration, hit reactions and reply playback into one
// value driven by the user input surfaces.
package companion

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/chat"
	"github.com/normanking/cortexcompanion/internal/config"
	"github.com/normanking/cortexcompanion/internal/idle"
	"github.com/normanking/cortexcompanion/internal/playback"
	"github.com/normanking/cortexcompanion/internal/reaction"
	"github.com/normanking/cortexcompanion/internal/transcript"
	"github.com/normanking/cortexcompanion/internal/turn"
	"github.com/normanking/cortexcompanion/internal/watchdog"
)

// VoiceInputNotice is shown when the voice trigger is used
const VoiceInputNotice = "Voice input not implemented yet."

// ErrClosed is returned after Close
var ErrClosed = errors.New("companion closed")

// Options carries the collaborators. Config and Loader are the only ones
// without a usable zero value; a nil Backend is built from Config.Backend.
type Options struct {
	Config  *config.Config
	Loader  avatar.Loader
	Backend turn.Backend
	Audio   playback.AudioPlayer
	Synth   playback.Synthesizer
	Clock   clockwork.Clock
	Rand    *rand.Rand
	Bus     *bus.EventBus
	Logger  zerolog.Logger
}

// Companion is the running avatar
type Companion struct {
	cfg    *config.Config
	loader avatar.Loader
	bus    *bus.EventBus
	logger zerolog.Logger

	session    *avatar.Session
	transcript *transcript.Transcript
	idle       *idle.Scheduler
	watchdog   *watchdog.Watchdog
	turns      *turn.Orchestrator
	reactor    *reaction.Reactor

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
	bridged bool   // models come from renderer pages, see AttachBridge
	page    uint64 // attached page, 0 when none

	// guards the model handoff between loads and page drops
	modelMu   sync.Mutex
	loadSeq   uint64
	modelPage uint64
}

// New builds a companion. Nothing runs until Start.
func New(opts Options) (*Companion, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	eventBus := opts.Bus
	if eventBus == nil {
		eventBus = bus.NewEventBus()
	}
	logger := opts.Logger

	backend := opts.Backend
	if backend == nil {
		client, err := chat.NewClient(cfg.Backend, logger)
		if err != nil {
			return nil, fmt.Errorf("create backend client: %w", err)
		}
		backend = client
	}

	c := &Companion{
		cfg:    cfg,
		loader: opts.Loader,
		bus:    eventBus,
		logger: logger.With().Str("component", "companion").Logger(),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.session = avatar.NewSession(clock, eventBus, logger)
	c.transcript = transcript.New(cfg.Transcript, clock)

	// idle and turn each lock their own source
	var turnRand *rand.Rand
	idleOpts := []idle.Option{idle.WithClock(clock), idle.WithEventBus(eventBus), idle.WithLogger(logger)}
	if opts.Rand != nil {
		turnRand = rand.New(rand.NewSource(opts.Rand.Int63()))
		idleOpts = append(idleOpts, idle.WithRand(opts.Rand))
	}
	c.idle = idle.New(c.session, catalogFor(cfg), cfg.Idle.Config, idleOpts...)

	c.watchdog = watchdog.New(c.session, nil, cfg.Watchdog, clock, eventBus, logger)

	player := playback.NewCoordinator(cfg.Speech.Config, c.session, opts.Audio, opts.Synth, c.transcript, eventBus, logger)

	c.turns = turn.New(cfg.Proactive, turn.Deps{
		Session:    c.session,
		Backend:    backend,
		Player:     player,
		Idle:       c.idle,
		Watchdog:   c.watchdog,
		Transcript: c.transcript,
		Clock:      clock,
		Rand:       turnRand,
		Bus:        eventBus,
		Logger:     logger,
	})
	c.watchdog.SetTrigger(func(ctx context.Context) error {
		_, err := c.turns.InitiateProactiveTurn(ctx)
		return err
	})

	c.reactor = reaction.NewReactor(c.session, cfg.Reactions, eventBus, logger)

	return c, nil
}

func catalogFor(cfg *config.Config) *idle.Catalog {
	if len(cfg.Idle.Motions) == 0 {
		return idle.DefaultCatalog()
	}
	return idle.NewCatalog(cfg.Idle.Motions...)
}

// Start loads the model and begins idling. A missing renderer or a failed
// load is reported to the transcript and leaves the avatar inert; text
// chat keeps working either way. Only the first call loads. With a bridge
// attached, Start loads into the connected page, if any, and every page
// that connects later gets a fresh load.
func (c *Companion) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	bridged, page := c.bridged, c.page
	c.mu.Unlock()

	if c.loader == nil {
		c.logger.Error().Err(avatar.ErrRendererMissing).Msg("Cannot start avatar")
		c.transcript.Append(transcript.SenderError, "Avatar renderer is not available.")
		return avatar.ErrRendererMissing
	}
	if bridged && page == 0 {
		c.logger.Info().Msg("Waiting for a renderer page")
		return nil
	}
	return c.load(ctx, page)
}

// load runs the model load sequence for page (0 outside bridge mode). A
// result overtaken by a newer page or load is discarded.
func (c *Companion) load(ctx context.Context, page uint64) error {
	c.modelMu.Lock()
	c.loadSeq++
	seq := c.loadSeq
	c.modelMu.Unlock()

	path := c.cfg.Model.Path
	c.logger.Info().Str("path", path).Uint64("page", page).Msg("Loading model")
	model, err := c.loader.Load(ctx, path)

	c.modelMu.Lock()
	if c.superseded(seq, page) {
		c.modelMu.Unlock()
		c.logger.Debug().Uint64("page", page).Msg("Model load superseded")
		return nil
	}
	if err == nil {
		c.modelPage = page
		c.session.SetModel(model)
	}
	c.modelMu.Unlock()

	if err != nil {
		c.logger.Error().Err(err).Str("path", path).Msg("Model load failed")
		c.bus.Publish(bus.Event{
			Type: bus.EventTypeModelLoadFailed,
			Data: map[string]any{"path": path, "error": err.Error()},
		})
		c.transcript.Append(transcript.SenderError, "Failed to load model: "+err.Error())
		return fmt.Errorf("load model: %w", err)
	}

	c.idle.Start()
	c.watchdog.Touch("model_loaded")
	c.logger.Info().Str("path", path).Uint64("page", page).Msg("Avatar ready")
	return nil
}

// superseded is called with modelMu held
func (c *Companion) superseded(seq, page uint64) bool {
	if seq != c.loadSeq {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed || (c.bridged && c.page != page)
}

// pageConnected records the new page and loads the model into it once
// Start has run.
func (c *Companion) pageConnected(page uint64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.page = page
	started := c.started && c.loader != nil
	c.mu.Unlock()

	if started {
		_ = c.load(c.ctx, page)
	}
}

// pageDisconnected detaches the model that page was rendering; the avatar
// stays inert until another page connects.
func (c *Companion) pageDisconnected(page uint64) {
	c.mu.Lock()
	if c.page == page {
		c.page = 0
	}
	c.mu.Unlock()

	c.modelMu.Lock()
	dropped := page != 0 && c.modelPage == page
	if dropped {
		c.modelPage = 0
		c.session.SetModel(nil)
	}
	c.modelMu.Unlock()

	if dropped {
		c.idle.Cancel()
		c.logger.Info().Uint64("page", page).Msg("Renderer page gone, model detached")
	}
}

// Send submits user text. Blank text is ignored and a busy avatar drops
// the message.
func (c *Companion) Send(ctx context.Context, text string) error {
	if c.isClosed() {
		return ErrClosed
	}
	_, err := c.turns.SendMessage(ctx, text)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, turn.ErrEmptyMessage):
		return nil
	case errors.Is(err, avatar.ErrBusy):
		c.logger.Debug().Str("owner", c.session.Owner().String()).Msg("Message ignored while busy")
	}
	return err
}

// VoiceInput handles the voice trigger, which only reports that voice
// input is unavailable.
func (c *Companion) VoiceInput() {
	if c.isClosed() {
		return
	}
	c.watchdog.Touch("voice_input")
	c.transcript.Append(transcript.SenderSystem, VoiceInputNotice)
}

// Hit reacts to a tap on the model; it reports whether a motion played
func (c *Companion) Hit(ctx context.Context, areas []string) bool {
	if c.isClosed() {
		return false
	}
	return c.reactor.Hit(ctx, areas)
}

// Reload applies the settings that can change while running: the idle
// motion catalog.
func (c *Companion) Reload(cfg *config.Config) {
	if cfg == nil || c.isClosed() {
		return
	}
	c.idle.SetCatalog(catalogFor(cfg))
	c.logger.Info().Strs("motions", c.idle.Catalog().Names()).Msg("Idle motions reloaded")
}

// Transcript returns the conversation log
func (c *Companion) Transcript() *transcript.Transcript {
	return c.transcript
}

// Session returns the avatar activity session
func (c *Companion) Session() *avatar.Session {
	return c.session
}

// Bus returns the event bus
func (c *Companion) Bus() *bus.EventBus {
	return c.bus
}

// Context is cancelled by Close
func (c *Companion) Context() context.Context {
	return c.ctx
}

// Close stops every timer and waits for in-flight playback to unwind
func (c *Companion) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.watchdog.Stop()
	c.idle.Stop()
	c.cancel()
	c.turns.Close()
	c.logger.Info().Msg("Companion stopped")
}

func (c *Companion) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
