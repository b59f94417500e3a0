// Package turn runs one conversation turn: claim the avatar, ask the backend,
// apply the reply's directives and hand the reply to playback.
package turn

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/chat"
	"github.com/normanking/cortexcompanion/internal/playback"
	"github.com/normanking/cortexcompanion/internal/transcript"
)

// ErrEmptyMessage is returned for blank user input
var ErrEmptyMessage = errors.New("empty message")

// Backend produces replies
type Backend interface {
	Send(ctx context.Context, message string) (*chat.Reply, error)
}

// Player voices a reply and releases the claim when done
type Player interface {
	Play(ctx context.Context, claim *avatar.Claim, req playback.Request) playback.Outcome
}

// Idler is the idle loop as seen by a turn
type Idler interface {
	Start()
	IsIdle(name string) bool
}

// Toucher records user interactions
type Toucher interface {
	Touch(reason string)
}

// Notifier receives transcript entries
type Notifier interface {
	Append(sender transcript.Sender, text string) transcript.Entry
}

// Config holds proactive turn settings
type Config struct {
	ThinkingExpression string        `mapstructure:"thinking_expression"`
	ThinkingMotion     string        `mapstructure:"thinking_motion"`
	ThinkMin           time.Duration `mapstructure:"think_min"`
	ThinkJitter        time.Duration `mapstructure:"think_jitter"`
}

// DefaultConfig returns the stock proactive pose and a 1.5s to 3.5s pause
func DefaultConfig() Config {
	return Config{
		ThinkingExpression: string(avatar.EmotionThinking),
		ThinkingMotion:     "Thinking",
		ThinkMin:           1500 * time.Millisecond,
		ThinkJitter:        2 * time.Second,
	}
}

// Deps are the orchestrator's collaborators. Clock, Rand, Bus and Logger
// are optional.
type Deps struct {
	Session    *avatar.Session
	Backend    Backend
	Player     Player
	Idle       Idler
	Watchdog   Toucher
	Transcript Notifier
	Clock      clockwork.Clock
	Rand       *rand.Rand
	Bus        *bus.EventBus
	Logger     zerolog.Logger
}

// Turn describes one request/reply exchange
type Turn struct {
	ID        string
	Input     string
	Proactive bool
	StartedAt time.Time
	Reply     *chat.Reply
}

// Orchestrator starts user and proactive turns
type Orchestrator struct {
	cfg Config
	d   Deps

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates an orchestrator
func New(cfg Config, d Deps) *Orchestrator {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	rng := d.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(d.Clock.Now().UnixNano()))
	}
	d.Logger = d.Logger.With().Str("component", "turn").Logger()

	o := &Orchestrator{cfg: cfg, d: d, rng: rng}
	o.ctx, o.cancel = context.WithCancel(context.Background())
	return o
}

// SendMessage runs a user turn. It returns once the reply has been handed
// to playback; playback itself continues in the background.
func (o *Orchestrator) SendMessage(ctx context.Context, text string) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	o.touch("message_sent")

	claim, ok := o.d.Session.TryEnter(avatar.OwnerFetching)
	if !ok {
		return nil, avatar.ErrBusy
	}
	handed := false
	defer func() {
		if !handed {
			claim.Release()
		}
	}()

	t := o.newTurn(text, false)
	ctx, span := tracer.Start(ctx, "turn.user", trace.WithAttributes(
		attribute.String("turn.id", t.ID),
		attribute.Int("turn.input_length", len(text)),
	))
	defer span.End()

	o.notify(transcript.SenderUser, text)
	o.publish(bus.EventTypeTurnStarted, t, nil)

	reply, err := o.d.Backend.Send(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.d.Logger.Error().Err(err).Str("turn_id", t.ID).Msg("Chat request failed")
		o.publish(bus.EventTypeTurnFailed, t, err)
		claim.Release()
		o.notify(transcript.SenderError, "Failed to get response: "+err.Error())
		return t, err
	}

	t.Reply = reply
	handed = true
	o.deliver(ctx, claim, t)
	return t, nil
}

// InitiateProactiveTurn opens a conversation on the avatar's own initiative.
// It blocks through the thinking pause and the backend call.
func (o *Orchestrator) InitiateProactiveTurn(ctx context.Context) (*Turn, error) {
	claim, ok := o.d.Session.TryEnter(avatar.OwnerThinking)
	if !ok {
		return nil, avatar.ErrBusy
	}
	handed := false
	defer func() {
		if !handed {
			claim.Release()
		}
	}()

	t := o.newTurn(chat.ProactiveMessage, true)
	ctx, span := tracer.Start(ctx, "turn.proactive", trace.WithAttributes(
		attribute.String("turn.id", t.ID),
	))
	defer span.End()

	o.d.Logger.Info().Str("turn_id", t.ID).Msg("Starting proactive turn")
	o.publish(bus.EventTypeTurnStarted, t, nil)

	if model := o.d.Session.Model(); model != nil {
		o.setExpression(ctx, model, o.cfg.ThinkingExpression)
		if o.cfg.ThinkingMotion != "" && !o.d.Idle.IsIdle(o.cfg.ThinkingMotion) {
			o.playMotion(model, o.cfg.ThinkingMotion, avatar.PriorityNormal)
		}
	}

	pause := o.thinkDelay()
	span.AddEvent("thinking", trace.WithAttributes(attribute.String("pause", pause.String())))
	select {
	case <-o.d.Clock.After(pause):
	case <-ctx.Done():
		return t, ctx.Err()
	}

	reply, err := o.d.Backend.Send(ctx, chat.ProactiveMessage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.d.Logger.Error().Err(err).Str("turn_id", t.ID).Msg("Proactive request failed")
		o.publish(bus.EventTypeTurnFailed, t, err)
		return t, err
	}

	t.Reply = reply
	handed = true
	o.deliver(ctx, claim, t)
	return t, nil
}

// Wait blocks until every in-flight playback has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels in-flight playback and waits for it to unwind
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// deliver applies directives and starts playback, which owns the claim
func (o *Orchestrator) deliver(ctx context.Context, claim *avatar.Claim, t *Turn) {
	reply := t.Reply
	o.notify(transcript.SenderAI, reply.Response)

	if model := o.d.Session.Model(); model != nil {
		emotion := avatar.ParseEmotion(reply.Emotion)
		if emotion.IsNeutral() {
			o.setExpression(ctx, model, "")
		} else {
			o.setExpression(ctx, model, string(emotion))
		}

		if motion := strings.TrimSpace(reply.Motion); motion != "" && !o.d.Idle.IsIdle(motion) {
			o.playMotion(model, motion, avatar.PriorityForce)
		} else {
			o.d.Idle.Start()
		}
	}

	o.publish(bus.EventTypeTurnCompleted, t, nil)

	req := playback.Request{Text: reply.Response, AudioURL: reply.AudioURL}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		out := o.d.Player.Play(o.ctx, claim, req)
		o.d.Logger.Debug().
			Str("turn_id", t.ID).
			Str("channel", out.Channel.String()).
			Bool("fallback", out.Fallback).
			Msg("Playback finished")
	}()
}

func (o *Orchestrator) setExpression(ctx context.Context, model avatar.Model, name string) {
	if err := model.SetExpression(ctx, name); err != nil {
		o.d.Logger.Warn().Err(err).Str("expression", name).Msg("Expression failed")
	}
}

// playMotion fires a motion without waiting for it to finish
func (o *Orchestrator) playMotion(model avatar.Model, name string, priority avatar.Priority) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := model.PlayMotion(o.ctx, name, priority); err != nil {
			o.d.Logger.Warn().Err(err).Str("motion", name).Str("priority", priority.String()).Msg("Motion failed")
		}
	}()
}

func (o *Orchestrator) thinkDelay() time.Duration {
	if o.cfg.ThinkJitter <= 0 {
		return o.cfg.ThinkMin
	}
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.cfg.ThinkMin + time.Duration(o.rng.Int63n(int64(o.cfg.ThinkJitter)))
}

func (o *Orchestrator) newTurn(input string, proactive bool) *Turn {
	return &Turn{
		ID:        uuid.New().String(),
		Input:     input,
		Proactive: proactive,
		StartedAt: o.d.Clock.Now(),
	}
}

func (o *Orchestrator) touch(reason string) {
	if o.d.Watchdog != nil {
		o.d.Watchdog.Touch(reason)
	}
}

func (o *Orchestrator) notify(sender transcript.Sender, text string) {
	if o.d.Transcript != nil {
		o.d.Transcript.Append(sender, text)
	}
}

func (o *Orchestrator) publish(et bus.EventType, t *Turn, err error) {
	data := map[string]any{"turn_id": t.ID, "proactive": t.Proactive}
	if err != nil {
		data["error"] = err.Error()
	}
	o.d.Bus.Publish(bus.Event{Type: et, Data: data})
}
