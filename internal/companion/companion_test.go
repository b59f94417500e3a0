package companion

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/avatar/avatartest"
	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/chat"
	"github.com/normanking/cortexcompanion/internal/config"
	"github.com/normanking/cortexcompanion/internal/idle"
	"github.com/normanking/cortexcompanion/internal/playback/playbacktest"
	"github.com/normanking/cortexcompanion/internal/transcript"
)

const wait = 2 * time.Second

// backend is a scriptable /chat server
type backend struct {
	srv *httptest.Server

	mu       sync.Mutex
	messages []string
	reply    chat.Reply
	status   int
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{status: http.StatusOK, reply: chat.Reply{Response: "ok"}}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chat.Request
		_ = json.NewDecoder(r.Body).Decode(&req)

		b.mu.Lock()
		b.messages = append(b.messages, req.Message)
		status, reply := b.status, b.reply
		b.mu.Unlock()

		if status != http.StatusOK {
			http.Error(w, "boom", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *backend) respond(r chat.Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reply = r
	b.status = http.StatusOK
}

func (b *backend) fail(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = status
}

func (b *backend) received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.messages...)
}

type loader struct {
	model avatar.Model
	err   error
	paths []string
}

func (l *loader) Load(_ context.Context, path string) (avatar.Model, error) {
	l.paths = append(l.paths, path)
	if l.err != nil {
		return nil, l.err
	}
	return l.model, nil
}

type harness struct {
	c       *Companion
	clock   *clockwork.FakeClock
	model   *avatartest.Model
	loader  *loader
	backend *backend
	audio   *playbacktest.Audio
	synth   *playbacktest.Synth
	bus     *bus.EventBus
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:   clockwork.NewFakeClock(),
		model:   avatartest.NewModel(),
		backend: newBackend(t),
		audio:   playbacktest.NewAudio(),
		synth:   playbacktest.NewSynth(),
		bus:     bus.NewEventBus(),
	}
	h.loader = &loader{model: h.model}

	cfg := config.DefaultConfig()
	cfg.Backend.BaseURL = h.backend.srv.URL
	cfg.Proactive.ThinkMin = 0
	cfg.Proactive.ThinkJitter = 0

	c, err := New(Options{
		Config: cfg,
		Loader: h.loader,
		Audio:  h.audio,
		Synth:  h.synth,
		Clock:  h.clock,
		Rand:   rand.New(rand.NewSource(1)),
		Bus:    h.bus,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	h.c = c
	return h
}

// start loads the model and waits for the first idle motion to finish
func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.c.Start(t.Context()))
	require.Eventually(t, func() bool { return h.idleMotions() == 1 && h.c.idle.State() == idle.StateResting }, wait, 5*time.Millisecond)
}

func (h *harness) idleMotions() int {
	n := 0
	for _, m := range h.model.Motions() {
		if m.Priority == avatar.PriorityIdle {
			n++
		}
	}
	return n
}

func (h *harness) lines() []string {
	var out []string
	for _, e := range h.c.Transcript().Entries() {
		out = append(out, e.String())
	}
	return out
}

func (h *harness) released(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !h.c.Session().Active() }, wait, 5*time.Millisecond)
}

func TestStart_NoRenderer(t *testing.T) {
	h := newHarness(t)
	h.c.loader = nil

	err := h.c.Start(t.Context())
	assert.ErrorIs(t, err, avatar.ErrRendererMissing)
	last, ok := h.c.Transcript().Last()
	require.True(t, ok)
	assert.Equal(t, transcript.SenderError, last.Sender)
	assert.Nil(t, h.c.Session().Model())
}

func TestStart_LoadFailureLeavesAvatarInert(t *testing.T) {
	h := newHarness(t)
	h.loader.err = errors.New("404 hiyori.model3.json")

	err := h.c.Start(t.Context())
	require.Error(t, err)
	assert.Equal(t, []string{"Error: Failed to load model: 404 hiyori.model3.json"}, h.lines())
	assert.Nil(t, h.c.Session().Model())
	assert.False(t, h.c.idle.Pending())
	assert.False(t, h.c.watchdog.Armed())
	assert.False(t, h.c.Hit(t.Context(), []string{"Body"}))

	// a plain loader is not retried; only a new renderer page reloads
	require.NoError(t, h.c.Start(t.Context()))
	assert.Len(t, h.loader.paths, 1)
}

func TestStart_LoadsModelAndIdles(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	assert.Equal(t, []string{"models/hiyori/hiyori.model3.json"}, h.loader.paths)
	assert.Same(t, h.model, h.c.Session().Model())
	assert.True(t, h.c.watchdog.Armed())
}

func TestScenario_NeutralReplyResumesIdle(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.backend.respond(chat.Reply{Response: "hi!", Emotion: "neutral", Motion: "Idle"})
	h.synth.Hold()

	require.NoError(t, h.c.Send(t.Context(), "hello"))

	assert.Equal(t, []string{"You: hello", "AI: hi!"}, h.lines())
	require.Eventually(t, func() bool { return len(h.synth.Spoken()) == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, "hi!", h.synth.Spoken()[0].Text)
	assert.Equal(t, avatar.OwnerSpeaking, h.c.Session().Owner())
	for _, m := range h.model.Motions() {
		assert.NotEqual(t, avatar.PriorityForce, m.Priority, "no forced motion expected")
	}
	assert.Contains(t, h.model.Expressions(), "")
	assert.Equal(t, 1, h.idleMotions(), "idle waits for speech to end")

	h.synth.Release()
	h.released(t)
	assert.Eventually(t, func() bool { return h.idleMotions() == 2 }, wait, 5*time.Millisecond)
}

func TestScenario_EmotionMotionAndAudio(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.backend.respond(chat.Reply{Response: "yay", Emotion: "happy", Motion: "Wave", AudioURL: "/a.mp3"})
	h.audio.Hold()

	require.NoError(t, h.c.Send(t.Context(), "good news"))

	assert.Contains(t, h.model.Expressions(), "happy")
	require.Eventually(t, func() bool {
		for _, m := range h.model.Motions() {
			if m.Name == "Wave" && m.Priority == avatar.PriorityForce {
				return true
			}
		}
		return false
	}, wait, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(h.audio.URLs()) == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, h.backend.srv.URL+"/a.mp3", h.audio.URLs()[0])
	assert.True(t, h.c.Session().Active())

	h.audio.Release()
	h.released(t)
	assert.Empty(t, h.synth.Spoken())
}

func TestScenario_AudioFailureFallsBackToSpeech(t *testing.T) {
	h := newHarness(t)
	var claimed, released atomic.Int32
	h.bus.Subscribe(bus.EventTypeActivityClaimed, func(bus.Event) { claimed.Add(1) })
	h.bus.Subscribe(bus.EventTypeActivityReleased, func(bus.Event) { released.Add(1) })
	h.start(t)

	h.backend.respond(chat.Reply{Response: "listen", AudioURL: "/broken.wav"})
	h.audio.SetErr(errors.New("decode failed"))

	require.NoError(t, h.c.Send(t.Context(), "sing"))

	require.Eventually(t, func() bool { return len(h.synth.Spoken()) == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, "listen", h.synth.Spoken()[0].Text)
	h.released(t)
	require.Eventually(t, func() bool { return released.Load() == 1 }, wait, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), claimed.Load())
	assert.Equal(t, int32(1), released.Load())
}

func TestScenario_ProactiveTurnAfterSilence(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.backend.respond(chat.Reply{Response: "Are you still there?"})

	h.clock.Advance(45 * time.Second)

	require.Eventually(t, func() bool { return len(h.backend.received()) == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, chat.ProactiveMessage, h.backend.received()[0])
	assert.Contains(t, h.model.Expressions(), "thinking")
	require.Eventually(t, func() bool {
		last, ok := h.c.Transcript().Last()
		return ok && last.String() == "AI: Are you still there?"
	}, wait, 5*time.Millisecond)
	for _, line := range h.lines() {
		assert.NotContains(t, line, chat.ProactiveMessage, "sentinel never shown")
	}
	h.released(t)
}

func TestScenario_InteractionResetsWatchdog(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.clock.Advance(44 * time.Second)
	h.c.VoiceInput()
	h.clock.Advance(2 * time.Second)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.backend.received())

	h.clock.Advance(43 * time.Second)
	require.Eventually(t, func() bool { return len(h.backend.received()) == 1 }, wait, 5*time.Millisecond)
	assert.Equal(t, chat.ProactiveMessage, h.backend.received()[0])
}

func TestScenario_BackendErrorReleasesAndIdles(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.backend.fail(http.StatusInternalServerError)

	err := h.c.Send(t.Context(), "hello?")

	var statusErr *chat.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	lines := h.lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "You: hello?", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "Error: Failed to get response: "), lines[1])
	assert.False(t, h.c.Session().Active())
	assert.Eventually(t, func() bool { return h.idleMotions() == 2 }, wait, 5*time.Millisecond)
}

func TestSend_BusyDropsMessage(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.synth.Hold()
	require.NoError(t, h.c.Send(t.Context(), "first"))

	err := h.c.Send(t.Context(), "second")
	assert.ErrorIs(t, err, avatar.ErrBusy)
	assert.Equal(t, []string{"first"}, h.backend.received())
	assert.NotContains(t, h.lines(), "You: second")

	h.synth.Release()
	h.released(t)
}

func TestSend_BlankIgnored(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.c.Send(t.Context(), "   "))
	assert.Empty(t, h.backend.received())
	assert.Zero(t, h.c.Transcript().Len())
}

func TestVoiceInput(t *testing.T) {
	h := newHarness(t)
	h.c.VoiceInput()

	assert.Equal(t, []string{"System: " + VoiceInputNotice}, h.lines())
	assert.True(t, h.c.watchdog.Armed())
}

func TestHit(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	assert.True(t, h.c.Hit(t.Context(), []string{"Head", "Body"}))
	assert.Contains(t, h.model.Motions(), avatartest.Motion{Name: "TapBody", Priority: avatar.PriorityForce})
	assert.NotContains(t, h.model.Motions(), avatartest.Motion{Name: "TapHead", Priority: avatar.PriorityForce})
	h.released(t)

	assert.False(t, h.c.Hit(t.Context(), []string{"Tail"}))
}

func TestHit_IgnoredWhileBusy(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.synth.Hold()
	require.NoError(t, h.c.Send(t.Context(), "talk"))

	assert.False(t, h.c.Hit(t.Context(), []string{"Body"}))
	for _, m := range h.model.Motions() {
		assert.NotEqual(t, "TapBody", m.Name)
	}
	h.synth.Release()
	h.released(t)
}

func TestReload_ReplacesCatalog(t *testing.T) {
	h := newHarness(t)
	cfg := config.DefaultConfig()
	cfg.Idle.Motions = []string{"Sway"}

	h.c.Reload(cfg)
	assert.Equal(t, []string{"Sway"}, h.c.idle.Catalog().Names())
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	h.c.Close()
	h.c.Close()

	assert.ErrorIs(t, h.c.Send(t.Context(), "hello"), ErrClosed)
	assert.ErrorIs(t, h.c.Start(t.Context()), ErrClosed)
	assert.False(t, h.c.watchdog.Armed())
	assert.False(t, h.c.idle.Pending())
	assert.Error(t, h.c.Context().Err())
}
