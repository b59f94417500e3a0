package companion

import (
	"math/rand"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortexcompanion/internal/bridge"
	"github.com/normanking/cortexcompanion/internal/chat"
	"github.com/normanking/cortexcompanion/internal/config"
	"github.com/normanking/cortexcompanion/internal/playback/playbacktest"
)

// rendererPage is a browser page stand-in that acks every request
type rendererPage struct {
	conn *websocket.Conn
	done chan struct{}

	mu      sync.Mutex
	wmu     sync.Mutex
	frames  []bridge.Frame
	failing map[string]string
}

func dialPage(t *testing.T, url string, failing map[string]string) *rendererPage {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	p := &rendererPage{conn: conn, done: make(chan struct{}), failing: failing}
	t.Cleanup(func() { _ = conn.Close() })
	go p.run()
	return p
}

func (p *rendererPage) run() {
	defer close(p.done)
	for {
		var f bridge.Frame
		if err := p.conn.ReadJSON(&f); err != nil {
			return
		}
		p.mu.Lock()
		p.frames = append(p.frames, f)
		msg, fail := p.failing[f.Type]
		p.mu.Unlock()
		if f.ID != "" {
			reply := bridge.Frame{Type: bridge.FrameAck, ID: f.ID, Name: f.Type}
			if fail {
				reply.Error = msg
			}
			p.write(reply)
		}
	}
}

func (p *rendererPage) write(f bridge.Frame) {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_ = p.conn.WriteJSON(f)
}

func (p *rendererPage) close(t *testing.T) {
	t.Helper()
	_ = p.conn.Close()
	select {
	case <-p.done:
	case <-time.After(wait):
		t.Fatal("page did not close")
	}
}

func (p *rendererPage) count(frameType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, f := range p.frames {
		if f.Type == frameType {
			n++
		}
	}
	return n
}

func (p *rendererPage) transcript() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, f := range p.frames {
		if f.Type == bridge.FrameTranscript && f.Entry != nil {
			out = append(out, f.Entry.String())
		}
	}
	return out
}

type bridgedCompanion struct {
	c   *Companion
	url string
}

func newBridged(t *testing.T, be *backend) *bridgedCompanion {
	t.Helper()
	b := bridge.New(bridge.DefaultConfig(), zerolog.Nop())
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = b.Close() })

	cfg := config.DefaultConfig()
	cfg.Backend.BaseURL = be.srv.URL
	c, err := New(Options{
		Config: cfg,
		Loader: b,
		Synth:  playbacktest.NewSynth(),
		Clock:  clockwork.NewFakeClock(),
		Rand:   rand.New(rand.NewSource(1)),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	t.Cleanup(c.AttachBridge(b))

	return &bridgedCompanion{c: c, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

func (bc *bridgedCompanion) modelAttached() bool {
	return bc.c.Session().Model() != nil
}

func TestAttachBridge_PageDrivesCompanion(t *testing.T) {
	be := newBackend(t)
	be.respond(chat.Reply{Response: "hello from yuki", Emotion: "happy"})
	bc := newBridged(t, be)

	require.NoError(t, bc.c.Start(t.Context()))
	assert.False(t, bc.modelAttached())

	page := dialPage(t, bc.url, nil)
	require.Eventually(t, bc.modelAttached, wait, 10*time.Millisecond)
	assert.Equal(t, 1, page.count(bridge.FrameLoadModel))

	page.write(bridge.Frame{Type: bridge.FrameMessage, Text: "hi yuki"})
	require.Eventually(t, func() bool {
		texts := page.transcript()
		return len(texts) >= 2 && texts[len(texts)-1] == "AI: hello from yuki"
	}, wait, 10*time.Millisecond)
	assert.Contains(t, page.transcript(), "You: hi yuki")
	assert.Equal(t, []string{"hi yuki"}, be.received())

	page.write(bridge.Frame{Type: bridge.FrameVoice})
	assert.Eventually(t, func() bool {
		texts := page.transcript()
		return len(texts) > 0 && texts[len(texts)-1] == "System: "+VoiceInputNotice
	}, wait, 10*time.Millisecond)
}

func TestAttachBridge_ReloadedPageGetsModel(t *testing.T) {
	bc := newBridged(t, newBackend(t))
	require.NoError(t, bc.c.Start(t.Context()))

	first := dialPage(t, bc.url, nil)
	require.Eventually(t, bc.modelAttached, wait, 10*time.Millisecond)
	require.Eventually(t, func() bool { return first.count(bridge.FrameMotion) > 0 }, wait, 10*time.Millisecond)

	first.close(t)
	require.Eventually(t, func() bool { return !bc.modelAttached() }, wait, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return !bc.c.idle.Pending() }, wait, 10*time.Millisecond)

	second := dialPage(t, bc.url, nil)
	require.Eventually(t, bc.modelAttached, wait, 10*time.Millisecond)
	assert.Equal(t, 1, second.count(bridge.FrameLoadModel))
	assert.Eventually(t, func() bool { return second.count(bridge.FrameMotion) > 0 }, wait, 10*time.Millisecond)
}

func TestAttachBridge_FailedLoadRetriedByNextPage(t *testing.T) {
	bc := newBridged(t, newBackend(t))
	require.NoError(t, bc.c.Start(t.Context()))

	first := dialPage(t, bc.url, map[string]string{bridge.FrameLoadModel: "404 hiyori.model3.json"})
	require.Eventually(t, func() bool {
		last, ok := bc.c.Transcript().Last()
		return ok && strings.HasPrefix(last.String(), "Error: Failed to load model:")
	}, wait, 10*time.Millisecond)
	assert.False(t, bc.modelAttached())
	assert.Zero(t, first.count(bridge.FrameMotion))

	first.close(t)
	second := dialPage(t, bc.url, nil)
	require.Eventually(t, bc.modelAttached, wait, 10*time.Millisecond)
	assert.Equal(t, 1, second.count(bridge.FrameLoadModel))
	assert.Contains(t, second.transcript(), bc.c.Transcript().Entries()[0].String())
}

func TestAttachBridge_ReplacedPageHandsOverModel(t *testing.T) {
	bc := newBridged(t, newBackend(t))
	require.NoError(t, bc.c.Start(t.Context()))

	first := dialPage(t, bc.url, nil)
	require.Eventually(t, bc.modelAttached, wait, 10*time.Millisecond)
	old := bc.c.Session().Model()

	second := dialPage(t, bc.url, nil)
	select {
	case <-first.done:
	case <-time.After(wait):
		t.Fatal("old page was not replaced")
	}
	require.Eventually(t, func() bool {
		m := bc.c.Session().Model()
		return m != nil && m != old
	}, wait, 10*time.Millisecond)
	assert.Equal(t, 1, second.count(bridge.FrameLoadModel))
}
