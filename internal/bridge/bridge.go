package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/transcript"
)

// Config configures the renderer bridge
type Config struct {
	Addr           string        `mapstructure:"addr"`
	Path           string        `mapstructure:"path"`
	StaticDir      string        `mapstructure:"static_dir"` // page assets served at /, empty to disable
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:8765",
		Path:           "/ws",
		RequestTimeout: 2 * time.Minute,
		WriteTimeout:   5 * time.Second,
	}
}

// Handlers receive page events. Each is called on its own goroutine, so
// OnConnect and OnDisconnect carry the page they are about; pages are
// numbered from 1 in connection order.
type Handlers struct {
	OnConnect    func(page uint64)
	OnDisconnect func(page uint64)
	OnHit        func(areas []string)
	OnMessage func(text string)
	OnVoice   func()
}

type ack struct {
	err error
}

// Option configures a Bridge
type Option func(*Bridge)

// WithClock sets the clock used for request timeouts
func WithClock(c clockwork.Clock) Option {
	return func(b *Bridge) {
		b.clock = c
	}
}

// Bridge serves the renderer websocket. At most one page is attached; a
// new connection replaces the old one.
type Bridge struct {
	cfg      Config
	clock    clockwork.Clock
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	pages     uint64
	peer      *peer
	connected chan struct{} // closed while a peer is attached
	pending   map[string]chan ack
	handlers  Handlers
	server    *http.Server
}

type peer struct {
	id      uint64
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// New creates a bridge; call Serve or mount Handler to accept the page
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Bridge {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	b := &Bridge{
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		logger:    logger.With().Str("component", "bridge").Logger(),
		connected: make(chan struct{}),
		pending:   make(map[string]chan ack),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetHandlers installs the page event handlers
func (b *Bridge) SetHandlers(h Handlers) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = h
}

// Connected reports whether a page is attached
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peer != nil
}

// Handler returns the websocket endpoint plus the static page, if configured
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(b.cfg.Path, b.handleWebSocket)
	if b.cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(b.cfg.StaticDir)))
	}
	return mux
}

// Serve listens on cfg.Addr until ctx is cancelled
func (b *Bridge) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              b.cfg.Addr,
		Handler:           b.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	b.mu.Lock()
	b.server = srv
	b.mu.Unlock()

	b.logger.Info().Str("addr", b.cfg.Addr).Str("path", b.cfg.Path).Msg("Renderer bridge listening")

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Close drops the page connection and fails outstanding requests
func (b *Bridge) Close() error {
	b.mu.Lock()
	p := b.peer
	srv := b.server
	b.mu.Unlock()

	if p != nil {
		b.detach(p)
		_ = p.conn.Close()
	}
	if srv != nil {
		return srv.Close()
	}
	return nil
}

// Load waits for a page, asks it to load the model at path and returns a
// handle driving that model. The handle is bound to that page: once the
// page goes away every command fails with ErrNoRenderer.
func (b *Bridge) Load(ctx context.Context, path string) (avatar.Model, error) {
	p, err := b.waitPeer(ctx)
	if err != nil {
		return nil, err
	}
	if err := b.request(ctx, p, Frame{Type: FrameLoadModel, Path: path}); err != nil {
		return nil, fmt.Errorf("load model %s: %w", path, err)
	}
	b.logger.Info().Str("path", path).Uint64("page", p.id).Msg("Model loaded by renderer")
	return &RemoteModel{bridge: b, peer: p, path: path}, nil
}

// SendTranscript mirrors a transcript entry to the page, if attached
func (b *Bridge) SendTranscript(e transcript.Entry) {
	b.mu.Lock()
	p := b.peer
	b.mu.Unlock()
	if err := b.send(p, Frame{Type: FrameTranscript, Entry: &e}); err != nil && !errors.Is(err, ErrNoRenderer) {
		b.logger.Debug().Err(err).Msg("Transcript not delivered")
	}
}

func (b *Bridge) waitPeer(ctx context.Context) (*peer, error) {
	for {
		b.mu.Lock()
		if p := b.peer; p != nil {
			b.mu.Unlock()
			return p, nil
		}
		ch := b.connected
		b.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNoRenderer, ctx.Err())
		}
	}
}

func (b *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	p := &peer{conn: conn}
	b.attach(p)
	b.readLoop(p)
}

func (b *Bridge) attach(p *peer) {
	b.mu.Lock()
	b.pages++
	p.id = b.pages
	old := b.peer
	b.peer = p
	pending := b.takePendingLocked()
	if old == nil {
		close(b.connected)
	}
	h := b.handlers
	b.mu.Unlock()

	failAll(pending, ErrNoRenderer)
	if old != nil {
		b.logger.Info().Uint64("page", p.id).Uint64("replaced", old.id).Msg("Renderer replaced by new connection")
		_ = old.conn.Close()
		if h.OnDisconnect != nil {
			go h.OnDisconnect(old.id)
		}
	} else {
		b.logger.Info().Uint64("page", p.id).Msg("Renderer connected")
	}
	if h.OnConnect != nil {
		go h.OnConnect(p.id)
	}
}

func (b *Bridge) detach(p *peer) {
	b.mu.Lock()
	if b.peer != p {
		b.mu.Unlock()
		return
	}
	b.peer = nil
	b.connected = make(chan struct{})
	pending := b.takePendingLocked()
	onDisconnect := b.handlers.OnDisconnect
	b.mu.Unlock()

	failAll(pending, ErrNoRenderer)
	b.logger.Info().Uint64("page", p.id).Msg("Renderer disconnected")
	if onDisconnect != nil {
		go onDisconnect(p.id)
	}
}

func (b *Bridge) takePendingLocked() map[string]chan ack {
	pending := b.pending
	b.pending = make(map[string]chan ack)
	return pending
}

func failAll(pending map[string]chan ack, err error) {
	for _, ch := range pending {
		ch <- ack{err: err}
	}
}

func (b *Bridge) readLoop(p *peer) {
	defer func() {
		b.detach(p)
		_ = p.conn.Close()
	}()

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug().Err(err).Msg("Renderer read ended")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.logger.Warn().Err(err).Msg("Malformed renderer frame")
			continue
		}
		b.dispatch(f)
	}
}

func (b *Bridge) dispatch(f Frame) {
	b.mu.Lock()
	h := b.handlers
	var waiter chan ack
	if f.Type == FrameAck {
		waiter = b.pending[f.ID]
		delete(b.pending, f.ID)
	}
	b.mu.Unlock()

	switch f.Type {
	case FrameAck:
		if waiter == nil {
			b.logger.Debug().Str("id", f.ID).Msg("Ack for unknown request")
			return
		}
		var err error
		if f.Error != "" {
			err = &RendererError{Op: f.Name, Message: f.Error}
		}
		waiter <- ack{err: err}
	case FrameHit:
		if h.OnHit != nil {
			go h.OnHit(f.Areas)
		}
	case FrameMessage:
		if h.OnMessage != nil {
			go h.OnMessage(f.Text)
		}
	case FrameVoice:
		if h.OnVoice != nil {
			go h.OnVoice()
		}
	default:
		b.logger.Debug().Str("type", f.Type).Msg("Unknown renderer frame")
	}
}

// request sends f to p with a fresh ID and waits for its ack. It fails
// with ErrNoRenderer unless p is the attached page.
func (b *Bridge) request(ctx context.Context, p *peer, f Frame) error {
	f.ID = uuid.New().String()
	ch := make(chan ack, 1)

	b.mu.Lock()
	if p == nil || b.peer != p {
		b.mu.Unlock()
		return ErrNoRenderer
	}
	b.pending[f.ID] = ch
	b.mu.Unlock()

	forget := func() {
		b.mu.Lock()
		delete(b.pending, f.ID)
		b.mu.Unlock()
	}

	if err := b.write(p, f); err != nil {
		forget()
		return err
	}

	timer := b.clock.NewTimer(b.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case a := <-ch:
		return a.err
	case <-timer.Chan():
		forget()
		return ErrTimeout
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

// send writes f to p, if still attached, without waiting for an ack
func (b *Bridge) send(p *peer, f Frame) error {
	b.mu.Lock()
	attached := p != nil && b.peer == p
	b.mu.Unlock()
	if !attached {
		return ErrNoRenderer
	}
	return b.write(p, f)
}

func (b *Bridge) write(p *peer, f Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	if err := p.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}
