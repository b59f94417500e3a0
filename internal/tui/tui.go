// Package tui is the terminal front end: a scrolling transcript, an input
// line and an activity status bar.
package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/bus"
	"github.com/normanking/cortexcompanion/internal/transcript"
)

// TUI is the terminal user interface for the companion
type TUI struct {
	model Model

	transcript *transcript.Transcript
	session    *avatar.Session
	bus        *bus.EventBus
}

// Options configures the TUI
type Options struct {
	Handler    Handler
	Transcript *transcript.Transcript
	Session    *avatar.Session
	Bus        *bus.EventBus
}

// New creates a new TUI instance
func New(ctx context.Context, opts Options) *TUI {
	return &TUI{
		model:      NewModel(ctx, opts.Handler),
		transcript: opts.Transcript,
		session:    opts.Session,
		bus:        opts.Bus,
	}
}

// Run starts the TUI and blocks until it exits
func (t *TUI) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	// entries appended before the program runs queue up here
	entries := make(chan transcript.Entry, 64)
	var unsubs []func()
	if t.transcript != nil {
		history, unfollow := t.transcript.Follow(func(e transcript.Entry) {
			select {
			case entries <- e:
			case <-done:
			}
		})
		unsubs = append(unsubs, unfollow)
		t.model.entries = append(t.model.entries, history...)
	}
	if t.session != nil && t.session.Model() != nil {
		t.model.model = ModelLoaded
	}

	program := tea.NewProgram(t.model, tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		for {
			select {
			case e := <-entries:
				program.Send(EntryMsg{Entry: e})
			case <-done:
				return
			}
		}
	}()
	if t.bus != nil && t.session != nil {
		unsubs = append(unsubs, t.bus.SubscribeMultiple([]bus.EventType{
			bus.EventTypeActivityClaimed,
			bus.EventTypeActivityHandoff,
			bus.EventTypeActivityReleased,
		}, func(bus.Event) {
			// events arrive unordered; report the current owner instead
			program.Send(ActivityMsg{Owner: t.session.Owner()})
		}))
	}
	if t.bus != nil {
		unsubs = append(unsubs,
			t.bus.Subscribe(bus.EventTypeModelLoaded, func(bus.Event) {
				program.Send(ModelMsg{Status: ModelLoaded})
			}),
			t.bus.Subscribe(bus.EventTypeModelLoadFailed, func(bus.Event) {
				program.Send(ModelMsg{Status: ModelFailed})
			}),
			t.bus.Subscribe(bus.EventTypeModelUnloaded, func(bus.Event) {
				program.Send(ModelMsg{Status: ModelDetached})
			}),
		)
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
	}()

	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
