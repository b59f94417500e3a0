// Package transcript keeps the user-visible conversation log.
package transcript

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Sender labels who produced an entry
type Sender string

const (
	SenderUser   Sender = "You"
	SenderAI     Sender = "AI"
	SenderError  Sender = "Error"
	SenderSystem Sender = "System"
)

// Entry is a single transcript line
type Entry struct {
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

func (e Entry) String() string {
	return fmt.Sprintf("%s: %s", e.Sender, e.Text)
}

// Listener is notified of every appended entry
type Listener func(Entry)

// Config configures the Transcript
type Config struct {
	// MaxEntries bounds the retained history (default: 200)
	MaxEntries int `mapstructure:"max_entries"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{MaxEntries: 200}
}

// Transcript is an ordered, bounded, append-only log of entries
type Transcript struct {
	clock clockwork.Clock

	mu        sync.RWMutex
	entries   []Entry
	max       int
	nextID    int
	listeners map[int]Listener
}

// New creates an empty transcript
func New(cfg Config, clock clockwork.Clock) *Transcript {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Transcript{
		clock:     clock,
		entries:   make([]Entry, 0, cfg.MaxEntries),
		max:       cfg.MaxEntries,
		listeners: make(map[int]Listener),
	}
}

// Append records text from sender and notifies listeners
func (t *Transcript) Append(sender Sender, text string) Entry {
	e := Entry{Sender: sender, Text: text, Timestamp: t.clock.Now()}

	t.mu.Lock()
	t.entries = append(t.entries, e)
	if len(t.entries) > t.max {
		t.entries = t.entries[len(t.entries)-t.max:]
	}
	listeners := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	for _, l := range listeners {
		l(e)
	}
	return e
}

// Subscribe registers l and returns a func that removes it
func (t *Transcript) Subscribe(l Listener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

// Follow returns the retained entries and registers l for every entry
// appended after them, so nothing is missed or seen twice. The returned
// func removes l.
func (t *Transcript) Follow(l Listener) ([]Entry, func()) {
	t.mu.Lock()
	history := append([]Entry(nil), t.entries...)
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	t.mu.Unlock()

	return history, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

// Entries returns a copy of every retained entry, oldest first
func (t *Transcript) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Entry(nil), t.entries...)
}

// Recent returns up to n of the newest entries
func (t *Transcript) Recent(n int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	start := max(len(t.entries)-n, 0)
	return append([]Entry(nil), t.entries[start:]...)
}

// Len returns the number of retained entries
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Last returns the newest entry
func (t *Transcript) Last() (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return t.entries[len(t.entries)-1], true
}

// Clear drops all entries
func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = t.entries[:0]
}

// String renders one "Sender: text" line per entry
func (t *Transcript) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var sb strings.Builder
	for _, e := range t.entries {
		sb.WriteString(e.String())
		sb.WriteString("\n")
	}
	return sb.String()
}
