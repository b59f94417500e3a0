package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/normanking/cortexcompanion/internal/avatar"
	"github.com/normanking/cortexcompanion/internal/transcript"
)

// Handler receives user input
type Handler interface {
	Send(ctx context.Context, text string) error
	VoiceInput()
}

// EntryMsg carries a transcript entry into the view
type EntryMsg struct {
	Entry transcript.Entry
}

// ActivityMsg reports who currently holds the avatar
type ActivityMsg struct {
	Owner avatar.Owner
}

// ModelStatus describes the avatar model lifecycle
type ModelStatus string

const (
	ModelLoading  ModelStatus = "loading"
	ModelLoaded   ModelStatus = "loaded"
	ModelFailed   ModelStatus = "failed"
	ModelDetached ModelStatus = "no page"
)

// ModelMsg reports a model lifecycle change
type ModelMsg struct {
	Status ModelStatus
}

type sendResultMsg struct {
	text string
	err  error
}

// Model is the main TUI state
type Model struct {
	ctx     context.Context
	handler Handler

	width  int
	height int
	ready  bool

	entries  []transcript.Entry
	viewport viewport.Model
	input    textinput.Model

	owner  avatar.Owner
	model  ModelStatus
	notice string

	styles Styles
	keys   KeyMap
}

// NewModel creates a TUI model sending input to h
func NewModel(ctx context.Context, h Handler) Model {
	ti := textinput.New()
	ti.Placeholder = "Say something..."
	ti.Prompt = "> "
	ti.CharLimit = 2000
	ti.Width = 76
	ti.Focus()

	vp := viewport.New(80, 20)

	return Model{
		ctx:      ctx,
		handler:  h,
		viewport: vp,
		input:    ti,
		model:    ModelLoading,
		styles:   DefaultStyles(),
		keys:     DefaultKeyMap(),
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m = m.updateDimensions()
		return m, nil

	case EntryMsg:
		m.entries = append(m.entries, msg.Entry)
		m.viewport.SetContent(m.renderTranscript())
		m.viewport.GotoBottom()
		return m, nil

	case ActivityMsg:
		m.owner = msg.Owner
		if msg.Owner == avatar.OwnerNone {
			m.notice = ""
		}
		return m, nil

	case ModelMsg:
		m.model = msg.Status
		return m, nil

	case sendResultMsg:
		switch {
		case msg.err == nil:
			m.notice = ""
		case errors.Is(msg.err, avatar.ErrBusy):
			m.notice = "Still busy, message not sent"
			// hand the text back unless something new was typed
			if m.input.Value() == "" {
				m.input.SetValue(msg.text)
				m.input.CursorEnd()
			}
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Send):
		return m.handleSend()

	case key.Matches(msg, m.keys.Voice):
		h := m.handler
		return m, func() tea.Msg {
			h.VoiceInput()
			return nil
		}

	case key.Matches(msg, m.keys.PageUp):
		m.viewport.HalfViewUp()
		return m, nil

	case key.Matches(msg, m.keys.PageDown):
		m.viewport.HalfViewDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleSend submits the input line; the transcript echoes it back
func (m Model) handleSend() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}
	m.input.Reset()

	ctx, h := m.ctx, m.handler
	return m, func() tea.Msg {
		return sendResultMsg{text: text, err: h.Send(ctx, text)}
	}
}

func (m Model) updateDimensions() Model {
	headerHeight := 1
	statusHeight := 1
	inputHeight := 3
	padding := 1

	m.viewport.Width = m.width
	m.viewport.Height = max(m.height-headerHeight-statusHeight-inputHeight-padding, 1)
	m.input.Width = max(m.width-6, 10)
	m.viewport.SetContent(m.renderTranscript())
	return m
}

func (m Model) renderTranscript() string {
	var sb strings.Builder
	for _, e := range m.entries {
		label := string(e.Sender) + ": "
		switch e.Sender {
		case transcript.SenderUser:
			sb.WriteString(m.styles.UserMsg.Render(label))
		case transcript.SenderAI:
			sb.WriteString(m.styles.AIMsg.Render(label))
		case transcript.SenderError:
			sb.WriteString(m.styles.ErrorMsg.Render(label))
		default:
			sb.WriteString(m.styles.SystemMsg.Render(label))
		}
		sb.WriteString(e.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

func (m Model) statusLine() string {
	model := "model: " + string(m.model)
	var activity string
	if m.owner == avatar.OwnerNone {
		activity = m.styles.Status.Render("idle")
	} else {
		activity = m.styles.Busy.Render(m.owner.String())
	}
	line := fmt.Sprintf("%s  %s", activity, m.styles.Status.Render(model))
	if m.notice != "" {
		line += "  " + m.styles.Busy.Render(m.notice)
	}
	return line
}

// View implements tea.Model
func (m Model) View() string {
	if !m.ready {
		return "Starting..."
	}

	help := m.styles.Help.Render(fmt.Sprintf("%s send • %s voice • %s quit",
		m.keys.Send.Help().Key, m.keys.Voice.Help().Key, m.keys.Quit.Help().Key))

	return strings.Join([]string{
		m.styles.Header.Render("CortexCompanion") + "  " + help,
		m.viewport.View(),
		m.statusLine(),
		m.styles.Input.Render(m.input.View()),
	}, "\n")
}
