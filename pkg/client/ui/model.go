package ui

import (
	"github.com/aeolun/pipechat/pkg/client"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"
)

const appName = "PipeChat"

// Notifier shows a desktop notification
type Notifier func(title, body string) error

// Options configures a Model
type Options struct {
	Notify   bool     // Desktop notifications for messages from other users
	Notifier Notifier // Defaults to beeep
	Logger   zerolog.Logger
}

// Model is the chat client's bubbletea model. It renders client.State and
// turns input into requests on conn.
type Model struct {
	conn   client.ChatConnection
	state  *client.State
	logger zerolog.Logger

	notify   bool
	notifier Notifier

	current string // Channel shown in the chat pane
	width   int
	height  int

	chat  viewport.Model
	input textinput.Model

	status       string
	errorMessage string
	disconnected bool

	// Counts already rendered, to detect what is new after a state change
	seenNotices  int
	seenMessages map[string]int
}

// Message types for bubbletea

// StateChangedMsg is sent when client.State has been updated by the server
type StateChangedMsg struct{}

// DisconnectedMsg is sent when the connection is gone
type DisconnectedMsg struct{}

// ErrorMsg reports a failed request
type ErrorMsg struct {
	Err error
}

// NewModel creates a model for an established connection
func NewModel(conn client.ChatConnection, state *client.State, opts Options) Model {
	input := textinput.New()
	input.Placeholder = "Type a message or /help"
	input.Prompt = "> "
	input.CharLimit = 1024
	input.Focus()

	notifier := opts.Notifier
	if notifier == nil {
		notifier = func(title, body string) error { return beeep.Notify(title, body, "") }
	}

	m := Model{
		conn:         conn,
		state:        state,
		logger:       opts.Logger.With().Str("component", "ui").Logger(),
		notify:       opts.Notify,
		notifier:     notifier,
		chat:         viewport.New(80, 20),
		input:        input,
		seenMessages: make(map[string]int),
	}
	m.markSeen()
	if channels := state.Channels(); len(channels) > 0 {
		m.current = channels[0].Name
	}
	return m
}

// Init starts listening for state changes
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, listenForChanges(m.conn, m.state))
}

// listenForChanges waits for the next state update or for the connection to end
func listenForChanges(conn client.ChatConnection, state *client.State) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-state.Changes():
			return StateChangedMsg{}
		case <-conn.Done():
			return DisconnectedMsg{}
		}
	}
}

// request runs fn off the UI goroutine and reports a failure as ErrorMsg
func request(fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return ErrorMsg{Err: err}
		}
		return nil
	}
}

// markSeen records the current notice and message counts as rendered
func (m *Model) markSeen() {
	m.seenNotices = len(m.state.Notices())
	for _, ch := range m.state.Channels() {
		m.seenMessages[ch.Name] = len(ch.Messages)
	}
}
