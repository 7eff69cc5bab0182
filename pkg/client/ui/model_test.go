package ui

import (
	"errors"
	"testing"
	"time"

	"github.com/aeolun/pipechat/pkg/client"
	"github.com/aeolun/pipechat/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = protocol.User{ID: "u-alice", Nickname: "Alice"}
	bobby = protocol.User{ID: "u-bobby", Nickname: "Bobby"}
)

type notification struct{ title, body string }

type harness struct {
	conn    *client.MockConnection
	state   *client.State
	model   Model
	notices []notification
}

func newHarness(t *testing.T, notify bool) *harness {
	t.Helper()
	h := &harness{
		conn:  client.NewMockConnection("localhost:27015"),
		state: client.NewState(),
	}
	h.state.ApplyUserInfo(&protocol.UserInfoMessage{
		User: alice,
		Channels: []protocol.Channel{
			{Name: "Global", Global: true, Members: []protocol.User{alice, bobby}},
			{Name: "team", Members: []protocol.User{alice}},
		},
	})
	h.model = NewModel(h.conn, h.state, Options{
		Notify: notify,
		Notifier: func(title, body string) error {
			h.notices = append(h.notices, notification{title, body})
			return nil
		},
	})
	h.update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return h
}

// update applies msg and runs any returned command once, feeding ErrorMsg back
func (h *harness) update(msg tea.Msg) tea.Cmd {
	next, cmd := h.model.Update(msg)
	h.model = next.(Model)
	return cmd
}

// enter types line and presses enter, running the resulting request
func (h *harness) enter(t *testing.T, line string) {
	t.Helper()
	h.model.input.SetValue(line)
	cmd := h.update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		return
	}
	if msg := cmd(); msg != nil {
		if _, quit := msg.(tea.QuitMsg); !quit {
			h.update(msg)
		}
	}
}

func TestNewModelStartsOnFirstChannel(t *testing.T) {
	h := newHarness(t, false)
	assert.Equal(t, "Global", h.model.current)
	assert.Contains(t, h.model.View(), "Alice")
	assert.Contains(t, h.model.View(), "localhost:27015")
}

func TestPlainTextSaysToCurrentChannel(t *testing.T) {
	h := newHarness(t, false)
	h.enter(t, "hello there")

	h.update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, "team", h.model.current)
	h.enter(t, "hi team")

	assert.Equal(t, []client.MockRequest{
		{Kind: "say", Channel: "Global", Arg: "hello there"},
		{Kind: "say", Channel: "team", Arg: "hi team"},
	}, h.conn.Requests())
	assert.Empty(t, h.model.input.Value())
}

func TestBlankLineSendsNothing(t *testing.T) {
	h := newHarness(t, false)
	h.enter(t, "   ")
	assert.Empty(t, h.conn.Requests())
}

func TestCommands(t *testing.T) {
	h := newHarness(t, false)

	h.enter(t, "/nick Alicia")
	h.enter(t, "/new Raiders")
	h.enter(t, "/invite Bobby")
	h.enter(t, "/INVITE Bobby team")

	assert.Equal(t, []client.MockRequest{
		{Kind: "nick", Arg: "Alicia"},
		{Kind: "group", Arg: "Raiders"},
		{Kind: "invite", Channel: "Global", Arg: "Bobby"},
		{Kind: "invite", Channel: "team", Arg: "Bobby"},
	}, h.conn.Requests())
}

func TestCommandErrors(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{"/nick", "Usage: /nick NAME"},
		{"/frobnicate", "Unknown command /frobnicate"},
		{"/join nowhere", "You are not in nowhere"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			h := newHarness(t, false)
			h.enter(t, tt.line)
			assert.Contains(t, h.model.errorMessage, tt.want)
			assert.Empty(t, h.conn.Requests())
		})
	}
}

func TestJoinAndChannels(t *testing.T) {
	h := newHarness(t, false)

	h.enter(t, "/join team")
	assert.Equal(t, "team", h.model.current)

	h.enter(t, "/channels")
	assert.Equal(t, "Channels: Global, team", h.model.status)

	h.update(tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, "Global", h.model.current)
}

func TestRequestErrorIsShown(t *testing.T) {
	h := newHarness(t, false)
	h.conn.SetSendError(errors.New("failed to send: broken pipe"))

	h.enter(t, "hello")
	assert.Equal(t, "failed to send: broken pipe", h.model.errorMessage)
}

func TestStateChangeRendersNewMessages(t *testing.T) {
	h := newHarness(t, true)

	h.state.ApplySay(&protocol.SayMessage{Message: protocol.Message{
		ChannelName: "Global", User: &bobby, Text: "anyone around?", Timestamp: time.Now(),
	}})
	h.state.ApplySay(&protocol.SayMessage{Message: protocol.Message{
		ChannelName: "Global", User: &alice, Text: "me", Timestamp: time.Now(),
	}})
	h.state.ApplyNotification(&protocol.ServerNotificationMessage{Text: "Created channel Raiders"})
	h.update(StateChangedMsg{})

	assert.Equal(t, "Created channel Raiders", h.model.status)
	assert.Contains(t, h.model.chat.View(), "anyone around?")

	// One for the server notice and one for Bobby's line, none for our own
	require.Len(t, h.notices, 2)
	assert.Equal(t, notification{appName, "Created channel Raiders"}, h.notices[0])
	assert.Equal(t, notification{appName + " - Global", "Bobby: anyone around?"}, h.notices[1])

	// Already seen lines do not notify again
	h.update(StateChangedMsg{})
	assert.Len(t, h.notices, 2)
}

func TestNotificationsOffByDefault(t *testing.T) {
	h := newHarness(t, false)
	h.state.ApplySay(&protocol.SayMessage{Message: protocol.Message{ChannelName: "Global", User: &bobby, Text: "hi"}})
	h.update(StateChangedMsg{})
	assert.Empty(t, h.notices)
}

func TestCurrentChannelFollowsRemoval(t *testing.T) {
	h := newHarness(t, false)
	h.enter(t, "/join team")

	h.state.ApplyChannelUpdate(&protocol.ChannelUpdateMessage{Channel: protocol.Channel{
		Name: "team", Members: []protocol.User{bobby},
	}})
	h.update(StateChangedMsg{})
	assert.Equal(t, "Global", h.model.current)
}

func TestDisconnected(t *testing.T) {
	h := newHarness(t, false)
	h.update(DisconnectedMsg{})

	assert.True(t, h.model.disconnected)
	assert.Contains(t, h.model.View(), "Disconnected from server")

	h.enter(t, "hello?")
	assert.Equal(t, "Not connected", h.model.errorMessage)
	assert.Empty(t, h.conn.Requests())
}

func TestListenForChanges(t *testing.T) {
	h := newHarness(t, false)

	h.state.ApplyNotification(&protocol.ServerNotificationMessage{Text: "ping"})
	assert.Equal(t, StateChangedMsg{}, listenForChanges(h.conn, h.state)())

	require.NoError(t, h.conn.Close())
	assert.Equal(t, DisconnectedMsg{}, listenForChanges(h.conn, h.state)())
}

func TestQuitClosesConnection(t *testing.T) {
	h := newHarness(t, false)
	cmd := h.update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())

	select {
	case <-h.conn.Done():
	default:
		t.Fatal("connection not closed")
	}
}
