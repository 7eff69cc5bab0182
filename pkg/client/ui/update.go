package ui

import (
	"fmt"
	"strings"

	"github.com/aeolun/pipechat/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		// Header, tabs, status and input take six lines, the border two more
		chatHeight := msg.Height - 8
		if chatHeight < 3 {
			chatHeight = 3
		}
		m.chat.Width = msg.Width - 4
		m.chat.Height = chatHeight
		m.input.Width = msg.Width - 4
		m.chat.SetContent(m.buildChatMessages())
		m.chat.GotoBottom()
		return m, nil

	case StateChangedMsg:
		m.handleStateChanged()
		return m, listenForChanges(m.conn, m.state)

	case DisconnectedMsg:
		m.disconnected = true
		m.errorMessage = "Disconnected from server"
		return m, nil

	case ErrorMsg:
		m.errorMessage = msg.Err.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.chat, cmd = m.chat.Update(msg)
	return m, cmd
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m, m.quit()

	case tea.KeyEnter:
		line := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		if line == "" {
			return m, nil
		}
		m.errorMessage = ""
		return m.submit(line)

	case tea.KeyTab:
		m.cycleChannel(1)
		return m, nil

	case tea.KeyShiftTab:
		m.cycleChannel(-1)
		return m, nil

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.chat, cmd = m.chat.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleStateChanged picks up everything the server changed since the last
// render: new notices go to the status line, the current channel is kept
// valid and messages from other users raise a desktop notification.
func (m *Model) handleStateChanged() {
	notices := m.state.Notices()
	if len(notices) > m.seenNotices {
		m.status = notices[len(notices)-1]
		if m.notify {
			for _, text := range notices[m.seenNotices:] {
				m.sendDesktopNotification(appName, text)
			}
		}
	}

	self := m.state.Self()
	channels := m.state.Channels()
	for _, ch := range channels {
		seen := m.seenMessages[ch.Name]
		if !m.notify || seen >= len(ch.Messages) {
			continue
		}
		for _, msg := range ch.Messages[seen:] {
			if msg.User != nil && msg.User.ID != self.ID {
				m.sendDesktopNotification(fmt.Sprintf("%s - %s", appName, ch.Name), fmt.Sprintf("%s: %s", msg.User.Nickname, msg.Text))
			}
		}
	}
	m.markSeen()

	if _, ok := m.state.Channel(m.current); !ok && len(channels) > 0 {
		m.current = channels[0].Name
	}

	atBottom := m.chat.AtBottom()
	m.chat.SetContent(m.buildChatMessages())
	if atBottom {
		m.chat.GotoBottom()
	}
}

func (m *Model) sendDesktopNotification(title, body string) {
	// Truncate to keep notifications readable
	if len(body) > 100 {
		body = body[:97] + "..."
	}
	if err := m.notifier(title, body); err != nil {
		m.logger.Debug().Err(err).Msg("failed to send desktop notification")
	}
}

func (m *Model) cycleChannel(step int) {
	channels := m.state.Channels()
	if len(channels) == 0 {
		return
	}
	idx := 0
	for i, ch := range channels {
		if ch.Name == m.current {
			idx = i
			break
		}
	}
	idx = (idx + step + len(channels)) % len(channels)
	m.switchTo(channels[idx].Name)
}

func (m *Model) switchTo(name string) {
	m.current = name
	m.chat.SetContent(m.buildChatMessages())
	m.chat.GotoBottom()
}

func (m Model) quit() tea.Cmd {
	if err := m.conn.Close(); err != nil {
		m.logger.Debug().Err(err).Msg("close connection")
	}
	return tea.Quit
}

// submit sends a chat line or runs a slash command
func (m Model) submit(line string) (tea.Model, tea.Cmd) {
	if !strings.HasPrefix(line, "/") {
		if m.disconnected {
			m.errorMessage = "Not connected"
			return m, nil
		}
		channel := m.current
		return m, request(func() error { return m.conn.Say(channel, line) })
	}

	name, args := parseCommand(line)
	cmd, ok := commands[name]
	if !ok {
		m.errorMessage = fmt.Sprintf("Unknown command /%s, try /help", name)
		return m, nil
	}
	if len(args) < cmd.minArgs {
		m.errorMessage = "Usage: " + cmd.usage
		return m, nil
	}
	return cmd.run(m, args)
}

func channelNames(channels []protocol.Channel) []string {
	names := make([]string, len(channels))
	for i, ch := range channels {
		names[i] = ch.Name
	}
	return names
}
