package ui

import (
	"fmt"
	"strings"

	"github.com/aeolun/pipechat/pkg/protocol"
	"github.com/charmbracelet/lipgloss"
)

// View renders the model
func (m Model) View() string {
	sections := []string{
		m.renderHeader(),
		m.renderTabs(),
		ChatBorderStyle.Render(m.chat.View()),
		m.renderStatus(),
		m.input.View(),
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderHeader() string {
	self := m.state.Self()
	nickname := self.Nickname
	if nickname == "" {
		nickname = "connecting..."
	}

	members := 0
	if ch, ok := m.state.Channel(m.current); ok {
		members = len(ch.Members)
	}
	left := HeaderStyle.Render(fmt.Sprintf("%s  %s", appName, m.conn.Address()))
	right := StatusStyle.Render(fmt.Sprintf("%s  %d online", nickname, members))

	gap := m.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

func (m Model) renderTabs() string {
	channels := m.state.Channels()
	if len(channels) == 0 {
		return TabStyle.Render("no channels")
	}
	tabs := make([]string, 0, len(channels))
	for _, ch := range channels {
		style := TabStyle
		if ch.Name == m.current {
			style = ActiveTabStyle
		}
		tabs = append(tabs, style.Render(ch.Name))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, tabs...)
}

func (m Model) renderStatus() string {
	if m.errorMessage != "" {
		return ErrorStyle.Render(m.errorMessage)
	}
	return StatusStyle.Render(m.status)
}

func (m Model) buildChatMessages() string {
	ch, ok := m.state.Channel(m.current)
	if !ok || len(ch.Messages) == 0 {
		return StatusStyle.Render("No messages yet")
	}
	self := m.state.Self()
	lines := make([]string, 0, len(ch.Messages))
	for _, msg := range ch.Messages {
		lines = append(lines, m.formatChatMessage(msg, self))
	}
	return strings.Join(lines, "\n")
}

func (m Model) formatChatMessage(msg protocol.Message, self protocol.User) string {
	nickname := "server"
	authorStyle := MessageAuthorStyle
	if msg.User != nil {
		nickname = msg.User.Nickname
		if msg.User.ID == self.ID {
			authorStyle = MessageOwnAuthorStyle
		}
	}

	line := fmt.Sprintf("%s %s %s",
		TimestampStyle.Render(msg.Timestamp.Local().Format("15:04")),
		authorStyle.Render(nickname+":"),
		msg.Text,
	)
	if m.chat.Width > 0 {
		line = lipgloss.NewStyle().Width(m.chat.Width).Render(line)
	}
	return line
}
