package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

type command struct {
	usage   string
	minArgs int
	run     func(m Model, args []string) (tea.Model, tea.Cmd)
}

const helpText = "/nick NAME, /new CHANNEL, /invite NICK [CHANNEL], /join CHANNEL, /channels, /quit. Tab switches channel."

var commands = map[string]command{
	"nick": {
		usage:   "/nick NAME",
		minArgs: 1,
		run: func(m Model, args []string) (tea.Model, tea.Cmd) {
			nickname := args[0]
			return m, request(func() error { return m.conn.RequestNickname(nickname) })
		},
	},
	"new": {
		usage:   "/new CHANNEL",
		minArgs: 1,
		run: func(m Model, args []string) (tea.Model, tea.Cmd) {
			name := args[0]
			return m, request(func() error { return m.conn.CreateGroup(name) })
		},
	},
	"invite": {
		usage:   "/invite NICK [CHANNEL]",
		minArgs: 1,
		run: func(m Model, args []string) (tea.Model, tea.Cmd) {
			nickname, channel := args[0], m.current
			if len(args) > 1 {
				channel = args[1]
			}
			return m, request(func() error { return m.conn.Invite(channel, nickname) })
		},
	},
	"join": {
		usage:   "/join CHANNEL",
		minArgs: 1,
		run: func(m Model, args []string) (tea.Model, tea.Cmd) {
			if _, ok := m.state.Channel(args[0]); !ok {
				m.errorMessage = fmt.Sprintf("You are not in %s", args[0])
				return m, nil
			}
			m.switchTo(args[0])
			return m, nil
		},
	},
	"channels": {
		usage: "/channels",
		run: func(m Model, _ []string) (tea.Model, tea.Cmd) {
			m.status = "Channels: " + strings.Join(channelNames(m.state.Channels()), ", ")
			return m, nil
		},
	},
	"help": {
		usage: "/help",
		run: func(m Model, _ []string) (tea.Model, tea.Cmd) {
			m.status = helpText
			return m, nil
		},
	},
	"quit": {
		usage: "/quit",
		run: func(m Model, _ []string) (tea.Model, tea.Cmd) {
			return m, m.quit()
		},
	},
}

// parseCommand splits "/name arg1 arg2" into its lowercased name and arguments
func parseCommand(line string) (string, []string) {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}
