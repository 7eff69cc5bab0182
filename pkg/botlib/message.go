// Package botlib provides a simple library for building PipeChat bots.
package botlib

import (
	"strings"
	"time"
)

// Message represents a chat message received by the bot.
type Message struct {
	ChannelName    string
	AuthorID       string
	AuthorNickname string
	Content        string
	CreatedAt      time.Time

	// Internal: the bot's nickname for mention detection
	botNickname string
}

// MentionsMe returns true if the message content mentions the bot.
// Checks for @nickname and a leading "nickname:" or "nickname," (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botNickname == "" {
		return false
	}

	content := strings.ToLower(m.Content)
	nickname := strings.ToLower(m.botNickname)

	if strings.Contains(content, "@"+nickname) {
		return true
	}
	return strings.HasPrefix(content, nickname+":") ||
		strings.HasPrefix(content, nickname+",")
}

// MentionedContent returns the message content with the bot mention removed.
func (m *Message) MentionedContent() string {
	if m.botNickname == "" {
		return m.Content
	}

	content := m.Content
	lower := strings.ToLower(content)
	lowerNick := strings.ToLower(m.botNickname)

	if i := strings.Index(lower, "@"+lowerNick); i >= 0 {
		content = content[:i] + content[i+len(lowerNick)+1:]
	} else if strings.HasPrefix(lower, lowerNick+":") || strings.HasPrefix(lower, lowerNick+",") {
		content = content[len(lowerNick)+1:]
	}

	return strings.TrimSpace(content)
}

// Command splits a "!name args..." message. ok is false for anything else.
func (m *Message) Command() (name string, args []string, ok bool) {
	content := strings.TrimSpace(m.MentionedContent())
	if !strings.HasPrefix(content, "!") {
		return "", nil, false
	}
	fields := strings.Fields(content[1:])
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}
