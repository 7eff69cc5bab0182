package botlib

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Context provides methods for responding to messages.
// It is passed to message handlers and provides a convenient API
// for common bot actions.
type Context struct {
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Reply says content in the channel the message came from.
func (c *Context) Reply(content string) error {
	return c.bot.conn.Say(c.message.ChannelName, content)
}

// Say posts content to another channel the bot is in.
func (c *Context) Say(channel, content string) error {
	return c.bot.conn.Say(channel, content)
}

// Invite asks the server to add nickname to the message's channel.
func (c *Context) Invite(nickname string) error {
	return c.bot.conn.Invite(c.message.ChannelName, nickname)
}

// Channel returns the name of the channel where the message was received.
func (c *Context) Channel() string {
	return c.message.ChannelName
}

// Author returns the nickname of the message author.
func (c *Context) Author() string {
	return c.message.AuthorNickname
}

// Members returns the nicknames in the message's channel.
func (c *Context) Members() []string {
	ch, ok := c.bot.state.Channel(c.message.ChannelName)
	if !ok {
		return nil
	}
	names := make([]string, len(ch.Members))
	for i, u := range ch.Members {
		names[i] = u.Nickname
	}
	return names
}

// BotNickname returns the bot's current nickname.
func (c *Context) BotNickname() string {
	return c.bot.state.Self().Nickname
}

// Logger returns the bot's logger scoped to this message.
func (c *Context) Logger() zerolog.Logger {
	return c.bot.logger.With().
		Str("channel", c.message.ChannelName).
		Str("author", c.message.AuthorNickname).
		Logger()
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{channel=%s, author=%s}", c.message.ChannelName, c.message.AuthorNickname)
}
