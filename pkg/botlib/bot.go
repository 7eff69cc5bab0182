package botlib

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aeolun/pipechat/pkg/client"
	"github.com/rs/zerolog"
)

// ErrDisconnected is returned by Serve when the server goes away
var ErrDisconnected = errors.New("disconnected from server")

// MessageHandler is called when a new message is received.
type MessageHandler func(ctx *Context, msg *Message)

// Config holds the bot configuration.
type Config struct {
	// Server address, anything client.Dial accepts
	Server string

	// Pre-shared envelope key, empty for plaintext
	SharedKey string

	// Nickname for the bot (e.g., "PingBot"); empty keeps the assigned name
	Nickname string

	// Logger for debug output (optional, defaults to stdout)
	Logger *zerolog.Logger

	// DialTimeout for the initial connection (default: 10s)
	DialTimeout time.Duration
}

// Bot represents a PipeChat bot instance.
type Bot struct {
	config Config
	logger zerolog.Logger

	conn  client.ChatConnection
	state *client.State

	// Messages already handed to handlers, per channel
	seen map[string]int

	// Handlers
	onMessage MessageHandler
	onMention MessageHandler

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	if config.Logger != nil {
		logger = *config.Logger
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	return &Bot{
		config: config,
		logger: logger.With().Str("component", "bot").Logger(),
		seen:   make(map[string]int),
		stopCh: make(chan struct{}),
	}
}

// OnMessage registers a handler for all new messages from other users.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnMention registers a handler for messages that mention the bot.
func (b *Bot) OnMention(handler MessageHandler) {
	b.onMention = handler
}

// Run connects to the server and processes messages until ctx is done,
// Stop is called or the connection is lost.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info().Str("server", b.config.Server).Msg("connecting")

	conn, err := client.Dial(ctx, b.config.Server,
		client.WithSharedKey(b.config.SharedKey),
		client.WithLogger(b.logger),
		client.WithDialTimeout(b.config.DialTimeout),
	)
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close()

	state := client.NewState()
	state.Track(conn)
	conn.Start()

	if b.config.Nickname != "" {
		if err := conn.RequestNickname(b.config.Nickname); err != nil {
			return fmt.Errorf("set nickname: %w", err)
		}
	}

	b.logger.Info().Msg("bot is running")
	return b.Serve(ctx, conn, state)
}

// Serve handles messages arriving in state, replying over conn. Run calls it
// after dialing; tests call it directly.
func (b *Bot) Serve(ctx context.Context, conn client.ChatConnection, state *client.State) error {
	b.conn = conn
	b.state = state

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.stopCh:
			b.logger.Info().Msg("stop requested")
			return nil
		case <-conn.Done():
			return ErrDisconnected
		case <-state.Changes():
			b.process()
		}
	}
}

// Stop gracefully stops the bot.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// process hands every message not seen before to the handlers. History that
// arrives with a channel we just joined counts as seen.
func (b *Bot) process() {
	self := b.state.Self()

	for _, ch := range b.state.Channels() {
		seen, known := b.seen[ch.Name]
		b.seen[ch.Name] = len(ch.Messages)
		if !known || seen >= len(ch.Messages) {
			continue
		}

		for _, m := range ch.Messages[seen:] {
			if m.User == nil || m.User.ID == self.ID {
				continue
			}
			msg := &Message{
				ChannelName:    ch.Name,
				AuthorID:       m.User.ID,
				AuthorNickname: m.User.Nickname,
				Content:        m.Text,
				CreatedAt:      m.Timestamp,
				botNickname:    self.Nickname,
			}
			b.handle(msg)
		}
	}
}

func (b *Bot) handle(msg *Message) {
	ctx := &Context{bot: b, message: msg}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Str("context", ctx.String()).Msg("handler panicked")
		}
	}()

	if b.onMessage != nil {
		b.onMessage(ctx, msg)
	}
	if b.onMention != nil && msg.MentionsMe() {
		b.onMention(ctx, msg)
	}
}
