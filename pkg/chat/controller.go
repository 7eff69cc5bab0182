// Package chat implements the server side of the chat protocol: identity
// binding for each connection, channel membership, and the handlers for
// every client request.
package chat

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/aeolun/pipechat/pkg/dispatch"
	"github.com/aeolun/pipechat/pkg/metrics"
	"github.com/aeolun/pipechat/pkg/protocol"
	"github.com/rs/zerolog"
)

// Bus is the part of the dispatcher the controller drives
type Bus interface {
	Register(name string, h dispatch.Handler)
	OnConnect(h dispatch.ConnHandler)
	OnDisconnect(h dispatch.ConnHandler)
	Send(name string, payload protocol.Payload, mode dispatch.DeliveryMode, to []dispatch.ConnID) error
	SendToOne(conn dispatch.ConnID, name string, payload protocol.Payload) error
}

// Config holds the chat rules
type Config struct {
	GlobalChannel        string
	MaxHistory           int // 0 = unbounded
	MaxMessageLength     int // bytes, 0 = unbounded
	MaxNicknameLength    int // 0 = unbounded
	MaxChannelNameLength int // 0 = unbounded
}

// MinNicknameLength is the shortest nickname accepted after sanitizing
const MinNicknameLength = 4

func DefaultConfig() Config {
	return Config{
		GlobalChannel:        "Global",
		MaxHistory:           100,
		MaxMessageLength:     4096,
		MaxNicknameLength:    20,
		MaxChannelNameLength: 32,
	}
}

// snapshotBudget bounds the history bytes carried by one ChannelUpdate or
// UserInfo. It leaves half a frame for members, sealing and framing.
const snapshotBudget = protocol.MaxFrameSize / 2

// Controller owns the directory and registry and mutates them only from
// dispatcher callbacks. A single mutex makes every callback atomic with
// respect to the others.
type Controller struct {
	bus     Bus
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	directory *Directory
	registry  *Registry
}

type Option func(*Controller)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithNameGenerator overrides the display names given to new users
func WithNameGenerator(gen NameGenerator) Option {
	return func(c *Controller) {
		c.directory = NewDirectory(gen)
	}
}

// WithClock overrides the timestamp source for chat messages
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController creates the controller and registers its handlers on bus
func NewController(bus Bus, cfg Config, opts ...Option) *Controller {
	if cfg.GlobalChannel == "" {
		cfg.GlobalChannel = DefaultConfig().GlobalChannel
	}

	c := &Controller{
		bus:       bus,
		cfg:       cfg,
		logger:    zerolog.Nop(),
		now:       time.Now,
		directory: NewDirectory(nil),
		registry:  NewRegistry(cfg.GlobalChannel),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "chat").Logger()

	bus.OnConnect(c.handleConnect)
	bus.OnDisconnect(c.handleDisconnect)
	bus.Register(protocol.EventSay, c.handleSay)
	bus.Register(protocol.EventNicknameChange, c.handleNicknameChange)
	bus.Register(protocol.EventNewGroup, c.handleNewGroup)
	bus.Register(protocol.EventInviteUser, c.handleInvite)

	c.observe()
	return c
}

// Stats is a point-in-time view of controller state
type Stats struct {
	Users    int
	Channels int
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Users: c.directory.Len(), Channels: c.registry.Len()}
}

// Snapshot returns the wire view of a channel, or false if it does not exist
func (c *Controller) Snapshot(name string) (protocol.Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.registry.ByName(name)
	if ch == nil {
		return protocol.Channel{}, false
	}
	return c.snapshot(ch, snapshotBudget), true
}

func (c *Controller) handleConnect(conn dispatch.ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	user, err := c.directory.Bind(conn)
	if err != nil {
		c.logger.Error().Err(err).Uint64("conn", uint64(conn)).Msg("connect for a connection that is already bound")
		return
	}

	global := c.registry.Global()
	if err := c.registry.AddMember(global, user.ID); err != nil {
		c.logger.Error().Err(err).Str("user", user.ID).Msg("new user already in global channel")
	}

	c.logger.Info().Uint64("conn", uint64(conn)).Str("user", user.ID).Str("nickname", user.Nickname).Msg("user connected")

	joined := c.registry.ChannelsContaining(user.ID)
	channels := make([]protocol.Channel, 0, len(joined))
	for _, ch := range joined {
		channels = append(channels, c.snapshot(ch, snapshotBudget/len(joined)))
	}
	c.send(conn, protocol.EventUserInfo, &protocol.UserInfoMessage{User: user.Wire(), Channels: channels})
	c.sendChannelUpdate(global)
	c.observe()
}

func (c *Controller) handleDisconnect(conn dispatch.ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	user, ok := c.directory.Unbind(conn)
	if !ok {
		c.logger.Error().Uint64("conn", uint64(conn)).Msg("disconnect for a connection with no bound user")
		return
	}

	c.logger.Info().Uint64("conn", uint64(conn)).Str("user", user.ID).Str("nickname", user.Nickname).Msg("user disconnected")

	for _, ch := range c.registry.ChannelsContaining(user.ID) {
		c.registry.RemoveMember(ch, user.ID)
		if ch.Len() == 0 {
			continue
		}
		c.sendChannelUpdate(ch)
	}

	if removed := c.registry.RemoveEmptyNonGlobalChannels(); len(removed) > 0 {
		c.metrics.RecordChannelsRemoved(len(removed))
		c.logger.Debug().Strs("channels", removed).Msg("removed empty channels")
	}
	c.observe()
}

func (c *Controller) handleSay(name string, from dispatch.ConnID, payload protocol.Payload) bool {
	req, ok := payload.(*protocol.SayMessage)
	if !ok {
		c.logMalformed(name, from, payload)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	user := c.sender(name, from)
	if user == nil {
		return false
	}

	text := strings.TrimRightFunc(req.Text, unicode.IsSpace)
	if text == "" {
		c.notify(from, "Message is empty")
		return false
	}
	if c.cfg.MaxMessageLength > 0 && len(text) > c.cfg.MaxMessageLength {
		c.notify(from, fmt.Sprintf("Message is too long (%d bytes, limit %d)", len(text), c.cfg.MaxMessageLength))
		return false
	}

	ch := c.registry.ByName(req.ChannelName)
	if ch == nil {
		ch = c.registry.Global()
	}
	if !ch.HasMember(user.ID) {
		c.notify(from, fmt.Sprintf("You are not a member of %s", ch.Name))
		return false
	}

	author := user.Wire()
	msg := protocol.Message{
		ChannelName: ch.Name,
		User:        &author,
		Text:        text,
		Timestamp:   c.now().UTC().Truncate(time.Millisecond),
	}
	c.registry.AppendMessage(ch, msg, c.cfg.MaxHistory)
	c.metrics.RecordChatMessage()

	c.logger.Debug().Str("channel", ch.Name).Str("user", user.ID).Int("bytes", len(text)).Msg("message accepted")

	if err := c.bus.Send(protocol.EventSay, &protocol.SayMessage{Message: msg}, dispatch.ReliableSequenced, c.memberConns(ch)); err != nil {
		c.logger.Warn().Err(err).Str("channel", ch.Name).Msg("failed to fan out message")
	}
	return true
}

func (c *Controller) handleNicknameChange(name string, from dispatch.ConnID, payload protocol.Payload) bool {
	req, ok := payload.(*protocol.NicknameChangeMessage)
	if !ok {
		c.logMalformed(name, from, payload)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	user := c.sender(name, from)
	if user == nil {
		return false
	}

	nickname := SanitizeNickname(req.RequestedNickname)
	if len(nickname) < MinNicknameLength {
		c.notify(from, fmt.Sprintf("Nickname %q is too short: use at least %d letters, digits, '_' or '.'", nickname, MinNicknameLength))
		return false
	}
	if c.cfg.MaxNicknameLength > 0 && len(nickname) > c.cfg.MaxNicknameLength {
		c.notify(from, fmt.Sprintf("Nickname %q is too long: use at most %d characters", nickname, c.cfg.MaxNicknameLength))
		return false
	}
	if other := c.directory.LookupByNickname(nickname); other != nil && other.ID != user.ID {
		c.notify(from, fmt.Sprintf("Nickname %s is already in use", nickname))
		return false
	}

	old := user.Nickname
	user.Nickname = nickname
	c.logger.Info().Str("user", user.ID).Str("from", old).Str("to", nickname).Msg("nickname changed")

	for _, ch := range c.registry.ChannelsContaining(user.ID) {
		c.sendChannelUpdate(ch)
	}
	c.notify(from, fmt.Sprintf("You are now known as %s", nickname))
	return true
}

func (c *Controller) handleNewGroup(name string, from dispatch.ConnID, payload protocol.Payload) bool {
	req, ok := payload.(*protocol.NewGroupMessage)
	if !ok {
		c.logMalformed(name, from, payload)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	user := c.sender(name, from)
	if user == nil {
		return false
	}

	channelName := SanitizeChannelName(req.Name)
	if channelName == "" {
		c.notify(from, "Channel name must not be empty")
		return false
	}
	if c.cfg.MaxChannelNameLength > 0 && len(channelName) > c.cfg.MaxChannelNameLength {
		c.notify(from, fmt.Sprintf("Channel name is too long: use at most %d characters", c.cfg.MaxChannelNameLength))
		return false
	}

	ch, err := c.registry.CreateChannel(channelName, user.ID)
	if errors.Is(err, ErrDuplicateChannel) {
		c.notify(from, fmt.Sprintf("Channel %s already exists", channelName))
		return false
	}
	if err != nil {
		c.logger.Error().Err(err).Str("channel", channelName).Msg("failed to create channel")
		return false
	}

	c.logger.Info().Str("channel", ch.Name).Str("user", user.ID).Msg("channel created")

	c.sendChannelUpdate(ch)
	c.notify(from, fmt.Sprintf("Created channel %s", ch.Name))
	c.observe()
	return true
}

func (c *Controller) handleInvite(name string, from dispatch.ConnID, payload protocol.Payload) bool {
	req, ok := payload.(*protocol.InviteUserMessage)
	if !ok {
		c.logMalformed(name, from, payload)
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	inviter := c.sender(name, from)
	if inviter == nil {
		return false
	}

	ch := c.registry.ByName(req.ChannelName)
	if ch == nil {
		c.notify(from, fmt.Sprintf("Channel %s does not exist", req.ChannelName))
		return false
	}
	if ch.Global {
		c.notify(from, fmt.Sprintf("Everyone is already in %s", ch.Name))
		return false
	}
	if !ch.HasMember(inviter.ID) {
		c.notify(from, fmt.Sprintf("You are not a member of %s", ch.Name))
		return false
	}

	target := c.directory.LookupByNickname(req.Nickname)
	if target == nil {
		c.notify(from, fmt.Sprintf("No user named %s", req.Nickname))
		return false
	}
	if err := c.registry.AddMember(ch, target.ID); err != nil {
		c.notify(from, fmt.Sprintf("%s is already in %s", target.Nickname, ch.Name))
		return false
	}

	c.logger.Info().Str("channel", ch.Name).Str("inviter", inviter.ID).Str("target", target.ID).Msg("user invited")

	c.sendChannelUpdate(ch)
	c.notify(from, fmt.Sprintf("Invited %s to %s", target.Nickname, ch.Name))
	return true
}

// sender resolves the bound user for an event. A miss means the connection
// never completed connect or has already gone, so the event is not trusted.
func (c *Controller) sender(event string, from dispatch.ConnID) *User {
	user := c.directory.LookupByConnection(from)
	if user == nil {
		c.logger.Warn().Str("event", event).Uint64("conn", uint64(from)).Msg("event from unbound connection, possible spoofing")
	}
	return user
}

func (c *Controller) logMalformed(event string, from dispatch.ConnID, payload protocol.Payload) {
	kind := "nil"
	if payload != nil {
		kind = payload.Kind().String()
	}
	c.logger.Warn().Str("event", event).Str("kind", kind).Uint64("conn", uint64(from)).Msg("unexpected payload type")
}

// snapshot builds the wire view of ch with as much recent history as fits
// in budget bytes. Older messages are left out first.
func (c *Controller) snapshot(ch *Channel, budget int) protocol.Channel {
	out := protocol.Channel{
		Name:     ch.Name,
		Global:   ch.Global,
		Messages: recentHistory(ch.history, budget),
	}
	for _, id := range ch.members {
		if u := c.directory.LookupByID(id); u != nil {
			out.Members = append(out.Members, u.Wire())
		}
	}
	return out
}

// memberConns never returns nil, so an empty channel sends to nobody rather than everyone
func (c *Controller) memberConns(ch *Channel) []dispatch.ConnID {
	conns := make([]dispatch.ConnID, 0, len(ch.members))
	for _, id := range ch.members {
		if conn, ok := c.directory.ConnectionOf(id); ok {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (c *Controller) sendChannelUpdate(ch *Channel) {
	update := &protocol.ChannelUpdateMessage{Channel: c.snapshot(ch, snapshotBudget)}
	if err := c.bus.Send(protocol.EventChannelUpdate, update, dispatch.ReliableSequenced, c.memberConns(ch)); err != nil {
		c.logger.Warn().Err(err).Str("channel", ch.Name).Msg("failed to send channel update")
	}
}

func (c *Controller) notify(conn dispatch.ConnID, text string) {
	c.send(conn, protocol.EventServerNotification, &protocol.ServerNotificationMessage{Text: text})
}

func (c *Controller) send(conn dispatch.ConnID, event string, payload protocol.Payload) {
	if err := c.bus.SendToOne(conn, event, payload); err != nil {
		c.logger.Warn().Err(err).Str("event", event).Uint64("conn", uint64(conn)).Msg("unicast failed")
	}
}

func (c *Controller) observe() {
	c.metrics.SetBoundUsers(c.directory.Len())
	c.metrics.SetChannels(c.registry.Len())
}

// recentHistory returns a copy of the newest messages whose encoded size
// stays within budget
func recentHistory(history []protocol.Message, budget int) []protocol.Message {
	start, used := len(history), 0
	for start > 0 {
		size := history[start-1].WireSize()
		if used+size > budget {
			break
		}
		used += size
		start--
	}
	return slices.Clone(history[start:])
}
