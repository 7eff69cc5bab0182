// Package client is the client role of the chat protocol: it dials a server
// over TCP, WebSocket or SSH and routes incoming envelopes through a
// dispatcher, the same way the server does.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/pipechat/pkg/dispatch"
	"github.com/aeolun/pipechat/pkg/metrics"
	"github.com/aeolun/pipechat/pkg/protocol"
	"github.com/aeolun/pipechat/pkg/secure"
	"github.com/rs/zerolog"
)

// ServerConn is the connection ID handlers see for envelopes from the server
const ServerConn dispatch.ConnID = 0

var ErrClosed = errors.New("connection closed")

type options struct {
	sharedKey      string
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	dialTimeout    time.Duration
	knownHostsPath string
}

type Option func(*options)

// WithSharedKey enables envelope encryption; it must match the server's key
func WithSharedKey(key string) Option {
	return func(o *options) {
		o.sharedKey = key
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// WithKnownHosts sets the file used to pin SSH host keys. Empty disables
// host key checking.
func WithKnownHosts(path string) Option {
	return func(o *options) {
		o.knownHostsPath = path
	}
}

func defaultOptions() *options {
	return &options{
		logger:      zerolog.Nop(),
		dialTimeout: 5 * time.Second,
	}
}

// Connection is a client connection to the server
type Connection struct {
	addr       string
	conn       net.Conn
	logger     zerolog.Logger
	dispatcher *dispatch.Dispatcher
	encrypted  bool

	writeMu sync.Mutex
	started atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// Dial connects to addr. Register handlers with On before calling Start so
// that the server's first UserInfo is not missed.
func Dial(ctx context.Context, addr string, opts ...Option) (*Connection, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	dc, err := parseServerAddress(addr, o)
	if err != nil {
		return nil, err
	}

	conn, err := dc.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", dc.display, err)
	}

	c, err := newConnection(conn, dc.display, o)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewConnection wraps an established conn
func NewConnection(conn net.Conn, opts ...Option) (*Connection, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return newConnection(conn, conn.RemoteAddr().String(), o)
}

func newConnection(conn net.Conn, display string, o *options) (*Connection, error) {
	cipher, err := secure.New(o.sharedKey)
	if err != nil {
		return nil, err
	}

	base := o.logger.With().Str("server", display).Logger()
	c := &Connection{
		addr:      display,
		conn:      conn,
		logger:    base.With().Str("component", "client").Logger(),
		encrypted: o.sharedKey != "",
		done:      make(chan struct{}),
	}
	c.dispatcher = dispatch.New(c,
		dispatch.WithCipher(cipher),
		dispatch.WithLogger(base),
		dispatch.WithMetrics(o.metrics),
	)
	return c, nil
}

// On registers a handler for envelopes named name. Handlers run on the
// connection's read goroutine, one at a time.
func (c *Connection) On(name string, h dispatch.Handler) {
	c.dispatcher.Register(name, h)
}

// Start begins reading from the server. It is a no-op after the first call.
func (c *Connection) Start() {
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	go c.readLoop()
}

func (c *Connection) readLoop() {
	defer c.closeWithError(nil)

	for {
		frame, err := protocol.DecodeFrame(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.closeWithError(err)
			}
			return
		}
		c.bytesReceived.Add(uint64(len(frame.Payload) + 6))

		if (frame.Flags&protocol.FlagEncrypted != 0) != c.encrypted {
			c.logger.Warn().Uint8("flags", frame.Flags).Msg("frame encryption flag does not match, check the shared key")
			continue
		}

		// Failures are logged by the dispatcher; a bad envelope is dropped
		_ = c.dispatcher.Receive(frame.Payload, ServerConn)
	}
}

// Send implements dispatch.Transport. The only peer is the server, so the
// recipient list matters only when it is empty.
func (c *Connection) Send(to []dispatch.ConnID, data []byte, mode dispatch.DeliveryMode) error {
	if to != nil && len(to) == 0 {
		return nil
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	var flags uint8
	if c.encrypted {
		flags = protocol.FlagEncrypted
	}
	frame, err := protocol.EncodeMessage(flags, data)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	_, err = c.conn.Write(frame)
	c.writeMu.Unlock()
	if err != nil {
		c.closeWithError(err)
		return fmt.Errorf("failed to send: %w", err)
	}
	c.bytesSent.Add(uint64(len(frame)))
	return nil
}

// SendUnreliable sends an envelope that the transport may drop
func (c *Connection) SendUnreliable(name string, payload protocol.Payload) error {
	return c.dispatcher.Broadcast(name, payload, dispatch.UnreliableSequenced)
}

// SendReliable sends an envelope that must arrive in order
func (c *Connection) SendReliable(name string, payload protocol.Payload) error {
	return c.dispatcher.Broadcast(name, payload, dispatch.ReliableSequenced)
}

// Say posts text to a channel. An empty channel name means the global channel.
func (c *Connection) Say(channel, text string) error {
	return c.SendReliable(protocol.EventSay, &protocol.SayMessage{Message: protocol.Message{ChannelName: channel, Text: text}})
}

func (c *Connection) RequestNickname(nickname string) error {
	return c.SendReliable(protocol.EventNicknameChange, &protocol.NicknameChangeMessage{RequestedNickname: nickname})
}

func (c *Connection) CreateGroup(name string) error {
	return c.SendReliable(protocol.EventNewGroup, &protocol.NewGroupMessage{Name: name})
}

func (c *Connection) Invite(channel, nickname string) error {
	return c.SendReliable(protocol.EventInviteUser, &protocol.InviteUserMessage{ChannelName: channel, Nickname: nickname})
}

// Done is closed once the connection is gone
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that closed the connection, or nil after a clean close
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Connection) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		if err != nil {
			c.logger.Debug().Err(err).Msg("connection lost")
		}
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *Connection) Address() string {
	return c.addr
}

func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}
