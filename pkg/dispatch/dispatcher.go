// Package dispatch routes named envelopes between a transport and the
// handlers registered for each event name.
//
// Inbound bytes are decrypted, decoded into an envelope and fanned out to
// every handler bound to the envelope's name, in registration order.
// Outbound payloads take the reverse path.
package dispatch

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aeolun/pipechat/pkg/metrics"
	"github.com/aeolun/pipechat/pkg/protocol"
	"github.com/aeolun/pipechat/pkg/secure"
	"github.com/rs/zerolog"
)

// ConnID identifies one live transport connection
type ConnID uint64

// DeliveryMode is the guarantee requested from the transport
type DeliveryMode uint8

const (
	// UnreliableSequenced may drop frames but never reorders them
	UnreliableSequenced DeliveryMode = iota
	// ReliableSequenced delivers every frame in order or drops the connection
	ReliableSequenced
)

func (m DeliveryMode) String() string {
	switch m {
	case UnreliableSequenced:
		return "unreliable"
	case ReliableSequenced:
		return "reliable"
	default:
		return "unknown"
	}
}

// Transport carries opaque byte payloads to connections.
// A nil recipient list means every live connection.
type Transport interface {
	Send(to []ConnID, data []byte, mode DeliveryMode) error
}

// Handler processes one dispatched event. The return value reports whether
// the handler accepted the event; it never stops other handlers from running.
type Handler func(name string, from ConnID, payload protocol.Payload) bool

// ConnHandler observes connection lifecycle events
type ConnHandler func(conn ConnID)

var ErrNoTransport = errors.New("dispatcher has no transport")

// Dispatcher is safe for concurrent use, though the server drives it from a
// single goroutine so handlers never overlap.
type Dispatcher struct {
	transport Transport
	cipher    secure.Cipher
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu           sync.RWMutex
	handlers     map[string][]Handler
	onConnect    []ConnHandler
	onDisconnect []ConnHandler
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithCipher sets the cipher applied to every envelope. Defaults to secure.Plain.
func WithCipher(c secure.Cipher) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.cipher = c
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// New creates a dispatcher bound to a transport
func New(transport Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: transport,
		cipher:    secure.Plain{},
		logger:    zerolog.Nop(),
		handlers:  make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With().Str("component", "dispatch").Logger()
	return d
}

// Register appends a handler for an event name. Registering the same
// handler twice makes it run twice.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = append(d.handlers[name], h)
}

// OnConnect registers a callback for new connections
func (d *Dispatcher) OnConnect(h ConnHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onConnect = append(d.onConnect, h)
}

// OnDisconnect registers a callback for closed connections
func (d *Dispatcher) OnDisconnect(h ConnHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDisconnect = append(d.onDisconnect, h)
}

// Dispatch invokes every handler bound to name, in registration order.
// Unknown names are ignored.
func (d *Dispatcher) Dispatch(name string, from ConnID, payload protocol.Payload) {
	d.mu.RLock()
	handlers := d.handlers[name]
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Debug().Str("event", name).Uint64("conn", uint64(from)).Msg("no handler registered")
		return
	}

	d.metrics.RecordEventReceived(name)
	for _, h := range handlers {
		d.invoke(h, name, from, payload)
	}
}

func (d *Dispatcher) invoke(h Handler, name string, from ConnID, payload protocol.Payload) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordHandlerPanic(name)
			d.logger.Error().
				Str("event", name).
				Uint64("conn", uint64(from)).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	handled := h(name, from, payload)
	d.metrics.RecordHandlerResult(name, handled)
	if !handled {
		d.logger.Debug().Str("event", name).Uint64("conn", uint64(from)).Msg("handler rejected event")
	}
}

// Receive decrypts and decodes raw transport bytes and dispatches the
// envelope. Failures are logged and the input is dropped; the returned error
// is informational only.
func (d *Dispatcher) Receive(raw []byte, from ConnID) error {
	plaintext, err := d.cipher.Decrypt(raw)
	if err != nil {
		d.metrics.RecordReceiveFailure("decrypt")
		d.logger.Warn().Err(err).Uint64("conn", uint64(from)).Int("bytes", len(raw)).Msg("dropping undecryptable payload")
		return fmt.Errorf("decrypt: %w", err)
	}

	env, err := protocol.DecodeEnvelope(plaintext)
	if err != nil {
		d.metrics.RecordReceiveFailure("decode")
		d.logger.Warn().Err(err).Uint64("conn", uint64(from)).Int("bytes", len(plaintext)).Msg("dropping malformed envelope")
		return fmt.Errorf("decode: %w", err)
	}

	d.Dispatch(env.Name, from, env.Payload)
	return nil
}

// HandleConnect runs every connect callback for conn
func (d *Dispatcher) HandleConnect(conn ConnID) {
	d.mu.RLock()
	callbacks := d.onConnect
	d.mu.RUnlock()

	for _, cb := range callbacks {
		d.invokeConn(cb, "connect", conn)
	}
}

// HandleDisconnect runs every disconnect callback for conn
func (d *Dispatcher) HandleDisconnect(conn ConnID) {
	d.mu.RLock()
	callbacks := d.onDisconnect
	d.mu.RUnlock()

	for _, cb := range callbacks {
		d.invokeConn(cb, "disconnect", conn)
	}
}

func (d *Dispatcher) invokeConn(cb ConnHandler, event string, conn ConnID) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.RecordHandlerPanic(event)
			d.logger.Error().Str("event", event).Uint64("conn", uint64(conn)).Interface("panic", r).Msg("connection callback panicked")
		}
	}()
	cb(conn)
}

// Send encodes, encrypts and hands a payload to the transport. A nil
// recipient list broadcasts; an empty non-nil list sends nothing.
func (d *Dispatcher) Send(name string, payload protocol.Payload, mode DeliveryMode, to []ConnID) error {
	if to != nil && len(to) == 0 {
		return nil
	}
	if d.transport == nil {
		return ErrNoTransport
	}

	data, err := protocol.EncodeEnvelope(name, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	sealed, err := d.cipher.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", name, err)
	}

	if err := d.transport.Send(to, sealed, mode); err != nil {
		d.logger.Warn().Err(err).Str("event", name).Str("mode", mode.String()).Msg("transport send failed")
		return err
	}

	d.metrics.RecordEventSent(name, mode.String())
	return nil
}

// Broadcast sends to every live connection
func (d *Dispatcher) Broadcast(name string, payload protocol.Payload, mode DeliveryMode) error {
	return d.Send(name, payload, mode, nil)
}

// SendToOne sends reliably to a single connection
func (d *Dispatcher) SendToOne(conn ConnID, name string, payload protocol.Payload) error {
	return d.Send(name, payload, ReliableSequenced, []ConnID{conn})
}
