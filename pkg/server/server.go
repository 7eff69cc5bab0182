// Package server hosts the chat over TCP, SSH and WebSocket. Every connect, frame
// and disconnect is funnelled through one event pump so the dispatcher sees a
// single ordered stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aeolun/pipechat/pkg/chat"
	"github.com/aeolun/pipechat/pkg/dispatch"
	"github.com/aeolun/pipechat/pkg/metrics"
	"github.com/aeolun/pipechat/pkg/protocol"
	"github.com/aeolun/pipechat/pkg/secure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	eventQueueSize = 1024
	writeTimeout   = 10 * time.Second
)

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort        int // 0 picks a free port
	SSHPort        int // 0 = disabled
	SSHHostKeyPath string
	HTTPPort       int // Public HTTP port for /ws (0 = disabled)
	MetricsPort    int // Internal /metrics and /health (0 = disabled)
	MaxPeers       int // 0 = unlimited
	SendQueue      int // Frames buffered per peer
	SharedKey      string
	Chat           chat.Config
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:        27015,
		SSHHostKeyPath: "~/.pipechat/ssh_host_key",
		HTTPPort:       8080,
		MetricsPort:    9090,
		MaxPeers:       20,
		SendQueue:      256,
		Chat:           chat.DefaultConfig(),
	}
}

type eventKind uint8

const (
	eventConnect eventKind = iota
	eventData
	eventDisconnect
)

type event struct {
	kind eventKind
	conn dispatch.ConnID
	data []byte
}

// Server represents the PipeChat server
type Server struct {
	config     ServerConfig
	logger     zerolog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	cipher     secure.Cipher
	encrypted  bool
	peers      *PeerTable
	dispatcher *dispatch.Dispatcher
	controller *chat.Controller

	events      chan event
	listener    net.Listener
	sshListener net.Listener
	httpSrv     *http.Server
	metricSrv   *http.Server

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
	// closing guards wg.Add from HTTP handlers once Stop is waiting
	closingMu sync.Mutex
	closing   bool
	startTime    time.Time
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer wires the transport, dispatcher and chat controller together
func NewServer(config ServerConfig, opts ...Option) (*Server, error) {
	cipher, err := secure.New(config.SharedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to set up envelope encryption: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	s := &Server{
		config:    config,
		logger:    zerolog.Nop(),
		registry:  registry,
		metrics:   m,
		cipher:    cipher,
		encrypted: config.SharedKey != "",
		events:    make(chan event, eventQueueSize),
		shutdown:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	// Each layer tags its own component
	base := s.logger
	s.logger = base.With().Str("component", "server").Logger()

	s.peers = NewPeerTable(config.MaxPeers, config.SendQueue, writeTimeout, m)
	s.dispatcher = dispatch.New(s,
		dispatch.WithCipher(cipher),
		dispatch.WithLogger(base),
		dispatch.WithMetrics(m),
	)
	s.controller = chat.NewController(s.dispatcher, config.Chat,
		chat.WithLogger(base),
		chat.WithMetrics(m),
	)

	return s, nil
}

// Start opens the listeners and begins serving
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = time.Now()

	if err := s.startSSHServer(); err != nil {
		listener.Close()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	s.wg.Add(1)
	go s.pump()

	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/health", s.HealthHandler)
		s.metricSrv = &http.Server{Addr: fmt.Sprintf(":%d", s.config.MetricsPort), Handler: mux}
		s.serveHTTP(s.metricSrv, "metrics server (/metrics, /health), internal only")
	}

	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		s.httpSrv = &http.Server{Addr: fmt.Sprintf(":%d", s.config.HTTPPort), Handler: mux}
		s.serveHTTP(s.httpSrv, "public HTTP server (/ws)")
	}

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Int("max_peers", s.config.MaxPeers).
		Bool("encrypted", s.encrypted).
		Msg("TCP server listening")

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) serveHTTP(srv *http.Server, what string) {
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg(what + " listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Str("addr", srv.Addr).Msg(what + " failed")
		}
	}()
}

// Addr returns the TCP listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Controller exposes the chat state for inspection
func (s *Server) Controller() *chat.Controller {
	return s.controller
}

// track adds a handler goroutine to wg, or reports false once Stop has begun
func (s *Server) track() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(1)
	return true
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.shutdownOnce.Do(func() {
		s.logger.Info().Msg("graceful shutdown initiated")
		close(s.shutdown)
		s.closingMu.Lock()
		s.closing = true
		s.closingMu.Unlock()

		for _, l := range []net.Listener{s.listener, s.sshListener} {
			if l != nil {
				l.Close()
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range []*http.Server{s.httpSrv, s.metricSrv} {
			if srv != nil {
				if err := srv.Shutdown(ctx); err != nil {
					s.logger.Warn().Err(err).Msg("HTTP shutdown")
				}
			}
		}

		s.peers.CloseAll()
		s.wg.Wait()
		s.logger.Info().Msg("graceful shutdown complete")
	})
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept error")
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.servePeer(conn, "tcp")
		}()
	}
}

// servePeer runs a connection until it closes. The connect event is posted
// before the first frame is read, so handlers always see connect, then data,
// then disconnect for a given peer.
func (s *Server) servePeer(conn net.Conn, transport string) {
	peer, err := s.peers.Add(conn, transport)
	if err != nil {
		s.reject(conn, err)
		return
	}

	log := s.logger.With().Uint64("conn", uint64(peer.ID)).Str("transport", transport).Logger()
	log.Debug().Str("remote", peer.RemoteAddr).Msg("peer connected")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.writeLoop(peer, log)
	}()

	if !s.post(event{kind: eventConnect, conn: peer.ID}) {
		peer.Close()
		s.peers.Remove(peer.ID)
		return
	}

	s.readLoop(peer, log)

	peer.Close()
	s.peers.Remove(peer.ID)
	s.post(event{kind: eventDisconnect, conn: peer.ID})
}

// reject tells a refused connection why before closing it
func (s *Server) reject(conn net.Conn, reason error) {
	defer conn.Close()
	s.logger.Warn().Err(reason).Str("remote", conn.RemoteAddr().String()).Msg("connection refused")
	if !errors.Is(reason, ErrServerFull) {
		return
	}

	envelope, err := protocol.EncodeEnvelope(protocol.EventServerNotification, &protocol.ServerNotificationMessage{Text: "Server is full"})
	if err != nil {
		return
	}
	sealed, err := s.cipher.Encrypt(envelope)
	if err != nil {
		return
	}
	frame, err := protocol.EncodeMessage(s.frameFlags(), sealed)
	if err != nil {
		return
	}
	_ = NewSafeConn(conn, time.Second).WriteFrame(frame)
}

func (s *Server) readLoop(peer *Peer, log zerolog.Logger) {
	for {
		frame, err := peer.Conn.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				log.Debug().Msg("peer disconnected")
			} else {
				log.Debug().Err(err).Msg("read error")
			}
			return
		}

		if (frame.Flags&protocol.FlagEncrypted != 0) != s.encrypted {
			log.Warn().Uint8("flags", frame.Flags).Msg("frame encryption flag does not match server, dropping")
			s.metrics.RecordReceiveFailure("frame")
			continue
		}

		if !s.post(event{kind: eventData, conn: peer.ID, data: frame.Payload}) {
			return
		}
	}
}

func (s *Server) writeLoop(peer *Peer, log zerolog.Logger) {
	for {
		select {
		case frame := <-peer.queue:
			if err := peer.Conn.WriteFrame(frame); err != nil {
				log.Debug().Err(err).Msg("write error")
				peer.Close()
				return
			}
		case <-peer.Done():
			return
		}
	}
}

// post hands an event to the pump. It reports false once the server is
// shutting down.
func (s *Server) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.shutdown:
		return false
	}
}

// pump is the only goroutine that calls into the dispatcher
func (s *Server) pump() {
	defer s.wg.Done()

	for {
		select {
		case ev := <-s.events:
			switch ev.kind {
			case eventConnect:
				s.dispatcher.HandleConnect(ev.conn)
			case eventData:
				// Failures are logged and counted by the dispatcher
				_ = s.dispatcher.Receive(ev.data, ev.conn)
			case eventDisconnect:
				s.dispatcher.HandleDisconnect(ev.conn)
			}
		case <-s.shutdown:
			return
		}
	}
}

func (s *Server) frameFlags() uint8 {
	if s.encrypted {
		return protocol.FlagEncrypted
	}
	return 0
}

// Send implements dispatch.Transport. It only queues frames, so it is safe to
// call from inside a handler.
func (s *Server) Send(to []dispatch.ConnID, data []byte, mode dispatch.DeliveryMode) error {
	if to != nil && len(to) == 0 {
		return nil
	}
	frame, err := protocol.EncodeMessage(s.frameFlags(), data)
	if err != nil {
		return fmt.Errorf("failed to frame payload: %w", err)
	}
	for _, id := range s.peers.Deliver(to, frame, mode) {
		s.logger.Warn().Uint64("conn", uint64(id)).Str("mode", mode.String()).Msg("send queue full, evicting peer")
	}
	return nil
}

// HealthHandler reports liveness plus a few gauges
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.controller.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"peers":          s.peers.Len(),
		"users":          stats.Users,
		"channels":       stats.Channels,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}
