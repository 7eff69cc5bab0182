package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer starts the SSH listener when ssh_port is set. Clients do not
// authenticate: like TCP, a session channel is one anonymous peer.
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		s.logger.Debug().Int("ssh_port", s.config.SSHPort).Msg("SSH server disabled")
		return nil
	}

	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: "SSH-2.0-PipeChat",
	}
	config.AddHostKey(hostKey)

	addr := fmt.Sprintf(":%d", s.config.SSHPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshListener = listener

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("SSH server listening")

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)

	return nil
}

// SSHAddr returns the SSH listener address, or nil when disabled
func (s *Server) SSHAddr() net.Addr {
	if s.sshListener == nil {
		return nil
	}
	return s.sshListener.Addr()
}

func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("SSH accept error")
			continue
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("SSH handshake failed")
		return
	}
	conn.SetDeadline(time.Time{})
	defer sshConn.Close()

	// Closing the peer only ends its channel; the connection itself has to go
	// for chans to drain on shutdown
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-finished:
		}
	}()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		// Only "session" channels carry the frame protocol
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.logger.Warn().Err(err).Msg("could not accept SSH channel")
			continue
		}

		go replyToChannelRequests(requests)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.servePeer(&sshChannelConn{channel: channel, local: sshConn.LocalAddr(), remote: sshConn.RemoteAddr()}, "ssh")
		}()
	}
}

// replyToChannelRequests accepts the requests an interactive ssh client sends
// before it starts streaming
func replyToChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn wraps ssh.Channel to implement net.Conn. SSH channels have
// no deadlines, so those calls are no-ops.
type sshChannelConn struct {
	channel ssh.Channel
	local   net.Addr
	remote  net.Addr
}

func (c *sshChannelConn) Read(b []byte) (int, error)         { return c.channel.Read(b) }
func (c *sshChannelConn) Write(b []byte) (int, error)        { return c.channel.Write(b) }
func (c *sshChannelConn) Close() error                       { return c.channel.Close() }
func (c *sshChannelConn) LocalAddr() net.Addr                { return c.local }
func (c *sshChannelConn) RemoteAddr() net.Addr               { return c.remote }
func (c *sshChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshChannelConn) SetWriteDeadline(t time.Time) error { return nil }

// loadOrGenerateHostKey loads the SSH host key or generates an ed25519 key if
// the file doesn't exist
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	if strings.TrimSpace(s.config.SSHHostKeyPath) == "" {
		return nil, errors.New("ssh host key path is empty; set [server].ssh_host_key")
	}
	keyPath, err := ExpandPath(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		s.logger.Info().Str("path", keyPath).Msg("loaded SSH host key")
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	s.logger.Info().Str("path", keyPath).Msg("generating new SSH host key")

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(privateKey, "pipechat host key")
	if err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}

	return ssh.NewSignerFromKey(privateKey)
}
