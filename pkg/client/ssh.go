package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const pipechatSSHVersionPrefix = "SSH-2.0-PipeChat"

// ErrHostKeyMismatch means the server presented a key that differs from the
// one recorded in known_hosts
var ErrHostKeyMismatch = errors.New("ssh host key changed")

// dialSSH opens an anonymous session channel and returns it as a net.Conn
func dialSSH(ctx context.Context, address string, opts *options) (net.Conn, error) {
	d := net.Dialer{Timeout: opts.dialTimeout}
	netConn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            "pipechat",
		HostKeyCallback: trustOnFirstUse(opts.knownHostsPath),
		Timeout:         opts.dialTimeout,
	}

	if opts.dialTimeout > 0 {
		netConn.SetDeadline(time.Now().Add(opts.dialTimeout))
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	netConn.SetDeadline(time.Time{})

	if banner := string(clientConn.ServerVersion()); !strings.HasPrefix(banner, pipechatSSHVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q; expected a PipeChat server", banner)
	}

	sshClient := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := sshClient.OpenChannel("session", nil)
	if err != nil {
		sshClient.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	return &sshClientConn{
		channel:    channel,
		client:     sshClient,
		localAddr:  netConn.LocalAddr(),
		remoteAddr: netConn.RemoteAddr(),
	}, nil
}

// trustOnFirstUse accepts and records unknown host keys, and rejects keys
// that contradict a recorded one. An empty path skips verification.
func trustOnFirstUse(path string) ssh.HostKeyCallback {
	if path == "" {
		return ssh.InsecureIgnoreHostKey()
	}
	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()

		if _, err := os.Stat(path); err == nil {
			check, err := knownhosts.New(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			err = check(hostname, remote, key)
			var keyErr *knownhosts.KeyError
			switch {
			case err == nil:
				return nil
			case errors.As(err, &keyErr) && len(keyErr.Want) > 0:
				return fmt.Errorf("%w for %s (presented %s)", ErrHostKeyMismatch, hostname, ssh.FingerprintSHA256(key))
			case !errors.As(err, &keyErr):
				return err
			}
		}

		return appendKnownHost(path, hostname, key)
	}
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = fmt.Fprintf(f, "%s added=%s\n", line, time.Now().Format(time.RFC3339))
	return err
}

type sshClientConn struct {
	channel    ssh.Channel
	client     *ssh.Client
	localAddr  net.Addr
	remoteAddr net.Addr
	once       sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshClientConn) Write(b []byte) (int, error) { return c.channel.Write(b) }

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}

func (c *sshClientConn) LocalAddr() net.Addr                { return c.localAddr }
func (c *sshClientConn) RemoteAddr() net.Addr               { return c.remoteAddr }
func (c *sshClientConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshClientConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshClientConn) SetWriteDeadline(t time.Time) error { return nil }
