package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/aeolun/pipechat/pkg/wsconn"
	"github.com/gorilla/websocket"
)

const (
	defaultTCPPort  = "27015"
	defaultSSHPort  = "27016"
	defaultHTTPPort = "8080"
)

// dialConfig is a parsed server address
type dialConfig struct {
	display string // Display address with scheme
	scheme  string // "tcp", "ws", "wss" or "ssh"
	address string // host:port
	dial    func(ctx context.Context) (net.Conn, error)
}

// parseServerAddress accepts host[:port], tcp://, ws://, wss:// and ssh://
// addresses. A bare host dials TCP on the default port.
func parseServerAddress(raw string, opts *options) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: address,
			scheme:  "tcp",
			address: address,
			dial: func(ctx context.Context) (net.Conn, error) {
				d := net.Dialer{Timeout: opts.dialTimeout}
				return d.DialContext(ctx, "tcp", address)
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		if path == "" || path == "/" {
			path = "/ws"
		}
		address := net.JoinHostPort(host, port)
		target := (&url.URL{Scheme: scheme, Host: address, Path: path}).String()
		return &dialConfig{
			display: target,
			scheme:  scheme,
			address: address,
			dial: func(ctx context.Context) (net.Conn, error) {
				dialer := websocket.Dialer{HandshakeTimeout: opts.dialTimeout}
				ws, _, err := dialer.DialContext(ctx, target, nil)
				if err != nil {
					return nil, err
				}
				return wsconn.New(ws), nil
			},
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: "ssh://" + address,
			scheme:  "ssh",
			address: address,
			dial: func(ctx context.Context) (net.Conn, error) {
				return dialSSH(ctx, address, opts)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}
