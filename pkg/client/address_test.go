package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		raw     string
		scheme  string
		address string
		display string
	}{
		{"localhost", "tcp", "localhost:27015", "localhost:27015"},
		{"chat.example.com:9000", "tcp", "chat.example.com:9000", "chat.example.com:9000"},
		{"tcp://10.0.0.1", "tcp", "10.0.0.1:27015", "10.0.0.1:27015"},
		{"ws://chat.example.com", "ws", "chat.example.com:8080", "ws://chat.example.com:8080/ws"},
		{"wss://chat.example.com:443/chat", "wss", "chat.example.com:443", "wss://chat.example.com:443/chat"},
		{"ssh://chat.example.com", "ssh", "chat.example.com:27016", "ssh://chat.example.com:27016"},
		{"[::1]", "tcp", "[::1]:27015", "[::1]:27015"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			dc, err := parseServerAddress(tt.raw, defaultOptions())
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, dc.scheme)
			assert.Equal(t, tt.address, dc.address)
			assert.Equal(t, tt.display, dc.display)
			assert.NotNil(t, dc.dial)
		})
	}
}

func TestParseServerAddressErrors(t *testing.T) {
	for _, raw := range []string{"", "   ", "gopher://example.com", "tcp://"} {
		t.Run(raw, func(t *testing.T) {
			_, err := parseServerAddress(raw, defaultOptions())
			assert.Error(t, err)
		})
	}
}
