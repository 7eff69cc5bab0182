package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/pipechat/pkg/chat"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Security SecuritySection `toml:"security"`
	Chat     ChatSection     `toml:"chat"`
	Logging  LoggingSection  `toml:"logging"`
}

type ServerSection struct {
	TCPPort     int    `toml:"tcp_port"`
	SSHPort     int    `toml:"ssh_port"`
	SSHHostKey  string `toml:"ssh_host_key"`
	HTTPPort    int    `toml:"http_port"`
	MetricsPort int    `toml:"metrics_port"`
	MaxPeers    int    `toml:"max_peers"`
	SendQueue   int    `toml:"send_queue"`
}

type SecuritySection struct {
	SharedKey string `toml:"shared_key"`
}

type ChatSection struct {
	GlobalChannel        string `toml:"global_channel"`
	MaxHistory           int    `toml:"max_history"`
	MaxMessageLength     int    `toml:"max_message_length"`
	MaxNicknameLength    int    `toml:"max_nickname_length"`
	MaxChannelNameLength int    `toml:"max_channel_name_length"`
}

type LoggingSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	chatDefaults := chat.DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:     27015,
			SSHHostKey:  "~/.pipechat/ssh_host_key",
			HTTPPort:    8080,
			MetricsPort: 9090,
			MaxPeers:    20,
			SendQueue:   256,
		},
		Chat: ChatSection{
			GlobalChannel:        chatDefaults.GlobalChannel,
			MaxHistory:           chatDefaults.MaxHistory,
			MaxMessageLength:     chatDefaults.MaxMessageLength,
			MaxNicknameLength:    chatDefaults.MaxNicknameLength,
			MaxChannelNameLength: chatDefaults.MaxChannelNameLength,
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "console",
		},
	}
}

// ExpandPath replaces a leading ~/ with the user's home directory
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// A read-only location still runs on defaults
		_ = WriteDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	// Start from defaults so keys missing from the file keep their default
	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: PIPECHAT_SECTION_KEY
// Example: PIPECHAT_SERVER_TCP_PORT=27016
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	envInt("PIPECHAT_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("PIPECHAT_SERVER_SSH_PORT", &config.Server.SSHPort)
	envString("PIPECHAT_SERVER_SSH_HOST_KEY", &config.Server.SSHHostKey)
	envInt("PIPECHAT_SERVER_HTTP_PORT", &config.Server.HTTPPort)
	envInt("PIPECHAT_SERVER_METRICS_PORT", &config.Server.MetricsPort)
	envInt("PIPECHAT_SERVER_MAX_PEERS", &config.Server.MaxPeers)
	envInt("PIPECHAT_SERVER_SEND_QUEUE", &config.Server.SendQueue)

	envString("PIPECHAT_SECURITY_SHARED_KEY", &config.Security.SharedKey)

	envString("PIPECHAT_CHAT_GLOBAL_CHANNEL", &config.Chat.GlobalChannel)
	envInt("PIPECHAT_CHAT_MAX_HISTORY", &config.Chat.MaxHistory)
	envInt("PIPECHAT_CHAT_MAX_MESSAGE_LENGTH", &config.Chat.MaxMessageLength)
	envInt("PIPECHAT_CHAT_MAX_NICKNAME_LENGTH", &config.Chat.MaxNicknameLength)
	envInt("PIPECHAT_CHAT_MAX_CHANNEL_NAME_LENGTH", &config.Chat.MaxChannelNameLength)

	envString("PIPECHAT_LOGGING_LEVEL", &config.Logging.Level)
	envString("PIPECHAT_LOGGING_FORMAT", &config.Logging.Format)

	return config
}

// envInt overwrites dst when key holds an integer; malformed values are ignored
func envInt(key string, dst *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if val := os.Getenv(key); val != "" {
		*dst = val
	}
}

// WriteDefaultConfig writes the default config to a file with all options documented
func WriteDefaultConfig(path string) error {
	path, err := ExpandPath(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# PipeChat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# PIPECHAT_SECTION_KEY (e.g., PIPECHAT_SERVER_TCP_PORT=27016)

[server]
# Port for TCP connections
tcp_port = 27015

# Port for SSH connections (anonymous session channels carrying the same frames)
# Set to 0 to disable
ssh_port = 0

# Path to SSH host key file, generated on first start
ssh_host_key = "~/.pipechat/ssh_host_key"

# Port for the public HTTP server (/ws endpoint)
# Set to 0 to disable
http_port = 8080

# Port for /metrics and /health (internal only, never expose publicly)
# Set to 0 to disable
metrics_port = 9090

# Maximum concurrent connections (0 = unlimited)
max_peers = 20

# Frames buffered per connection. A reliable frame that does not fit
# disconnects the peer; an unreliable one is dropped.
send_queue = 256

[security]
# Pre-shared key for envelope encryption. Clients must use the same key.
# Leave empty to send envelopes in the clear.
# shared_key = "change me"

[chat]
# Name of the channel every user joins on connect
global_channel = "Global"

# Messages kept per channel (0 = unbounded)
max_history = 100

# Maximum message length in bytes
max_message_length = 4096

# Maximum nickname length in characters
max_nickname_length = 20

# Maximum channel name length in characters (0 = unbounded)
max_channel_name_length = 32

[logging]
# debug, info, warn or error
level = "info"

# console or json
format = "console"
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}

	// Zero disables the SSH and HTTP listeners, so these are taken as-is
	cfg.SSHPort = c.Server.SSHPort
	cfg.HTTPPort = c.Server.HTTPPort
	cfg.MetricsPort = c.Server.MetricsPort

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if c.Server.MaxPeers >= 0 {
		cfg.MaxPeers = c.Server.MaxPeers
	}

	if c.Server.SendQueue > 0 {
		cfg.SendQueue = c.Server.SendQueue
	}

	cfg.SharedKey = c.Security.SharedKey

	if strings.TrimSpace(c.Chat.GlobalChannel) != "" {
		cfg.Chat.GlobalChannel = strings.TrimSpace(c.Chat.GlobalChannel)
	}

	if c.Chat.MaxHistory >= 0 {
		cfg.Chat.MaxHistory = c.Chat.MaxHistory
	}

	if c.Chat.MaxMessageLength >= 0 {
		cfg.Chat.MaxMessageLength = c.Chat.MaxMessageLength
	}

	if c.Chat.MaxNicknameLength >= 0 {
		cfg.Chat.MaxNicknameLength = c.Chat.MaxNicknameLength
	}

	if c.Chat.MaxChannelNameLength >= 0 {
		cfg.Chat.MaxChannelNameLength = c.Chat.MaxChannelNameLength
	}

	return cfg
}
