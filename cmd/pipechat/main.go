package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aeolun/pipechat/pkg/client"
	"github.com/aeolun/pipechat/pkg/client/ui"
	"github.com/aeolun/pipechat/pkg/logging"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var Version = "dev"

var (
	serverAddr string
	sharedKey  string
	nickname   string
	notify     bool
	knownHosts string
	logFile    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "pipechat",
	Short: "Terminal client for PipeChat",
	Long: `Connect to a PipeChat server and chat from the terminal.

The server address may be host[:port], tcp://host[:port], ws://host[:port]/ws,
wss://host[:port]/ws or ssh://host[:port].`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       Version,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVarP(&serverAddr, "server", "s", "localhost", "Server address")
	rootCmd.Flags().StringVarP(&sharedKey, "key", "k", os.Getenv("PIPECHAT_SHARED_KEY"), "Pre-shared key for envelope encryption")
	rootCmd.Flags().StringVarP(&nickname, "nick", "n", "", "Nickname to request after connecting")
	rootCmd.Flags().BoolVar(&notify, "notify", false, "Desktop notifications for messages from other users")
	rootCmd.Flags().StringVar(&knownHosts, "known-hosts", "~/.pipechat/known_hosts", "SSH known hosts file, empty skips host key checks")
	rootCmd.Flags().StringVar(&logFile, "log-file", "~/.pipechat/client.log", "Debug log file, empty disables logging")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// openLogger logs to a file so output does not tear the terminal UI
func openLogger(path string) (zerolog.Logger, func(), error) {
	if path == "" {
		return zerolog.Nop(), func() {}, nil
	}
	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return logging.NewWithWriter(f, logLevel, "json"), func() { f.Close() }, nil
}

func run(cmd *cobra.Command, args []string) error {
	logger, closeLog, err := openLogger(logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	hostsFile := ""
	if knownHosts != "" {
		hostsFile = expandHome(knownHosts)
		if err := os.MkdirAll(filepath.Dir(hostsFile), 0755); err != nil {
			return fmt.Errorf("failed to create known hosts directory: %w", err)
		}
	}

	conn, err := client.Dial(context.Background(), serverAddr,
		client.WithSharedKey(sharedKey),
		client.WithLogger(logger),
		client.WithKnownHosts(hostsFile),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	state := client.NewState()
	state.Track(conn)
	conn.Start()
	logger.Info().Str("server", conn.Address()).Str("version", Version).Msg("connected")

	if nickname != "" {
		if err := conn.RequestNickname(nickname); err != nil {
			return err
		}
	}

	model := ui.NewModel(conn, state, ui.Options{Notify: notify, Logger: logger})
	p := tea.NewProgram(model, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("UI error: %w", err)
	}
	return nil
}
