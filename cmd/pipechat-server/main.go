package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/pipechat/pkg/logging"
	"github.com/aeolun/pipechat/pkg/server"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

var (
	configFile  string
	tcpPort     int
	sshPort     int
	httpPort    int
	metricsPort int
	logLevel    string
	logFormat   string
)

var rootCmd = &cobra.Command{
	Use:           "pipechat-server",
	Short:         "Run the PipeChat server",
	Long:          "Host PipeChat over TCP, SSH and WebSocket. Settings come from a TOML file, PIPECHAT_* environment variables and flags, in increasing order of precedence.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the server configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a documented default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(mustExpand(configFile)); err == nil {
			return fmt.Errorf("%s already exists", configFile)
		}
		if err := server.WriteDefaultConfig(configFile); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", configFile)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the server version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "~/.pipechat/server.toml", "Path to config file")

	rootCmd.Flags().IntVar(&tcpPort, "tcp-port", 0, "TCP port (overrides config)")
	rootCmd.Flags().IntVar(&sshPort, "ssh-port", 0, "SSH port, 0 disables (overrides config)")
	rootCmd.Flags().IntVar(&httpPort, "http-port", 0, "Public HTTP port for /ws, 0 disables (overrides config)")
	rootCmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "Port for /metrics and /health, 0 disables (overrides config)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "", "console or json (overrides config)")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func mustExpand(path string) string {
	expanded, err := server.ExpandPath(path)
	if err != nil {
		return path
	}
	return expanded
}

func runServe(cmd *cobra.Command, args []string) error {
	tomlConfig, err := server.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Flags win over the file and the environment, but only when given
	flags := cmd.Flags()
	if flags.Changed("tcp-port") {
		tomlConfig.Server.TCPPort = tcpPort
	}
	if flags.Changed("ssh-port") {
		tomlConfig.Server.SSHPort = sshPort
	}
	if flags.Changed("http-port") {
		tomlConfig.Server.HTTPPort = httpPort
	}
	if flags.Changed("metrics-port") {
		tomlConfig.Server.MetricsPort = metricsPort
	}
	if flags.Changed("log-level") {
		tomlConfig.Logging.Level = logLevel
	}
	if flags.Changed("log-format") {
		tomlConfig.Logging.Format = logFormat
	}

	logger := logging.New(tomlConfig.Logging.Level, tomlConfig.Logging.Format)
	logger.Info().
		Str("version", Version).
		Str("config", mustExpand(configFile)).
		Msg("starting PipeChat server")

	srv, err := server.NewServer(tomlConfig.ToServerConfig(), server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	return srv.Stop()
}
