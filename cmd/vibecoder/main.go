// Command vibecoder runs the vibe-coder host agent: it pairs a coding
// assistant running on this machine with mobile clients over WebRTC data
// channels, using a rendezvous server for signaling and TOTP plus bearer
// tokens for authentication.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vibecoder/vibecoder/internal/config"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

// rootCmd is the top-level command.
var rootCmd = &cobra.Command{
	Use:   "vibecoder",
	Short: "Remote bridge between your coding assistant and your phone",
	Long: `vibecoder exposes a coding assistant running on this machine to a
mobile client over a WebRTC data channel. A rendezvous server handles
signaling only; commands and terminal output flow peer to peer.

Configuration comes from VIBE_CODER_* environment variables, optionally
layered over a YAML file passed with --config.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to a YAML config file (environment variables win)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(upCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(qrCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(renewCmd)
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the vibecoder version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

// loadConfig loads and validates the agent configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(globalConfigPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Invalid settings exit 2; missing settings and runtime failures
		// exit 1.
		if errors.Is(err, config.ErrInvalid) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
