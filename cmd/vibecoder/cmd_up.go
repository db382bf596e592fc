package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vibecoder/vibecoder/internal/agent"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Start the host agent",
	Long: `Start the vibecoder host agent: load (or create) the host identity in
the workspace, connect to the rendezvous server, serve the admin HTTP
API, and bridge authenticated mobile clients to the coding assistant.

Requires VIBE_CODER_WORKSPACE_PATH and VIBE_CODER_PORT.`,
	RunE: runUp,
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, globalLogger, version, agent.DefaultDeps())

	globalLogger.Info("starting vibecoder",
		"workspace", cfg.WorkspacePath, "rendezvous", cfg.SignalingEndpoint())

	if err := a.Run(ctx); err != nil {
		if ctx.Err() != nil {
			globalLogger.Info("vibecoder stopped")
			return nil
		}
		return fmt.Errorf("agent error: %w", err)
	}
	return nil
}
