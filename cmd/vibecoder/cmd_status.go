package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the running agent",
	Long: `Queries the local admin API of a running agent and prints session,
peer channel and assistant process counts.`,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/health", cfg.Port))
	if err != nil {
		return fmt.Errorf("agent not reachable on port %d: %w (is 'vibecoder up' running?)", cfg.Port, err)
	}
	defer resp.Body.Close()

	// 503 means the agent is up but its rendezvous link is stale; the body
	// still carries the counts.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("admin API returned %s", resp.Status)
	}

	var health struct {
		Status             string `json:"status"`
		Version            string `json:"version"`
		UptimeSeconds      int64  `json:"uptimeSeconds"`
		Sessions           int    `json:"sessions"`
		PeerChannels       int    `json:"peerChannels"`
		AssistantProcesses int    `json:"assistantProcesses"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decoding health response: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Status:              %s\n", health.Status)
	fmt.Fprintf(os.Stderr, "Version:             %s\n", health.Version)
	fmt.Fprintf(os.Stderr, "Uptime:              %s\n", (time.Duration(health.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(os.Stderr, "Sessions:            %d\n", health.Sessions)
	fmt.Fprintf(os.Stderr, "Peer channels:       %d\n", health.PeerChannels)
	fmt.Fprintf(os.Stderr, "Assistant processes: %d\n", health.AssistantProcesses)

	return nil
}
