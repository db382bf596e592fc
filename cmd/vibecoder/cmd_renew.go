package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vibecoder/vibecoder/internal/identity"
)

var renewForce bool

var renewCmd = &cobra.Command{
	Use:   "renew-host-id",
	Short: "Rotate the host ID and invalidate every session",
	Long: `Generates a new host ID. Every existing session and bearer token is
invalidated; paired clients must re-run setup with the new host ID.

If an agent is running, the rotation goes through its admin API so live
sessions are torn down immediately. Otherwise the identity file in the
workspace is rotated directly.`,
	RunE: runRenew,
}

func init() {
	renewCmd.Flags().BoolVarP(&renewForce, "force", "f", false, "skip the confirmation prompt")
}

func runRenew(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !renewForce {
		fmt.Fprint(os.Stderr, "This disconnects every paired client. Continue? [y/N] ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if answer := strings.ToLower(strings.TrimSpace(line)); answer != "y" && answer != "yes" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	// Prefer the running agent so live sessions are invalidated too.
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(fmt.Sprintf("http://127.0.0.1:%d/api/auth/renew-host-id", cfg.Port), "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("admin API returned %s", resp.Status)
		}
		var body struct {
			HostID              string `json:"hostId"`
			InvalidatedSessions int    `json:"invalidatedSessions"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return fmt.Errorf("decoding renew response: %w", err)
		}
		fmt.Fprintf(os.Stderr, "New host ID: %s (%d sessions invalidated)\n",
			body.HostID, body.InvalidatedSessions)
		return nil
	}

	// No running agent; rotate the identity file directly.
	store := identity.NewStore(cfg.WorkspacePath, globalLogger)
	if _, err := store.Load(); err != nil {
		return fmt.Errorf("loading host identity: %w", err)
	}
	ident, err := store.RenewHostID()
	if err != nil {
		return fmt.Errorf("renewing host id: %w", err)
	}
	fmt.Fprintf(os.Stderr, "New host ID: %s\n", ident.HostID)
	return nil
}
