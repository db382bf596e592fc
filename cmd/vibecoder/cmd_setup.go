package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vibecoder/vibecoder/internal/identity"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the host identity and show pairing details",
	Long: `Create (or load) the host identity in the workspace directory and
print the host ID, TOTP secret and provisioning URL. Scan the
provisioning URL with an authenticator app, or run 'vibecoder qr'
to display it as a QR code.`,
	RunE: runSetup,
}

func runSetup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store := identity.NewStore(cfg.WorkspacePath, globalLogger)
	ident, err := store.Load()
	if err != nil {
		return fmt.Errorf("loading host identity: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Host ID:          %s\n", ident.HostID)
	fmt.Fprintf(os.Stderr, "TOTP secret:      %s\n", ident.TOTPSecret)
	fmt.Fprintf(os.Stderr, "Provisioning URL: %s\n", ident.TOTPURL())
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, "Add the secret to your authenticator app, then start the agent")
	fmt.Fprintln(os.Stderr, "with 'vibecoder up' and pair your phone using the host ID.")

	return nil
}
