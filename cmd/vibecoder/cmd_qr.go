package main

import (
	"fmt"
	"os"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/vibecoder/vibecoder/internal/identity"
)

var qrCmd = &cobra.Command{
	Use:   "qr",
	Short: "Display the TOTP provisioning URL as a QR code",
	Long: `Displays the otpauth:// provisioning URL for this host as a QR code
in the terminal. Scan it with an authenticator app to pair.

Requires an existing identity (run 'vibecoder setup' first).`,
	RunE: runQR,
}

func runQR(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store := identity.NewStore(cfg.WorkspacePath, globalLogger)
	ident, err := store.Load()
	if err != nil {
		return fmt.Errorf("loading host identity: %w (run 'vibecoder setup' first)", err)
	}

	qr, err := qrcode.New(ident.TOTPURL(), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("generating QR code: %w", err)
	}

	fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
	fmt.Fprintf(os.Stderr, "Host ID: %s\n", ident.HostID)
	fmt.Fprintln(os.Stderr, "Scan this QR code with your authenticator app.")

	return nil
}
