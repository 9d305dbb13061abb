package main

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/drivesync/drivesync/internal/config"
	"github.com/drivesync/drivesync/internal/drive"
)

var flagPrintURL bool

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize access to a Google Drive account",
		Long: `Opens the Google consent page in a browser and waits for the
redirect back. The resulting token is saved and refreshed automatically
by later runs; login is needed once per machine.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	cmd.Flags().BoolVar(&flagPrintURL, "print-url", false,
		"print the consent URL instead of opening a browser (for headless machines)")

	return cmd
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	opts := drive.LoginOptions{PrintURL: flagPrintURL}
	if !flagPrintURL {
		opts.OpenURL = openBrowser
	}

	ts, err := drive.Login(cmd.Context(), config.DefaultTokenPath(), opts, logger)
	if err != nil {
		return err
	}

	client := drive.NewClient(newHTTPClient(cfg), ts, cfg.Network.UserAgent, logger)

	about, err := client.About(cmd.Context())
	if err != nil {
		return fmt.Errorf("token saved, but the account lookup failed: %w", err)
	}

	fmt.Printf("Logged in as %s.\n", about.UserEmail)
	fmt.Printf("Quota: %s of %s used.\n",
		formatBytes(about.QuotaBytesUsed), formatBytes(about.QuotaBytesTotal))

	return nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved Drive token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(nil)
			if err != nil {
				return err
			}

			logger, closeLog, err := buildLogger(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			if err := drive.Logout(config.DefaultTokenPath(), logger); err != nil {
				return err
			}

			fmt.Println("Logged out. Local files and sync state were kept.")

			return nil
		},
	}
}

// openBrowser launches the system browser on the consent page. Errors
// surface to the caller, which falls back to printing the URL.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
