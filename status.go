package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drivesync/drivesync/internal/config"
	"github.com/drivesync/drivesync/internal/drive"
	"github.com/drivesync/drivesync/internal/sync"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show account, sync state and unresolved conflicts",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(nil)
	if err != nil {
		return err
	}

	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	fmt.Printf("Sync directory: %s\n", cfg.Sync.SyncDir)
	fmt.Printf("Account:        %s\n", accountState())

	dbPath := sync.StatePath(cfg.Sync.SyncDir)

	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Println("Last sync:      never (no state database yet)")
		return nil
	}

	store, err := sync.OpenStateStore(cmd.Context(), dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	fmt.Printf("Last sync:      %s\n", formatTime(info.ModTime()))
	fmt.Printf("Tracked paths:  %d\n", store.Len())

	conflicts := store.Conflicts()
	if len(conflicts) == 0 {
		fmt.Println("Conflicts:      none")
		return nil
	}

	fmt.Printf("Conflicts:      %d\n", len(conflicts))

	for _, c := range conflicts {
		fmt.Printf("  %s  %s (%s)\n",
			formatTime(time.Unix(c.DetectedAt, 0)), c.Path, c.Reason)
	}

	fmt.Println("\nConflicted files are skipped every run until resolved. Either")
	fmt.Println("remove one of the copies, or run 'drivesync sync --force' to")
	fmt.Println("replace the local files with the remote ones.")

	return nil
}

// accountState describes the saved token without talking to the network.
func accountState() string {
	tok, err := drive.LoadToken(config.DefaultTokenPath())

	switch {
	case err != nil:
		return fmt.Sprintf("token unreadable (%v)", err)
	case tok == nil:
		return "not logged in"
	case tok.Valid():
		return "logged in"
	default:
		// An expired access token refreshes on the next run; only a
		// missing refresh token forces a new login.
		if tok.RefreshToken == "" {
			return "token expired, run 'drivesync login'"
		}

		return "logged in (token will refresh on next sync)"
	}
}
