package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/drivesync/drivesync/internal/config"
	"github.com/drivesync/drivesync/internal/drive"
	"github.com/drivesync/drivesync/internal/sync"
)

var (
	flagSyncDir       string
	flagScopeDir      string
	flagForce         bool
	flagUploadOnly    bool
	flagNoRemoteNew   bool
	flagNewRev        bool
	flagDryRun        bool
	flagUploadSpeed   int64
	flagDownloadSpeed int64
	flagProgress      bool
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one synchronization pass and exit",
		Long: `Scans the sync directory and the Drive account, works out what
changed on each side since the last run, and applies it. Conflicting
files (edited on both sides) are reported and left alone; pass --force
to take the remote copy instead.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	f := cmd.Flags()
	f.StringVarP(&flagSyncDir, "sync-dir", "p", "",
		"local directory to sync (overrides the config file)")
	f.StringVarP(&flagScopeDir, "dir", "s", "",
		"only sync this subdirectory of the sync dir")
	f.BoolVarP(&flagForce, "force", "f", false,
		"resolve conflicts by downloading the remote copy")
	f.BoolVarP(&flagUploadOnly, "upload-only", "u", false,
		"only push local changes, never touch local files")
	f.BoolVarP(&flagNoRemoteNew, "no-remote-new", "n", false,
		"skip downloading files that exist only on the remote")
	f.BoolVar(&flagNewRev, "new-rev", false,
		"create a new file revision on Drive for every updated file")
	f.BoolVar(&flagDryRun, "dry-run", false,
		"print the plan without changing anything")
	f.Int64VarP(&flagUploadSpeed, "upload-speed", "U", 0,
		"limit upload speed in KB/s (0 = unlimited)")
	f.Int64VarP(&flagDownloadSpeed, "download-speed", "D", 0,
		"limit download speed in KB/s (0 = unlimited)")
	f.BoolVarP(&flagProgress, "progress", "P", false,
		"show per-file transfer progress")

	cmd.MarkFlagsMutuallyExclusive("upload-only", "force")

	return cmd
}

func runSync(cmd *cobra.Command, _ []string) error {
	var syncDir *string
	if cmd.Flags().Changed("sync-dir") {
		syncDir = &flagSyncDir
	}

	cfg, err := loadConfig(syncDir)
	if err != nil {
		return err
	}

	logger, closeLog, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ts, err := drive.TokenSourceFromPath(cmd.Context(), config.DefaultTokenPath(), logger)
	if errors.Is(err, drive.ErrNotLoggedIn) {
		return errors.New("not logged in, run 'drivesync login' first")
	}

	if err != nil {
		return err
	}

	client := drive.NewClient(newHTTPClient(cfg), ts, cfg.Network.UserAgent, logger)

	engine, err := sync.NewEngine(&sync.EngineConfig{
		SyncRoot: cfg.Sync.SyncDir,
		Client:   client,
		Config:   cfg,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	opts := sync.Options{
		Scope:        flagScopeDir,
		Force:        flagForce,
		UploadOnly:   flagUploadOnly,
		NoRemoteNew:  flagNoRemoteNew,
		NewRevision:  flagNewRev,
		DryRun:       flagDryRun,
		UploadRate:   flagUploadSpeed * 1000,
		DownloadRate: flagDownloadSpeed * 1000,
		Progress:     flagProgress,
	}

	report, err := engine.Run(shutdownContext(cmd.Context(), logger), opts)
	if report != nil {
		// Print even after an aborted run: the counts show what was
		// already applied and saved.
		printReport(report)
	}

	if err != nil {
		return err
	}

	if n := len(report.Errors); n > 0 {
		return fmt.Errorf("%d of %d actions failed", n, report.Plan.TotalActions())
	}

	return nil
}
