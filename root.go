package main

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drivesync/drivesync/internal/config"
)

// Persistent flag values, shared by every subcommand.
var (
	flagConfig  string
	flagVerbose bool
	flagQuiet   bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drivesync",
		Short: "One-shot Google Drive synchronization",
		Long: `drivesync mirrors a local directory against Google Drive.

Each run scans both sides, compares them with the state recorded by the
previous run, and applies the transfers, moves and deletions needed to
converge. Then it exits; run it again (or from cron) to pick up changes.`,
		Version:       config.Version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		"config file (default "+config.DefaultConfigPath()+")")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false,
		"log at debug level")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false,
		"log errors only and suppress summary output")

	cmd.AddCommand(
		newLoginCmd(),
		newLogoutCmd(),
		newSyncCmd(),
		newStatusCmd(),
	)

	return cmd
}

// loadConfig resolves the effective configuration from defaults, the
// config file and command-line overrides. syncDir is non-nil only when
// the --sync-dir flag was given.
func loadConfig(syncDir *string) (*config.Config, error) {
	return config.Resolve(config.CLIOverrides{
		ConfigPath: flagConfig,
		SyncDir:    syncDir,
	})
}

// buildLogger constructs the process-wide logger. The config file sets
// the base level; --verbose and --quiet override it. With logging.log_file
// set, lines are written there as well as to stderr. The returned func
// closes the log file and must be called before exit.
func buildLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.LogLevel)); err != nil {
		level = slog.LevelInfo
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr

	closer := func() {}

	if cfg.Logging.LogFile != "" {
		f, err := os.OpenFile(cfg.Logging.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}

		out = io.MultiWriter(os.Stderr, f)
		closer = func() { _ = f.Close() }
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))

	return logger, closer, nil
}

// newHTTPClient builds the client used for all Drive traffic. There is no
// overall request timeout: large transfers legitimately run for hours.
// Connection setup and first-byte latency are bounded instead.
func newHTTPClient(cfg *config.Config) *http.Client {
	// Both durations were validated during config resolution.
	connect, _ := time.ParseDuration(cfg.Network.ConnectTimeout)
	data, _ := time.ParseDuration(cfg.Network.DataTimeout)

	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   connect,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   connect,
			ResponseHeaderTimeout: data,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConnsPerHost:   8,
		},
	}
}

// exitOnError is the single place CLI errors are reported. Cobra's own
// error printing is silenced in newRootCmd.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
