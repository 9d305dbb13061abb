// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for drivesync. It supports a three-layer
// override chain (defaults -> config file -> CLI flags); flags win so that
// one-off invocations never require editing the config file.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Sync      SyncConfig      `toml:"sync"`
	Transfers TransfersConfig `toml:"transfers"`
	Safety    SafetyConfig    `toml:"safety"`
	Filter    FilterConfig    `toml:"filter"`
	Logging   LoggingConfig   `toml:"logging"`
	Network   NetworkConfig   `toml:"network"`
}

// SyncConfig controls where and what to sync. IgnoreFile names the per-tree
// ignore file, relative to the sync root; the file itself syncs like any
// other file.
type SyncConfig struct {
	SyncDir    string `toml:"sync_dir"`
	IgnoreFile string `toml:"ignore_file"`
}

// TransfersConfig controls parallel transfer workers and bandwidth limits.
// Limits are human-readable rates ("1MB/s", "500KB/s"); empty or "0" means
// unlimited. upload_limit and download_limit cap each direction separately;
// bandwidth_limit is a fallback applied to a direction that has no cap of
// its own. simple_upload_max is the size above which uploads switch from a
// single multipart request to the resumable protocol.
type TransfersConfig struct {
	ParallelTransfers int    `toml:"parallel_transfers"`
	BandwidthLimit    string `toml:"bandwidth_limit"`
	UploadLimit       string `toml:"upload_limit"`
	DownloadLimit     string `toml:"download_limit"`
	SimpleUploadMax   string `toml:"simple_upload_max"`
}

// UploadRate returns the effective upload cap in bytes per second, applying
// the per-direction limit over the aggregate fallback. Zero means unlimited.
func (t *TransfersConfig) UploadRate() (int64, error) {
	return directionRate(t.UploadLimit, t.BandwidthLimit)
}

// DownloadRate returns the effective download cap in bytes per second.
// Zero means unlimited.
func (t *TransfersConfig) DownloadRate() (int64, error) {
	return directionRate(t.DownloadLimit, t.BandwidthLimit)
}

func directionRate(direction, aggregate string) (int64, error) {
	if direction != "" && direction != "0" {
		return ParseRate(direction)
	}

	return ParseRate(aggregate)
}

// SafetyConfig controls protective behavior around content comparison and
// deletion. always_rehash disables the size+mtime checksum cache and hashes
// every local file on every run: slow on large trees, but immune to
// same-second mtime edits. trash_retention_days bounds how long trashed
// local files are kept before runs start pruning old trash snapshots;
// zero keeps them forever.
//
// The big-delete thresholds abort a run that plans more deletions than
// expected, which is what a sync against an accidentally emptied or
// unmounted directory looks like. big_delete_threshold is an absolute
// count, big_delete_percent a share of the paths tracked by the previous
// run; exceeding either blocks the run unless --force is given. Zero
// disables a threshold. min_free_space aborts before downloads that
// would leave the disk with less than this much room ("0" disables).
type SafetyConfig struct {
	AlwaysRehash       bool   `toml:"always_rehash"`
	TrashRetentionDays int    `toml:"trash_retention_days"`
	BigDeleteThreshold int    `toml:"big_delete_threshold"`
	BigDeletePercent   int    `toml:"big_delete_percent"`
	MinFreeSpace       string `toml:"min_free_space"`
}

// FilterConfig holds base-name patterns skipped before the ignore file is
// consulted. These are for junk the user never wants considered at all
// (editor swap files, OS metadata); per-tree rules belong in the ignore file.
type FilterConfig struct {
	SkipFiles []string `toml:"skip_files"`
	SkipDirs  []string `toml:"skip_dirs"`
}

// LoggingConfig controls log output behavior: level and optional destination
// file. An empty log_file logs to stderr.
type LoggingConfig struct {
	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
}

// NetworkConfig controls HTTP client behavior: timeouts and user agent.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags that override config file
// settings. Pointer fields distinguish "not specified" (nil) from
// "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	SyncDir    *string // --path flag
}
