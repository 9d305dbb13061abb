package config

// Default values for configuration options. These represent the "layer 0"
// of the override chain and are chosen so that a fresh install syncs safely
// without any config file at all.
const (
	defaultIgnoreFile         = ".griveignore"
	defaultParallelTransfers  = 4
	defaultBandwidthLimit     = "0"
	defaultSimpleUploadMax    = "8MiB"
	defaultTrashRetentionDays = 30
	defaultBigDeleteThreshold = 500
	defaultBigDeletePercent   = 50
	defaultMinFreeSpace       = "1GiB"
	defaultLogLevel           = "info"
	defaultConnectTimeout     = "10s"
	defaultDataTimeout        = "60s"
)

// Version is the release version baked into the user agent and the version
// subcommand. Overridden at build time via -ldflags.
var Version = "0.6.0-dev"

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Sync:      defaultSyncConfig(),
		Transfers: defaultTransfersConfig(),
		Safety:    defaultSafetyConfig(),
		Filter:    defaultFilterConfig(),
		Logging:   defaultLoggingConfig(),
		Network:   defaultNetworkConfig(),
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		IgnoreFile: defaultIgnoreFile,
	}
}

func defaultTransfersConfig() TransfersConfig {
	return TransfersConfig{
		ParallelTransfers: defaultParallelTransfers,
		BandwidthLimit:    defaultBandwidthLimit,
		SimpleUploadMax:   defaultSimpleUploadMax,
	}
}

func defaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		AlwaysRehash:       false,
		TrashRetentionDays: defaultTrashRetentionDays,
		BigDeleteThreshold: defaultBigDeleteThreshold,
		BigDeletePercent:   defaultBigDeletePercent,
		MinFreeSpace:       defaultMinFreeSpace,
	}
}

func defaultFilterConfig() FilterConfig {
	return FilterConfig{
		SkipFiles: []string{"*.swp", "*.tmp", "~*"},
		SkipDirs:  []string{".Trash-*"},
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel: defaultLogLevel,
	}
}

func defaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		ConnectTimeout: defaultConnectTimeout,
		DataTimeout:    defaultDataTimeout,
		UserAgent:      "drivesync/" + Version,
	}
}
