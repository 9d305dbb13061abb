package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation range constants.
const (
	minParallelTransfers = 1
	maxParallelTransfers = 32
	minSimpleUploadMax   = 256 * 1024
	maxSimpleUploadMax   = 64 * 1024 * 1024
	minConnectTimeout    = 1 * time.Second
	minDataTimeout       = 5 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateTransfers(&cfg.Transfers)...)
	errs = append(errs, validateSafety(&cfg.Safety)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)

	return errors.Join(errs...)
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if s.IgnoreFile == "" {
		errs = append(errs, errors.New("ignore_file: must not be empty"))
	}

	return errs
}

func validateTransfers(t *TransfersConfig) []error {
	var errs []error

	if t.ParallelTransfers < minParallelTransfers || t.ParallelTransfers > maxParallelTransfers {
		errs = append(errs, fmt.Errorf("parallel_transfers: must be between %d and %d, got %d",
			minParallelTransfers, maxParallelTransfers, t.ParallelTransfers))
	}

	errs = append(errs, validateRateField("bandwidth_limit", t.BandwidthLimit)...)
	errs = append(errs, validateRateField("upload_limit", t.UploadLimit)...)
	errs = append(errs, validateRateField("download_limit", t.DownloadLimit)...)
	errs = append(errs, validateSimpleUploadMax(t.SimpleUploadMax)...)

	return errs
}

func validateRateField(field, value string) []error {
	if value == "" || value == "0" {
		return nil
	}

	if _, err := ParseRate(value); err != nil {
		return []error{fmt.Errorf("%s: %w", field, err)}
	}

	return nil
}

func validateSimpleUploadMax(s string) []error {
	bytes, err := ParseSize(s)
	if err != nil {
		return []error{fmt.Errorf("simple_upload_max: %w", err)}
	}

	if bytes < minSimpleUploadMax || bytes > maxSimpleUploadMax {
		return []error{fmt.Errorf("simple_upload_max: must be between 256KiB and 64MiB, got %s", s)}
	}

	return nil
}

func validateSafety(s *SafetyConfig) []error {
	var errs []error

	if s.TrashRetentionDays < 0 {
		errs = append(errs, fmt.Errorf("trash_retention_days: must be >= 0, got %d",
			s.TrashRetentionDays))
	}

	if s.BigDeleteThreshold < 0 {
		errs = append(errs, fmt.Errorf("big_delete_threshold: must be >= 0, got %d",
			s.BigDeleteThreshold))
	}

	if s.BigDeletePercent < 0 || s.BigDeletePercent > 100 {
		errs = append(errs, fmt.Errorf("big_delete_percent: must be between 0 and 100, got %d",
			s.BigDeletePercent))
	}

	if _, err := ParseSize(s.MinFreeSpace); err != nil {
		errs = append(errs, fmt.Errorf("min_free_space: %w", err))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogging(l *LoggingConfig) []error {
	if !validLogLevels[l.LogLevel] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", l.LogLevel)}
	}

	return nil
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}
