package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"512", 512},
		{"1KB", 1000},
		{"1KiB", 1024},
		{"8MiB", 8 * 1024 * 1024},
		{"1.5MB", 1_500_000},
		{"2GB", 2_000_000_000},
		{"1GiB", 1 << 30},
		{"1TB", 1_000_000_000_000},
		{"100B", 100},
		{" 10 KB ", 10_000},
		{"1mb", 1_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSizeErrors(t *testing.T) {
	for _, in := range []string{"fast", "-1", "-5MB", "MB", "1XB"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseSize(in)
			assert.Error(t, err)
		})
	}
}

func TestParseRate(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"0", 0},
		{"500KB/s", 500_000},
		{"1MB/s", 1_000_000},
		{"1MiB/s", 1 << 20},
		{"250KB", 250_000},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseRate("warp9/s")
	assert.Error(t, err)
}
