package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize_TransferValues(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"default threshold", defaultLargeFileThreshold, 1 << 20},
		{"default chunk", defaultChunkSize, 1024},
		{"unlimited bandwidth", defaultBandwidthLimit, 0},
		{"empty", "", 0},
		{"bare bytes", "4096", 4096},
		{"explicit bytes", "512B", 512},
		{"lower case unit", "2mib", 2 << 20},
		{"space before unit", "1 MiB", 1 << 20},
		{"SI megabyte", "5MB", 5_000_000},
		{"fractional unit", "1.5KiB", 1536},
		{"gibibyte", "1GiB", 1 << 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSize_Rejects(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"-1", "must be non-negative"},
		{"-1MiB", "must be non-negative"},
		{"-0.5KB", "must be non-negative"},
		{"1.5", "not a whole number of bytes"},
		{"0.1B", "not a whole number of bytes"},
		{"9000000000GiB", "too large"},
		{"MiB", "invalid size"},
		{"lots", "invalid size"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ParseSize(tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_NegativeTransferSizes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TransfersConfig)
		want   string
	}{
		{"threshold", func(c *TransfersConfig) { c.LargeFileThreshold = "-1MiB" }, "transfers.large_file_threshold: invalid size"},
		{"chunk", func(c *TransfersConfig) { c.ChunkSize = "-1KiB" }, "transfers.chunk_size: invalid size"},
		{"bandwidth", func(c *TransfersConfig) { c.BandwidthLimit = "-1MB/s" }, "transfers.bandwidth_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg.Transfers)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Contains(t, err.Error(), "must be non-negative")
		})
	}
}

func TestTransfersConfig_SizesFromDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))

	sizes := cfg.Transfers.Sizes()
	assert.Equal(t, int64(1<<20), sizes.LargeFileThreshold)
	assert.Equal(t, int64(1024), sizes.ChunkSize)
}
