package config

import (
	"strings"
	"time"
)

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Local: LocalConfig{
			Root:               DefaultRoot(),
			Shards:             16,
			HighWater:          10 << 30,
			LowWater:           8 << 30,
			LargeBlobThreshold: 1 << 20,
			CacheSize:          64 << 20,
			Compression:        "fastest",
			VerifyReads:        true,
			TouchInterval:      time.Minute,
			MemTableSize:       16 << 20,
			ValueLogFileSize:   256 << 20,
		},
		Remote: RemoteConfig{
			Backend:        "none",
			Connections:    4,
			AttemptTimeout: time.Minute,
			Concurrency:    16,
			MaxBatchSize:   1000,
			ChunkSize:      1 << 20,
		},
		Retry: RetryConfig{
			BaseDelay:   100 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    10 * time.Second,
			MaxAttempts: 5,
		},
		Tree: TreeConfig{
			MaxDepth: 256,
		},
		Metrics: MetricsConfig{
			Address: ":9464",
		},
	}
}

// ApplyDefaults fills zero fields of cfg from Default and normalizes
// enumerations to lower case.
func ApplyDefaults(cfg *Config) {
	d := Default()

	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	setDefault(&cfg.Logging.Level, d.Logging.Level)
	setDefault(&cfg.Logging.Format, d.Logging.Format)
	setDefault(&cfg.Logging.Output, d.Logging.Output)

	cfg.Local.Compression = strings.ToLower(cfg.Local.Compression)
	setDefault(&cfg.Local.Root, d.Local.Root)
	setDefault(&cfg.Local.Shards, d.Local.Shards)
	setDefault(&cfg.Local.LargeBlobThreshold, d.Local.LargeBlobThreshold)
	setDefault(&cfg.Local.Compression, d.Local.Compression)
	setDefault(&cfg.Local.TouchInterval, d.Local.TouchInterval)
	setDefault(&cfg.Local.MemTableSize, d.Local.MemTableSize)
	setDefault(&cfg.Local.ValueLogFileSize, d.Local.ValueLogFileSize)

	cfg.Remote.Backend = strings.ToLower(cfg.Remote.Backend)
	setDefault(&cfg.Remote.Backend, d.Remote.Backend)
	setDefault(&cfg.Remote.Connections, d.Remote.Connections)
	setDefault(&cfg.Remote.AttemptTimeout, d.Remote.AttemptTimeout)
	setDefault(&cfg.Remote.Concurrency, d.Remote.Concurrency)
	setDefault(&cfg.Remote.MaxBatchSize, d.Remote.MaxBatchSize)
	setDefault(&cfg.Remote.ChunkSize, d.Remote.ChunkSize)

	setDefault(&cfg.Retry.BaseDelay, d.Retry.BaseDelay)
	setDefault(&cfg.Retry.Multiplier, d.Retry.Multiplier)
	setDefault(&cfg.Retry.MaxDelay, d.Retry.MaxDelay)
	setDefault(&cfg.Retry.MaxAttempts, d.Retry.MaxAttempts)

	setDefault(&cfg.Tree.MaxDepth, d.Tree.MaxDepth)
	setDefault(&cfg.Metrics.Address, d.Metrics.Address)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}
