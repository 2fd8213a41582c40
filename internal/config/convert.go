package config

import (
	"go.uber.org/zap"

	"github.com/aweris/buildcas/internal/compression"
	"github.com/aweris/buildcas/internal/local"
	"github.com/aweris/buildcas/internal/logging"
	"github.com/aweris/buildcas/internal/remote"
	"github.com/aweris/buildcas/internal/retry"
)

// LoggerConfig converts the logging section.
func (c LoggingConfig) LoggerConfig() logging.Config {
	return logging.Config{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		MaxSizeMB:  c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
	}
}

// StoreOptions converts the local section. Logger and metrics are left for
// the caller to set.
func (c LocalConfig) StoreOptions() (local.Options, error) {
	level, err := compression.ParseLevel(c.Compression)
	if err != nil {
		return local.Options{}, err
	}
	opts := local.DefaultOptions()
	opts.Shards = c.Shards
	opts.LargeBlobThreshold = int64(c.LargeBlobThreshold)
	opts.Compression = level
	opts.CacheSize = int64(c.CacheSize)
	opts.SkipReadVerification = !c.VerifyReads
	opts.TouchInterval = c.TouchInterval
	opts.MemTableSize = int64(c.MemTableSize)
	opts.ValueLogFileSize = int64(c.ValueLogFileSize)
	opts.SyncWrites = c.SyncWrites
	return opts, nil
}

// Policy converts the retry section.
func (c RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		BaseDelay:   c.BaseDelay,
		Multiplier:  c.Multiplier,
		MaxDelay:    c.MaxDelay,
		MaxAttempts: c.MaxAttempts,
	}
}

// TransportConfig converts the remote section. Credentials come from
// TokenEnv and TokenPath when either is set.
func (c RemoteConfig) TransportConfig(log *zap.Logger) remote.Config {
	var creds remote.Credentials = remote.Anonymous{}
	if c.TokenEnv != "" || c.TokenPath != "" {
		creds = remote.NewEnvCredentials(c.TokenEnv, c.TokenPath)
	}
	return remote.Config{
		Backend:      c.Backend,
		Address:      c.Address,
		InstanceName: c.InstanceName,
		TLS:          c.TLS,
		CACertPath:   c.CACertPath,
		Headers:      c.Headers,
		Connections:  c.Connections,
		ChunkSize:    int(c.ChunkSize),
		Options:      c.Options,
		Credentials:  creds,
		Logger:       log,
	}
}

// ClientOptions converts the remote and retry sections into client options.
func (c *Config) ClientOptions(log *zap.Logger) remote.Options {
	return remote.Options{
		Retry:          c.Retry.Policy(),
		AttemptTimeout: c.Remote.AttemptTimeout,
		Concurrency:    c.Remote.Concurrency,
		MaxBatchSize:   c.Remote.MaxBatchSize,
		Logger:         log,
	}
}
