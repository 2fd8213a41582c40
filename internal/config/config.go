// Package config loads buildcas settings from a file, BUILDCAS_* environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the complete buildcas configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Local   LocalConfig   `mapstructure:"local"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Tree    TreeConfig    `mapstructure:"tree"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"required,oneof=console json"`
	Output     string `mapstructure:"output" validate:"required"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
}

// LocalConfig configures the on-disk store.
type LocalConfig struct {
	Root   string `mapstructure:"root" validate:"required"`
	Shards int    `mapstructure:"shards" validate:"min=1,max=256"`
	// HighWater triggers eviction; zero disables it. LowWater is the size
	// eviction aims for.
	HighWater          ByteSize      `mapstructure:"high_water" validate:"gte=0"`
	LowWater           ByteSize      `mapstructure:"low_water" validate:"gte=0"`
	LargeBlobThreshold ByteSize      `mapstructure:"large_blob_threshold" validate:"gt=0"`
	CacheSize          ByteSize      `mapstructure:"cache_size" validate:"gte=0"`
	Compression        string        `mapstructure:"compression" validate:"oneof=none fastest default better"`
	VerifyReads        bool          `mapstructure:"verify_reads"`
	TouchInterval      time.Duration `mapstructure:"touch_interval" validate:"gte=0"`
	MemTableSize       ByteSize      `mapstructure:"mem_table_size" validate:"gte=1048576"`
	ValueLogFileSize   ByteSize      `mapstructure:"value_log_file_size" validate:"gte=1048576"`
	SyncWrites         bool          `mapstructure:"sync_writes"`
}

// RemoteConfig selects and configures the remote CAS.
type RemoteConfig struct {
	Backend      string            `mapstructure:"backend" validate:"oneof=none grpc oci s3"`
	Address      string            `mapstructure:"address"`
	InstanceName string            `mapstructure:"instance_name"`
	TLS          bool              `mapstructure:"tls"`
	CACertPath   string            `mapstructure:"ca_cert_path"`
	TokenEnv     string            `mapstructure:"token_env"`
	TokenPath    string            `mapstructure:"token_path"`
	Headers      map[string]string `mapstructure:"headers"`
	Connections  int               `mapstructure:"connections" validate:"min=1"`
	// Options holds backend specific settings.
	Options        map[string]any `mapstructure:"options"`
	AttemptTimeout time.Duration  `mapstructure:"attempt_timeout" validate:"gt=0"`
	Concurrency    int            `mapstructure:"concurrency" validate:"min=1"`
	MaxBatchSize   int            `mapstructure:"max_batch_size" validate:"min=1"`
	ChunkSize      ByteSize       `mapstructure:"chunk_size" validate:"gt=0"`
}

// Enabled reports whether a remote is configured.
func (r RemoteConfig) Enabled() bool { return r.Backend != "" && r.Backend != "none" }

// RetryConfig is the remote retry policy.
type RetryConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gt=0"`
	Multiplier  float64       `mapstructure:"multiplier" validate:"gte=1"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1"`
}

// TreeConfig limits tree traversal.
type TreeConfig struct {
	MaxDepth int `mapstructure:"max_depth" validate:"min=1"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// ByteSize is a size in bytes that decodes from "10GiB" style strings.
type ByteSize int64

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// NewViper returns a viper instance with defaults and environment bindings.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("BUILDCAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	for key, value := range map[string]any{
		"logging.level":              d.Logging.Level,
		"logging.format":             d.Logging.Format,
		"logging.output":             d.Logging.Output,
		"local.root":                 d.Local.Root,
		"local.shards":               d.Local.Shards,
		"local.high_water":           d.Local.HighWater.String(),
		"local.low_water":            d.Local.LowWater.String(),
		"local.large_blob_threshold": d.Local.LargeBlobThreshold.String(),
		"local.cache_size":           d.Local.CacheSize.String(),
		"local.compression":          d.Local.Compression,
		"local.verify_reads":         d.Local.VerifyReads,
		"local.touch_interval":       d.Local.TouchInterval,
		"local.mem_table_size":       d.Local.MemTableSize.String(),
		"local.value_log_file_size":  d.Local.ValueLogFileSize.String(),
		"local.sync_writes":          d.Local.SyncWrites,
		"remote.backend":             d.Remote.Backend,
		"remote.address":             "",
		"remote.instance_name":       "",
		"remote.tls":                 false,
		"remote.ca_cert_path":        "",
		"remote.token_env":           "",
		"remote.token_path":          "",
		"remote.connections":         d.Remote.Connections,
		"remote.attempt_timeout":     d.Remote.AttemptTimeout,
		"remote.concurrency":         d.Remote.Concurrency,
		"remote.max_batch_size":      d.Remote.MaxBatchSize,
		"remote.chunk_size":          d.Remote.ChunkSize.String(),
		"retry.base_delay":           d.Retry.BaseDelay,
		"retry.multiplier":           d.Retry.Multiplier,
		"retry.max_delay":            d.Retry.MaxDelay,
		"retry.max_attempts":         d.Retry.MaxAttempts,
		"tree.max_depth":             d.Tree.MaxDepth,
		"metrics.enabled":            d.Metrics.Enabled,
		"metrics.address":            d.Metrics.Address,
	} {
		v.SetDefault(key, value)
	}
	return v
}

// Load reads the configuration at path, or the default location when path
// is empty.
func Load(path string) (*Config, error) {
	return LoadViper(NewViper(), path)
}

// LoadViper reads configuration through v, which may carry bound flags.
func LoadViper(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(ConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := decode(v.AllSettings(), &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func decode(input map[string]any, out *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			byteSizeHook,
			mapstructure.StringToTimeDurationHookFunc(),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

var byteSizeType = reflect.TypeOf(ByteSize(0))

func byteSizeHook(from, to reflect.Type, data any) (any, error) {
	if to != byteSizeType || from.Kind() != reflect.String {
		return data, nil
	}
	n, err := humanize.ParseBytes(data.(string))
	if err != nil {
		return nil, fmt.Errorf("invalid size %q: %w", data, err)
	}
	return ByteSize(n), nil
}

// ConfigDir is the directory searched for config.yaml.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "buildcas")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", "buildcas")
	}
	return ".buildcas"
}

// DefaultRoot is the default local store directory.
func DefaultRoot() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "buildcas")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "buildcas")
	}
	return ".buildcas"
}
