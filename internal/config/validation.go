package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks struct tags and the rules that span fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	switch cfg.Remote.Backend {
	case "grpc", "oci":
		if cfg.Remote.Address == "" {
			return fmt.Errorf("remote.address: required for the %s backend", cfg.Remote.Backend)
		}
	case "s3":
		if bucket, _ := cfg.Remote.Options["bucket"].(string); bucket == "" {
			return errors.New("remote.options.bucket: required for the s3 backend")
		}
	}
	if cfg.Remote.CACertPath != "" && !cfg.Remote.TLS {
		return errors.New("remote.ca_cert_path: set without remote.tls")
	}
	if cfg.Local.HighWater > 0 && cfg.Local.LowWater > cfg.Local.HighWater {
		return fmt.Errorf("local.low_water: %s exceeds local.high_water %s", cfg.Local.LowWater, cfg.Local.HighWater)
	}
	if cfg.Local.HighWater > 0 && cfg.Local.LargeBlobThreshold > cfg.Local.HighWater {
		return fmt.Errorf("local.large_blob_threshold: %s exceeds local.high_water %s",
			cfg.Local.LargeBlobThreshold, cfg.Local.HighWater)
	}
	if cfg.Local.LargeBlobThreshold >= cfg.Local.ValueLogFileSize {
		return fmt.Errorf("local.large_blob_threshold: must be below local.value_log_file_size %s",
			cfg.Local.ValueLogFileSize)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		return errors.New("metrics.address: required when metrics are enabled")
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
