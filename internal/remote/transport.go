package remote

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"
)

// Backends.
const (
	BackendNone = "none"
	BackendGRPC = "grpc"
	BackendOCI  = "oci"
	BackendS3   = "s3"
)

// Config selects and configures a transport.
type Config struct {
	Backend string
	// Address is the gRPC target or the OCI repository.
	Address      string
	InstanceName string
	TLS          bool
	CACertPath   string
	Headers      map[string]string
	Connections  int
	ChunkSize    int
	// Options holds backend specific settings, decoded per backend.
	Options     map[string]any
	Credentials Credentials
	Logger      *zap.Logger
}

type ociOptions struct {
	Insecure bool `mapstructure:"insecure"`
}

// NewTransport builds the transport named by cfg.Backend.
func NewTransport(cfg Config) (Transport, error) {
	switch cfg.Backend {
	case BackendGRPC:
		return NewGRPCTransport(GRPCConfig{
			Address:      cfg.Address,
			InstanceName: cfg.InstanceName,
			TLS:          cfg.TLS,
			CACertPath:   cfg.CACertPath,
			Headers:      cfg.Headers,
			Connections:  cfg.Connections,
			ChunkSize:    cfg.ChunkSize,
			Credentials:  cfg.Credentials,
			Logger:       cfg.Logger,
		})
	case BackendOCI:
		var opts ociOptions
		if err := mapstructure.Decode(cfg.Options, &opts); err != nil {
			return nil, fmt.Errorf("remote: decode oci options: %w", err)
		}
		return NewOCITransport(OCIConfig{
			Repository:  cfg.Address,
			Insecure:    opts.Insecure,
			Credentials: cfg.Credentials,
			Logger:      cfg.Logger,
		})
	case BackendS3:
		var s3cfg S3Config
		if err := mapstructure.Decode(cfg.Options, &s3cfg); err != nil {
			return nil, fmt.Errorf("remote: decode s3 options: %w", err)
		}
		s3cfg.Logger = cfg.Logger
		return NewS3Transport(s3cfg)
	default:
		return nil, fmt.Errorf("remote: unknown backend %q", cfg.Backend)
	}
}
