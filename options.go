package buildcas

import (
	"time"

	"go.uber.org/zap"

	"github.com/aweris/buildcas/internal/local"
	"github.com/aweris/buildcas/internal/metrics"
	"github.com/aweris/buildcas/internal/remote"
)

const (
	DefaultMaxTreeDepth = 256
	DefaultConcurrency  = 32
)

// Options configures a Store.
type Options struct {
	Local local.Options
	// HighWater starts eviction; zero disables it. LowWater is the size a
	// collection stops at.
	HighWater int64
	LowWater  int64
	// Remote is optional. The Store closes it.
	Remote *remote.Client
	// MaxTreeDepth bounds directory nesting in LoadTree, Capture and
	// Materialize.
	MaxTreeDepth int
	// Concurrency bounds the goroutines a single tree operation fans out to.
	Concurrency int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Option is a functional option for configuring Open.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Local:        local.DefaultOptions(),
		MaxTreeDepth: DefaultMaxTreeDepth,
		Concurrency:  DefaultConcurrency,
		Now:          time.Now,
	}
}

// WithLocalOptions replaces the local store options.
func WithLocalOptions(o local.Options) Option {
	return func(opts *Options) { opts.Local = o }
}

// WithWaterMarks sets the eviction thresholds in bytes.
func WithWaterMarks(high, low int64) Option {
	return func(o *Options) { o.HighWater, o.LowWater = high, low }
}

// WithRemote sets the remote CAS client.
func WithRemote(c *remote.Client) Option {
	return func(o *Options) { o.Remote = c }
}

// WithMaxTreeDepth sets the maximum directory nesting.
func WithMaxTreeDepth(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxTreeDepth = n
		}
	}
}

// WithConcurrency sets the fan-out of tree operations.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics the store and its components report to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithClock overrides the clock used for leases and access times.
func WithClock(now func() time.Time) Option {
	return func(o *Options) {
		if now != nil {
			o.Now = now
		}
	}
}
