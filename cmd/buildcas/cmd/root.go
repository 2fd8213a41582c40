package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/aweris/buildcas"
	"github.com/aweris/buildcas/internal/config"
	"github.com/aweris/buildcas/internal/digest"
	"github.com/aweris/buildcas/internal/logging"
	"github.com/aweris/buildcas/internal/metrics"
)

var (
	v = config.NewViper()

	rootCmd = &cobra.Command{
		Use:           "buildcas",
		Short:         "Content-addressed store for build artifacts",
		Long:          "CLI for storing, fetching and materializing blobs and trees in a local store backed by a remote CAS.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/buildcas/config.yaml)")
	rootCmd.PersistentFlags().String("root", "", "local store directory (default: ~/.cache/buildcas)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	_ = v.BindPFlag("local.root", rootCmd.PersistentFlags().Lookup("root"))
	_ = v.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// session is an open store plus whatever must be torn down with it.
type session struct {
	store   *buildcas.Store
	log     *zap.Logger
	metrics *http.Server
}

func openStore(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd, v)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Logging.LoggerConfig())
	if err != nil {
		return nil, err
	}

	sess := &session{log: log}
	var opts []buildcas.Option
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, buildcas.WithMetrics(metrics.New(reg)))
		sess.metrics = serveMetrics(cfg.Metrics.Address, reg, log)
	}

	sess.store, err = buildcas.OpenConfig(cfg, log, opts...)
	if err != nil {
		sess.shutdownMetrics()
		return nil, err
	}
	return sess, nil
}

func loadConfig(cmd *cobra.Command, v *viper.Viper) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.LoadViper(v, path)
}

func (s *session) Close() error {
	err := s.store.Close()
	s.shutdownMetrics()
	_ = s.log.Sync()
	return err
}

func (s *session) shutdownMetrics() {
	if s.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.metrics.Shutdown(ctx)
}

func serveMetrics(addr string, g prometheus.Gatherer, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("address", addr))
	return srv
}

func parseDigest(s string) (buildcas.Digest, error) {
	d, err := digest.Parse(s)
	if err != nil {
		return buildcas.Digest{}, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	return d, nil
}
