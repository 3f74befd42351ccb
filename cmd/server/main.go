package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/devghori1264/aerophoenix/continuity/internal/api"
	"github.com/devghori1264/aerophoenix/continuity/internal/config"
	"github.com/devghori1264/aerophoenix/continuity/internal/derive"
	"github.com/devghori1264/aerophoenix/continuity/internal/logging"
	"github.com/devghori1264/aerophoenix/continuity/internal/metrics"
	"github.com/devghori1264/aerophoenix/continuity/internal/models"
	natsclient "github.com/devghori1264/aerophoenix/continuity/internal/nats"
	"github.com/devghori1264/aerophoenix/continuity/internal/registry"
	"github.com/devghori1264/aerophoenix/continuity/internal/server"
	"github.com/devghori1264/aerophoenix/continuity/internal/storage"
	"github.com/devghori1264/aerophoenix/continuity/internal/tracing"
)

const serviceName = "continuity"

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	v := viper.New()

	root := &cobra.Command{
		Use:          "continuity",
		Short:        "Instance registry with event logs, derivations and aggregate metrics",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./continuity.yaml or ~/.config/continuity/continuity.yaml)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, gRPC health and metrics listeners",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	d := config.Defaults()
	flags := serve.Flags()
	flags.String("http-addr", d.HTTP.Addr, "HTTP listen address")
	flags.String("grpc-addr", d.GRPC.Addr, "gRPC listen address")
	flags.String("metrics-addr", d.Metrics.Addr, "Prometheus metrics listen address")
	flags.String("storage-driver", d.Storage.Driver, "storage driver (badger, bolt, sqlite, memory)")
	flags.String("db", d.Storage.Path, "storage path")
	flags.String("nats-url", d.NATS.URL, "NATS server URL; empty disables lifecycle events")
	flags.String("log-level", d.Log.Level, "log level")
	for key, flag := range map[string]string{
		"http.addr":      "http-addr",
		"grpc.addr":      "grpc-addr",
		"metrics.addr":   "metrics-addr",
		"storage.driver": "storage-driver",
		"storage.path":   "db",
		"nats.url":       "nats-url",
		"log.level":      "log-level",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	var force bool
	initConfig := &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.FileName + ".yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteDefault(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initConfig.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	root.AddCommand(serve, initConfig)
	return root
}

func run(parent context.Context, cfg config.Config) (err error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, shutdownTracing, err := tracing.Setup(ctx, serviceName, cfg.Tracing)
	if err != nil {
		return err
	}

	store, err := storage.Open(cfg.Storage)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return err
	}

	reg := registry.New(
		registry.WithLogger(logger),
		registry.WithMaxInstances(cfg.Registry.MaxInstances),
		registry.WithMaxEvents(cfg.Registry.MaxEvents),
	)

	var pub server.Publisher
	if cfg.NATS.URL != "" {
		p, err := natsclient.NewPublisher(cfg.NATS.URL, serviceName, logger)
		if err != nil {
			logger.Warn("nats unavailable, lifecycle events disabled", zap.String("url", cfg.NATS.URL), zap.Error(err))
		} else {
			pub = p
		}
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	agg := metrics.NewAggregator(reg, cfg.Metrics.Scores)
	promReg.MustRegister(metrics.NewCollector(agg))

	srv := server.New(reg, store, pub, logger,
		server.WithMetrics(metrics.NewRequestMetrics(promReg)),
		server.WithTracerProvider(tp),
		server.WithRecomputeTimeout(cfg.Recompute.DefaultTimeout),
	)
	defer func() {
		err = multierr.Combine(err, srv.Close(), shutdownTracing(context.Background()))
	}()

	n, err := srv.Rehydrate(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("instances", n),
	)

	var sched *registry.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = srv.NewScheduler(cfg.Scheduler.Derivation, schedulerParams(cfg), registry.SchedulerConfig{
			Interval: cfg.Scheduler.Interval,
			Timeout:  cfg.Scheduler.Timeout,
		})
		if err != nil {
			return err
		}
	}

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPC.Addr, err)
	}
	grpcServer := grpc.NewServer()
	srv.RegisterGRPC(grpcServer)

	httpServer := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.NewRouter(srv, agg, api.Options{
			Logger:         logger,
			Gatherer:       promReg,
			ServiceName:    serviceName,
			RateLimit:      cfg.API.RateLimit,
			RateBurst:      cfg.API.RateBurst,
			IdempotencyTTL: cfg.API.IdempotencyTTL,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	mux := http.NewServeMux()
	api.RegisterMetrics(mux, promReg)
	metricsServer := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if sched != nil {
		if err := sched.Start(gctx); err != nil {
			_ = lis.Close()
			return err
		}
	}
	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPC.Addr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		return listenAndServe(httpServer)
	})
	g.Go(func() error {
		logger.Info("Prometheus metrics available", zap.String("addr", cfg.Metrics.Addr))
		return listenAndServe(metricsServer)
	})
	srv.SetServing(true)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")
		srv.SetServing(false)
		if sched != nil {
			sched.Stop()
		}

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Timeout)
		defer cancel()
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		err := multierr.Combine(httpServer.Shutdown(sctx), metricsServer.Shutdown(sctx))
		select {
		case <-stopped:
		case <-sctx.Done():
			grpcServer.Stop()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func listenAndServe(s *http.Server) error {
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// schedulerParams clamps the configured scores when the loop optimizes.
func schedulerParams(cfg config.Config) models.State {
	if cfg.Scheduler.Derivation != derive.NameOptimize {
		return nil
	}
	params := make(models.State, len(cfg.Metrics.Scores))
	for _, s := range cfg.Metrics.Scores {
		params[s] = models.Null()
	}
	return params
}
