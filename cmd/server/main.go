// Command memsync runs the membership sync engine: webhook intake, the
// operator gRPC API and the renewal sweep.
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/memsync/internal/config"
	"github.com/and161185/memsync/internal/migrate"
	grpcserver "github.com/and161185/memsync/internal/server/grpc"
	httpserver "github.com/and161185/memsync/internal/server/http"
	"github.com/and161185/memsync/internal/service"
	"github.com/and161185/memsync/internal/telemetry"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:           "memsync",
		Short:         "Membership lifecycle and CRM synchronization engine",
		Version:       version + " (" + buildDate + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", os.Getenv(config.EnvPrefix+"_CONFIG"), "config file (yaml)")
	root.PersistentFlags().String("dsn", "", "PostgreSQL DSN")
	root.PersistentFlags().Bool("dev", false, "development logging and gRPC reflection")

	root.AddCommand(serveCmd(), sweepCmd(), migrateCmd(), settingsCmd(), tokenCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file named by --config plus env and flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path, cmd.Flags())
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver, operator API and sweep loop",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("http-addr", "", "webhook listen address")
	cmd.Flags().String("grpc-addr", "", "operator API listen address")
	return cmd
}

// runServe validates configuration, migrates the schema and serves until
// the process is signalled.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("environment", cfg.Environment),
		zap.String("http", cfg.HTTP.Addr),
		zap.String("grpc", cfg.GRPC.Addr),
	)

	ctx := cmd.Context()
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: "memsync",
		Version:     version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	if err := migrate.Up(ctx, cfg.Database.DSN); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	webhookTokens := service.NewTokens([]byte(cfg.Auth.WebhookKey), cfg.Auth.TokenTTL)
	operatorTokens := service.NewTokens([]byte(cfg.Auth.OperatorKey), cfg.Auth.TokenTTL)

	// webhooks
	hs := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: httpserver.NewRouter(httpserver.RouterConfig{
			Events: a.events,
			Tokens: webhookTokens,
			Health: a.db,
			Log:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// operator API
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary(operatorTokens, service.AudienceOperator),
		),
	}
	if cfg.GRPC.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.GRPC.TLSCert, cfg.GRPC.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("operator API without TLS")
	}
	gs := grpc.NewServer(opts...)
	grpcserver.Register(gs, grpcserver.New(a.events, a.sweeper, a.settings, a.crm, logger))
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(gs, healthSrv)
	if cfg.Dev || cfg.GRPC.Reflection {
		reflection.Register(gs)
	}

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPC.Addr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("webhooks listening", zap.String("addr", cfg.HTTP.Addr))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("operator API listening", zap.String("addr", cfg.GRPC.Addr))
		return gs.Serve(lis)
	})
	if cfg.Sweep.Enabled {
		g.Go(func() error {
			a.sweeper.Loop(gctx, cfg.Sweep.Interval)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		healthSrv.Shutdown()

		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		done := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-sctx.Done():
			gs.Stop()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
