package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"lendcore/native/lending"
	"lendcore/observability/logging"
	telemetry "lendcore/observability/otel"
	"lendcore/services/lending/engine"
	"lendcore/services/lending/journal"
	lendingserver "lendcore/services/lending/server"
	"lendcore/services/lendingd/config"
	"lendcore/storage"
)

const healthService = "lendcore.lending"

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	env := cfg.Environment
	if env == "" {
		env = strings.TrimSpace(os.Getenv("LEND_ENV"))
	}
	logger := logging.Setup("lendingd", env, &logging.FileSink{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	endpoint := cfg.Telemetry.Endpoint
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	headers := cfg.Telemetry.Headers
	if len(headers) == 0 {
		headers = telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "lendingd",
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	if err := run(cfg, env, logger); err != nil {
		logger.Error("lendingd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, env string, logger *slog.Logger) error {
	lendingCfg, err := lending.LoadConfig(cfg.LendingConfig)
	if err != nil {
		return fmt.Errorf("load lending config: %w", err)
	}

	db, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	executor, err := engine.New(db, lendingCfg, engine.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("init executor: %w", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := executor.Bootstrap(ctx, lendingCfg); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	executor.SetPaused(cfg.Paused)

	var (
		jrnl      *journal.Journal
		exportDir string
	)
	if cfg.Journal.Driver != config.JournalDisabled {
		gdb, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		jrnl, err = journal.New(gdb, logger)
		if err != nil {
			return err
		}
		if err := jrnl.Verify(ctx); err != nil {
			return fmt.Errorf("journal integrity: %w", err)
		}
		executor.AddSink(jrnl)
		exportDir = cfg.Journal.ExportDir
		if exportDir == "" {
			exportDir = filepath.Join(cfg.DataDir, "exports")
		}
		seq, _ := jrnl.Head()
		logger.Info("journal ready", "driver", cfg.Journal.Driver, "head", seq)
	}

	hub := lendingserver.NewHub(logger)
	executor.AddSink(hub)

	opts := lendingserver.Options{
		Backend:   executor,
		ExportDir: exportDir,
		Auth:      lendingserver.NewAuthenticator(cfg.Auth, logger),
		Limiter:   lendingserver.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst),
		Hub:       hub,
		Logger:    logger,
	}
	if jrnl != nil {
		opts.Journal = jrnl
	}
	api := lendingserver.New(opts)

	tlsCfg, err := lendingserver.TLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if tlsCfg == nil {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			_ = listener.Close()
			return errors.New("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}
	httpServer := &http.Server{
		Handler:           api.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	healthListener, err := net.Listen("tcp", cfg.HealthListen)
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("listen on %s: %w", cfg.HealthListen, err)
	}
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		lendingserver.HealthInterceptors(logger),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)

	serverErr := make(chan error, 2)
	go func() {
		logger.Info("lendingd listening", "addr", cfg.ListenAddress, "tls", tlsCfg != nil, "paused", executor.Paused())
		var err error
		if tlsCfg != nil {
			err = httpServer.ServeTLS(listener, "", "")
		} else {
			err = httpServer.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("serve http: %w", err)
		}
	}()
	go func() {
		logger.Info("health endpoint listening", "addr", cfg.HealthListen)
		if err := grpcServer.Serve(healthListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serverErr <- fmt.Errorf("serve health: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serverErr:
	}

	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forcing http server stop", "error", err)
		_ = httpServer.Close()
	}
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	return runErr
}

func openStorage(cfg config.Config) (storage.Database, error) {
	switch cfg.Storage {
	case config.StorageMemory:
		return storage.NewMemDB(), nil
	default:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := storage.NewLevelDB(cfg.StoragePath())
		if err != nil {
			return nil, fmt.Errorf("open state: %w", err)
		}
		return db, nil
	}
}
