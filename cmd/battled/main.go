// Package main implements the entry point for the battle service.
// It wires storage, events, ranking and the HTTP server, and runs the status sweeper.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RegistryAccord/registryaccord-battle-go/internal/achievements"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/config"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/event"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/jwks"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/ledger"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/lifecycle"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/media"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/ranking"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/server"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/submission"
	"github.com/RegistryAccord/registryaccord-battle-go/internal/telemetry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("battle service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	traceOpts := telemetry.Options{ServiceName: "battled", Version: version, Writer: os.Stderr, SampleRatio: 0.1}
	if cfg.Env == "dev" {
		traceOpts.Writer, traceOpts.Pretty = os.Stdout, true
	}
	if _, err := telemetry.InitTracer(traceOpts); err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// PostgreSQL when configured, in-memory otherwise
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		var err error
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("failed to initialize postgres storage: %w", err)
		}
	} else {
		logger.Warn("BATTLE_DB_DSN not set, using in-memory storage")
		store = storage.NewMemory()
	}
	defer store.Close()

	pub := event.NewPublisher(cfg.NATSURL, logger)
	defer pub.Close()

	validator, err := submission.NewValidator(cfg.MediaHosts, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize submission validator: %w", err)
	}

	var source ranking.AchievementSource
	if cfg.AchievementsURL != "" {
		source = achievements.New(cfg.AchievementsURL)
	} else {
		logger.Warn("BATTLE_ACHIEVEMENTS_URL not set, ranking ties ignore achievements")
	}

	opts := lifecycle.Options{
		Store:     store,
		Publisher: pub,
		Validator: validator,
		Ledger:    ledger.New(cfg.VoteRateLimit, cfg.VoteRateWindow),
		Ranking:   ranking.NewEngine(source),
		Metrics:   metrics.NewMetrics(),
		Logger:    logger,
	}
	if cfg.S3Endpoint != "" && cfg.S3Bucket != "" && cfg.S3PublicHost != "" {
		s3Client, err := media.NewS3Client(cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket,
			cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3PublicHost)
		if err != nil {
			return fmt.Errorf("failed to initialize S3 client: %w", err)
		}
		opts.Media = s3Client
	}

	manager, err := lifecycle.New(opts)
	if err != nil {
		return err
	}

	jwksURL := cfg.JWKSURL
	if jwksURL == "" {
		jwksURL = fmt.Sprintf("%s/.well-known/jwks.json", cfg.JWTIssuer)
	}

	handler := server.NewMux(server.Options{
		Manager:            manager,
		Store:              store,
		Auth:               jwks.NewClient(jwksURL),
		JWTIssuer:          cfg.JWTIssuer,
		JWTAudience:        cfg.JWTAudience,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		Metrics:            opts.Metrics,
		Logger:             logger,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		lifecycle.NewSweeper(manager, cfg.SweepInterval, logger).Run(ctx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			<-sweeperDone
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	<-sweeperDone

	logger.Info("server exited")
	return nil
}
