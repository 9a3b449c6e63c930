package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/arbitergames/arbiter-server-go/internal/config"
	"github.com/arbitergames/arbiter-server-go/internal/engine"
	"github.com/arbitergames/arbiter-server-go/internal/repository"
	"github.com/arbitergames/arbiter-server-go/internal/server"
	"github.com/arbitergames/arbiter-server-go/internal/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath = flag.String("config", "", "path to configuration file")
	version    = "dev" // set via ldflags during build
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting arbiter server",
		zap.String("version", version),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Checkpoint store: Postgres when a database URL is configured, the
	// in-memory store otherwise.
	var store repository.SessionStore
	if cfg.Database.URL != "" {
		db, err := repository.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		stats := db.Stats()
		logger.Info("database connection pool initialized",
			zap.Int32("total_conns", stats.TotalConns()),
			zap.Int32("idle_conns", stats.IdleConns()),
		)
		store = repository.NewPostgresStore(db)
	} else {
		logger.Warn("no database url configured; sessions will not survive a restart")
		store = repository.NewMemoryStore()
	}

	// Judge: an external resolution endpoint when configured, the null
	// judge otherwise.
	var judge engine.Judge
	if cfg.Judge.URL != "" {
		judge = engine.NewHTTPJudge(cfg.Judge.URL, cfg.Judge.Timeout, logger)
		logger.Info("external judge configured",
			zap.String("url", cfg.Judge.URL),
			zap.Duration("timeout", cfg.Judge.Timeout),
		)
	} else {
		judge = engine.NewNullJudge(logger)
		logger.Warn("no judge url configured; judge directives resolve to no-ops")
	}

	eng := engine.New(judge, logger, engine.WithMaxAutoSteps(cfg.Engine.MaxAutoSteps))
	manager := session.NewManager(eng, store, logger)
	logger.Info("session manager initialized")

	srv := server.New(cfg.Server, cfg.Metrics.Enabled, manager, logger)

	go func() {
		if serveErr := srv.ListenAndServe(); serveErr != nil {
			logger.Error("http server error", zap.Error(serveErr))
		}
	}()

	logger.Info("arbiter server initialized",
		zap.String("version", version),
		zap.String("address", cfg.Server.Address),
		zap.Bool("metrics", cfg.Metrics.Enabled),
	)

	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	logger.Info("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("arbiter server stopped")
}

// initLogger initializes the zap logger based on configuration
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
