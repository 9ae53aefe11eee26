package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rwadalebsar/tank-telemetry/internal/aggregator"
	"github.com/rwadalebsar/tank-telemetry/internal/anomaly"
	"github.com/rwadalebsar/tank-telemetry/internal/api"
	"github.com/rwadalebsar/tank-telemetry/internal/auth"
	"github.com/rwadalebsar/tank-telemetry/internal/config"
	"github.com/rwadalebsar/tank-telemetry/internal/legacy"
	applogger "github.com/rwadalebsar/tank-telemetry/internal/logger"
	"github.com/rwadalebsar/tank-telemetry/internal/monitor"
	"github.com/rwadalebsar/tank-telemetry/internal/repository/postgres"
	"github.com/rwadalebsar/tank-telemetry/internal/storage"
	"github.com/rwadalebsar/tank-telemetry/internal/telemetry"
)

func main() {
	// Создаём отменяемый контекст для всего приложения
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel() // Гарантирует отмену при выходе

	cfg, err := config.LoadConfig("configs")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := applogger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() {
		if err := logger.Sync(); err != nil {
			log.Printf("Error during logger sync: %v", err)
		}
	}()

	logger.Info("Starting Tank Telemetry Service", zap.String("version", "1.0.0"))

	store, err := storage.NewFileStore(cfg.DataDir)
	if err != nil {
		logger.Error("Failed to initialize data directory", zap.Error(err))
		return
	}

	// Необязательный архив показаний в Postgres
	var archive *postgres.PostgresRepository
	if cfg.Archive.Enabled() {
		archive, err = postgres.NewPostgresRepository(ctx, cfg.Archive, logger)
		if err != nil {
			logger.Error("Failed to connect to database", zap.Error(err))
			return
		}
		defer func() {
			archive.Close()
			logger.Info("Database connection closed")
		}()
		logger.Info("Database connection established")
	}

	registry, err := telemetry.NewRegistry(store, logger)
	if err != nil {
		logger.Error("Failed to initialize adapters", zap.Error(err))
		return
	}

	// Легаси-сервис опроса уровней; архив nil-безопасен
	var legacyArchive legacy.Archive
	if archive != nil {
		legacyArchive = archive
	}
	legacySvc := legacy.NewService(cfg.Legacy, legacyArchive, logger)
	legacySvc.Start(ctx)

	anomalyStore, err := anomaly.NewStore(store, logger)
	if err != nil {
		logger.Error("Failed to load anomaly store", zap.Error(err))
		return
	}
	engine := anomaly.NewEngine(anomalyStore, cfg.Anomaly.DefaultSensitivity, logger)

	providers := []aggregator.Provider{legacySvc}
	for _, a := range registry.Adapters() {
		providers = append(providers, a)
	}
	agg := aggregator.NewAggregator(providers, logger)
	if archive != nil {
		agg.WithArchive(archive)
	}

	var resolver *auth.Resolver
	if cfg.JWTSecret != "" {
		resolver = auth.NewResolver(cfg.JWTSecret)
	} else {
		logger.Warn("JWT secret is not set, all requests are treated as anonymous")
	}

	scheduler := monitor.NewScheduler(logger)

	// Включённые адаптеры начинают опрашиваться сразу
	for _, a := range registry.Adapters() {
		if a.Enabled() {
			scheduler.Start(ctx, a)
		}
	}

	var healthArchive api.HealthChecker
	if archive != nil {
		healthArchive = archive
	}
	httpServer := api.NewHTTPServer(cfg.RESTPort, api.Deps{
		Registry:     registry,
		Scheduler:    scheduler,
		Aggregator:   agg,
		Legacy:       legacySvc,
		Engine:       engine,
		AnomalyStore: anomalyStore,
		Resolver:     resolver,
		Archive:      healthArchive,
	}, logger)
	go func() {
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
			return
		}
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down servers...")

	// Отменяем контекст для всех компонентов
	cancel()

	scheduler.StopAll()
	legacySvc.Stop()
	registry.DisconnectAll()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	logger.Info("Tank Telemetry Service stopped")
}
