package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/akovalyov/chartscan/internal/async"
	"github.com/akovalyov/chartscan/internal/common"
	"github.com/akovalyov/chartscan/internal/credential"
	"github.com/akovalyov/chartscan/internal/export"
	"github.com/akovalyov/chartscan/internal/extraction"
	"github.com/akovalyov/chartscan/internal/ingest"
	"github.com/akovalyov/chartscan/internal/normalize"
	"github.com/akovalyov/chartscan/internal/recognize"
	"github.com/akovalyov/chartscan/internal/repository"
	"github.com/akovalyov/chartscan/internal/server"
	"github.com/akovalyov/chartscan/internal/vision"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file, using process environment")
	}

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := repository.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := repository.RunMigrations(ctx, db, repository.DriverFor(cfg.Database.DSN)); err != nil {
		logger.Error("run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database ready", "driver", repository.DriverFor(cfg.Database.DSN))

	images := repository.NewImageRepository(db, logger)
	metrics := repository.NewMetricRepository(db, logger)
	jobs := repository.NewJobRepository(db, logger)
	flags := repository.NewFlagRepository(db, logger)

	labels, err := normalize.LoadLabelMap(cfg.Extraction.LabelMapPath, logger)
	if err != nil {
		logger.Error("load label map", "error", err)
		os.Exit(1)
	}

	pool := credential.NewPool(cfg.Vision.Credentials, cfg.Vision.Rotation, logger,
		credential.WithBreakerConfig(cfg.Vision.FailureThreshold, cfg.Vision.FailureWindow, cfg.Vision.Cooldown),
	)
	visionClient := vision.NewClient(cfg.Vision, pool, logger)

	engine := recognize.NewTesseractEngine(cfg.Recognize)
	adapter := recognize.NewAdapter(nil, engine, logger)

	orch := extraction.NewOrchestrator(extraction.Deps{
		Config:     cfg.Extraction,
		Labels:     labels,
		Recognizer: adapter,
		Vision:     visionClient,
		Images:     images,
		Metrics:    metrics,
		Jobs:       jobs,
		Flags:      flags,
		Logger:     logger,
	})

	workers := cfg.Recognize.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	queue := async.NewJobQueue(orch, logger, async.WithWorkers(workers))

	if cfg.Ingest.Dir != "" {
		paths, watchErrs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
			Roots:       []string{cfg.Ingest.Dir},
			InitialScan: cfg.Ingest.InitialScan,
			Debounce:    cfg.Ingest.Debounce,
		})
		if err != nil {
			logger.Error("start ingest watcher", "dir", cfg.Ingest.Dir, "error", err)
			os.Exit(1)
		}
		intake := ingest.NewIntake(images, queue, logger)
		go intake.Run(ctx, paths)
		go func() {
			for werr := range watchErrs {
				logger.Warn("ingest watcher error", "error", werr)
			}
		}()
		logger.Info("ingest watching", "dir", cfg.Ingest.Dir)
	}

	handler := server.NewHandler(server.HandlerDeps{
		Images:  images,
		Metrics: metrics,
		Jobs:    jobs,
		Flags:   flags,
		Queue:   queue,
		Export:  export.NewService(metrics, flags, logger),
		Logger:  logger,
	})

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.NewRouter(handler, logger),
	}

	go func() {
		logger.Info("http serving", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	queue.Shutdown(shutdownCtx)
	logger.Info("stopped")
}
