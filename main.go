package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"pricewise/autodiff"
	"pricewise/config"
	"pricewise/db"
	qhttp "pricewise/http"
	"pricewise/logger"
	"pricewise/ml"
	"pricewise/monitoring"
	"pricewise/pricing"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// 1. Load config
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Logger
	zlog, level, err := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, zlog, level); err != nil {
		zlog.Error("exiting with error", zap.Error(err))
		zlog.Sync()
		os.Exit(1)
	}
	zlog.Info("exiting")
}

func run(ctx context.Context, cfg *config.Config, configPath string, zlog *zap.Logger, level zap.AtomicLevel) error {
	// 3. Autodiff runtime
	autodiff.Init(autodiff.Options{Trace: cfg.Training.TraceGraph, Logger: zlog})

	// 4. Catalog database
	database, err := db.Open(db.Config{
		Driver:      cfg.Database.Driver,
		Path:        cfg.Database.Path,
		BusyTimeout: cfg.Database.BusyTimeout,
		CacheSize:   cfg.Catalog.CacheSize,
		CacheTTL:    cfg.Catalog.CacheTTL,
	})
	if err != nil {
		return errors.Wrap(err, "open database")
	}
	defer database.Close()
	zlog.Info("database initialized",
		zap.String("path", cfg.Database.Path), zap.String("driver", database.Driver()))

	// 5. Model store
	store, err := openModelStore(ctx, cfg, database)
	if err != nil {
		return err
	}
	zlog.Info("model store ready", zap.String("store", cfg.Model.Store), zap.String("model", cfg.Model.Name))

	// 6. Training engine and prediction service
	hub := monitoring.NewHub(cfg.Http.AllowedOrigin, zlog)
	go hub.Run()
	defer hub.Stop()
	metrics := monitoring.NewMetricsCollector()

	engine := ml.NewEngine(ml.EngineConfig{
		FineTuneEpochs:        cfg.Training.FineTuneEpochs,
		FineTuneLearningRate:  cfg.Training.FineTuneLearningRate,
		ColdTrainEpochs:       cfg.Training.ColdTrainEpochs,
		ColdTrainLearningRate: cfg.Training.ColdTrainLearningRate,
		MaxStep:               cfg.Training.MaxStep,
		Seed:                  cfg.Training.Seed,
		LogEvery:              cfg.Training.LogEvery,
	}, autodiff.NewTapeContext(), zlog)
	engine.SetObserver(hub)

	service := pricing.NewService(pricing.Config{
		ModelName:     cfg.Model.Name,
		MaxAttempts:   cfg.Training.MaxAttempts,
		FailOnCorrupt: !cfg.Training.ColdTrainOnCorrupt,
	}, database, store, engine, zlog)
	service.SetNotifier(pricing.Notifiers{hub, metrics})
	service.SetRecorder(database)

	// 7. Config hot reload
	go func() {
		err := config.Watch(ctx, configPath, zlog, func(next *config.Config) {
			if err := logger.SetLevel(level, next.Log.Level); err != nil {
				zlog.Warn("ignoring invalid log level", zap.Error(err))
				return
			}
			zlog.Info("log level updated", zap.String("level", level.String()))
		})
		if err != nil {
			zlog.Warn("config watcher stopped", zap.Error(err))
		}
	}()

	// 8. HTTP server
	server := qhttp.NewServer(qhttp.ServerConfig{
		Port:           cfg.Http.Port,
		Timeout:        cfg.Http.RequestTimeout,
		AllowedOrigins: []string{cfg.Http.AllowedOrigin},
	}, &qhttp.API{
		Products:  database,
		Predictor: service,
		Workflow:  pricing.NewWorkflow(service, zlog),
		Models:    service,
		Metrics:   metrics,
		Stream:    hub,
		Logger:    zlog,
	}, zlog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

func openModelStore(ctx context.Context, cfg *config.Config, database *db.SQLite) (pricing.ModelStore, error) {
	switch cfg.Model.Store {
	case "sqlite":
		return database, nil
	case "memory":
		return db.NewMemoryModelStore(), nil
	case "s3":
		s3cfg := cfg.Model.S3
		store, err := db.NewS3ModelStore(ctx, db.S3Config{
			Bucket:          s3cfg.Bucket,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			Prefix:          s3cfg.Prefix,
			UsePathStyle:    s3cfg.UsePathStyle,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, errors.Wrap(err, "open s3 model store")
		}
		return store, nil
	default:
		return nil, errors.Newf("unknown model store %q", cfg.Model.Store)
	}
}
