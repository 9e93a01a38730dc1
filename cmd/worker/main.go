package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/orchids/transcription-service/internal/config"
	"github.com/orchids/transcription-service/internal/queue"
	"github.com/orchids/transcription-service/internal/storage"
	"github.com/orchids/transcription-service/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.Environment, cfg.LogLevel)
	log.Info(context.Background(), "Starting transcript archive worker", map[string]interface{}{
		"environment": cfg.Server.Environment,
		"concurrency": cfg.Archive.Concurrency,
		"archive":     cfg.Archive.Enabled,
	})

	var store queue.Uploader
	if cfg.Archive.Enabled {
		minioStore, err := initStorage(cfg)
		if err != nil {
			log.Fatal(context.Background(), "Failed to initialize object storage", err, nil)
		}
		store = minioStore
		log.Info(context.Background(), "Object storage ready", map[string]interface{}{
			"bucket": minioStore.Bucket(),
		})
	} else {
		log.Warn(context.Background(), "Archiving disabled; only cleanup tasks will be processed", nil)
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Address(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: cfg.Archive.Concurrency,
			Queues:      queue.Queues,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error(ctx, "task execution failed", err, map[string]interface{}{
					"task_type": task.Type(),
					"payload":   string(task.Payload()),
				})
			}),
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delays := []time.Duration{
					30 * time.Second,
					2 * time.Minute,
					10 * time.Minute,
				}
				if n < len(delays) {
					return delays[n]
				}
				return delays[len(delays)-1]
			},
		},
	)

	mux := queue.NewServeMux(store, log)

	go func() {
		log.Info(context.Background(), "Worker server starting", map[string]interface{}{
			"concurrency": cfg.Archive.Concurrency,
		})
		if err := srv.Run(mux); err != nil {
			log.Fatal(context.Background(), "Worker server failed", err, nil)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info(context.Background(), "Shutting down worker server...", nil)

	srv.Shutdown()

	log.Info(context.Background(), "Worker server exited gracefully", nil)
}

func initStorage(cfg *config.Config) (*storage.MinIOStore, error) {
	store, err := storage.NewMinIOStore(storage.Config{
		Endpoint:  cfg.Archive.MinIOEndpoint,
		AccessKey: cfg.Archive.MinIOAccessKey,
		SecretKey: cfg.Archive.MinIOSecretKey,
		Bucket:    cfg.Archive.MinIOBucket,
		UseSSL:    cfg.Archive.MinIOUseSSL,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := store.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("unable to prepare bucket: %w", err)
	}
	return store, nil
}
