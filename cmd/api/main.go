package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/orchids/transcription-service/internal/backend"
	"github.com/orchids/transcription-service/internal/broadcast"
	"github.com/orchids/transcription-service/internal/catalog"
	"github.com/orchids/transcription-service/internal/config"
	"github.com/orchids/transcription-service/internal/domain"
	"github.com/orchids/transcription-service/internal/handler"
	"github.com/orchids/transcription-service/internal/media"
	"github.com/orchids/transcription-service/internal/monitor"
	"github.com/orchids/transcription-service/internal/observability"
	"github.com/orchids/transcription-service/internal/pipeline"
	"github.com/orchids/transcription-service/internal/postprocess"
	"github.com/orchids/transcription-service/internal/queue"
	"github.com/orchids/transcription-service/internal/repository/postgres"
	redisrepo "github.com/orchids/transcription-service/internal/repository/redis"
	"github.com/orchids/transcription-service/internal/scheduler"
	"github.com/orchids/transcription-service/internal/service"
	"github.com/orchids/transcription-service/pkg/jwt"
	"github.com/orchids/transcription-service/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.Environment, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info(ctx, "Starting transcription service", map[string]interface{}{
		"environment":    cfg.Server.Environment,
		"port":           cfg.Server.Port,
		"max_concurrent": cfg.Scheduler.MaxConcurrentJobs,
	})

	shutdownTracing, err := observability.InitTracingFromEnv("transcription-api")
	if err != nil {
		log.Warn(ctx, "Tracing disabled", map[string]interface{}{"error": err.Error()})
		shutdownTracing = func(context.Context) error { return nil }
	}

	dbPool, err := initDatabase(cfg)
	if err != nil {
		log.Fatal(ctx, "Failed to initialize database", err, nil)
	}
	defer dbPool.Close()
	if err := postgres.EnsureSchema(ctx, dbPool); err != nil {
		log.Fatal(ctx, "Failed to apply migrations", err, nil)
	}
	log.Info(ctx, "Database connection established", nil)

	redisClient, err := initRedis(cfg)
	if err != nil {
		log.Fatal(ctx, "Failed to initialize Redis", err, nil)
	}
	defer redisClient.Close()
	log.Info(ctx, "Redis connection established", nil)

	models, err := catalog.Load(cfg.Catalog.ModelsFile)
	if err != nil {
		log.Fatal(ctx, "Failed to load model catalog", err, nil)
	}

	jobRepo := postgres.NewPostgresJobRepository(dbPool)
	eventRepo := postgres.NewJobEventRepository(dbPool)
	recorder := service.NewJobRecorder(jobRepo, eventRepo, 1024, log)
	defer recorder.Close()

	jobSeq := redisrepo.NewJobSequence(redisClient, cfg.Redis.JobSeqKey)
	if maxID, err := jobRepo.MaxID(ctx); err != nil {
		log.Fatal(ctx, "Failed to read stored job ids", err, nil)
	} else if _, err := jobSeq.EnsureFloor(ctx, maxID); err != nil {
		log.Fatal(ctx, "Failed to seed job sequence", err, nil)
	}

	mon := monitor.New(monitor.Config{
		Interval:      cfg.Monitor.Interval,
		HistorySize:   cfg.Monitor.HistorySize,
		SampleTimeout: cfg.Monitor.SampleTimeout,
	}, log, monitorOptions(cfg)...)

	hub := broadcast.NewHub(broadcast.Config{
		HeartbeatTimeout:     cfg.Broadcast.HeartbeatTimeout,
		HousekeepingInterval: cfg.Broadcast.HousekeepingInterval,
		SendBuffer:           cfg.Broadcast.SendBuffer,
	}, log)

	backends := backend.NewRegistry()
	backends.Register(domain.FamilyWhisper, backend.NewWhisper(cfg.Backend.WhisperURL, cfg.Backend.Timeout))
	backends.Register(domain.FamilyFireRedASR, backend.NewFireRedASR(cfg.Backend.FireRedASRURL, cfg.Backend.Timeout))

	pipelineOpts := []pipeline.Option{
		pipeline.WithPostProcessor(postprocess.New(postprocess.Config{
			URL:      cfg.PostProcess.URL,
			Language: cfg.PostProcess.Language,
			Timeout:  cfg.PostProcess.Timeout,
		})),
	}
	var inspector handler.QueueInspector
	if cfg.Archive.Enabled {
		redisOpt := asynqRedisOpt(cfg)
		queueClient := queue.NewQueueClient(redisOpt, cfg.Archive.CleanupAfter, log)
		defer queueClient.Close()
		queueInspector := queue.NewInspector(redisOpt)
		defer queueInspector.Close()
		pipelineOpts = append(pipelineOpts, pipeline.WithArchiver(queueClient))
		inspector = queueInspector
	}

	decoder := media.NewFFmpeg(media.Config{
		FFmpegPath:    cfg.Media.FFmpegPath,
		DecodeTimeout: cfg.Media.DecodeTimeout,
		SampleRate:    cfg.Media.SampleRate,
		GracePeriod:   cfg.Media.GracePeriod,
	}, log)
	runner := pipeline.New(pipeline.Config{
		OutputPath: cfg.Storage.OutputPath,
		TempPath:   cfg.Storage.TempPath,
	}, models, backends, decoder, log, pipelineOpts...)

	sched := scheduler.New(scheduler.Config{
		MaxConcurrent: cfg.Scheduler.MaxConcurrentJobs,
		Tick:          cfg.Scheduler.AdmissionTick,
		DrainTimeout:  cfg.Scheduler.DrainTimeout,
	}, runner, mon, log,
		scheduler.WithPublisher(hub),
		scheduler.WithRecorder(recorder),
		scheduler.WithIDGenerator(jobSeq),
	)
	mon.SetQueueReporter(sched.QueueView)
	metricsPublisher := broadcast.NewMetricsPublisher(hub, mon, sched, cfg.Broadcast.MetricsInterval, log)

	mon.Start(ctx)
	hub.Start(ctx)
	sched.Start(ctx)
	metricsPublisher.Start(ctx)

	var tokens *jwt.TokenService
	if cfg.Auth.AuthEnabled() {
		tokens = jwt.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.Issuer)
	} else {
		log.Warn(ctx, "Admin authentication disabled", nil)
	}

	jobs := service.NewJobLookup(sched, jobRepo)
	uploadService := service.NewUploadService(models, sched, &cfg.Storage, log)

	transcriptionHandler := handler.NewTranscriptionHandler(uploadService, sched, jobs, cfg.Scheduler.DefaultPriority, log)
	systemHandler := handler.NewSystemHandler(mon, sched, models, backends, map[string]handler.HealthCheck{
		"database": dbPool.Ping,
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	})
	streamHandler := handler.NewStreamHandler(hub, jobs, handler.StreamConfig{
		ControlRate:  cfg.Broadcast.ControlRateLimit,
		ControlBurst: cfg.Broadcast.ControlBurst,
	}, log)
	adminHandler := handler.NewAdminHandler(sched, jobRepo, eventRepo, hub, inspector, tokens, cfg.Auth.AdminKeyHash, log)
	pageHandler := handler.NewPageHandler(sched, mon, models, log)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.RequestIDMiddleware())
	router.Use(handler.LoggerMiddleware(log))
	router.Use(handler.CORSMiddleware())
	router.Use(observability.GinMiddleware())

	router.MaxMultipartMemory = 32 << 20

	router.GET("/health", systemHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", streamHandler.Serve)
	router.GET("/", pageHandler.Dashboard)

	api := router.Group("/api")
	{
		api.POST("/transcribe", transcriptionHandler.Submit)
		api.GET("/jobs", transcriptionHandler.ListJobs)
		api.GET("/jobs/:id", transcriptionHandler.GetJob)
		api.DELETE("/jobs/:id", transcriptionHandler.CancelJob)
		api.GET("/jobs/:id/artifacts/:format", transcriptionHandler.DownloadArtifact)

		api.GET("/models", systemHandler.ListModels)
		api.GET("/system/metrics", systemHandler.Metrics)
		api.GET("/system/metrics/history", systemHandler.MetricsHistory)
	}

	router.POST("/api/admin/token", adminHandler.IssueToken)
	admin := router.Group("/api/admin", handler.AdminAuthMiddleware(tokens))
	{
		admin.GET("/queue", adminHandler.GetQueue)
		admin.GET("/subscribers", adminHandler.ListSubscribers)
		admin.GET("/archive/stats", adminHandler.GetArchiveStats)
		admin.GET("/jobs", adminHandler.ListJobHistory)
		admin.GET("/jobs/:id/events", adminHandler.ListJobEvents)
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address(),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(gctx, "HTTP server starting", map[string]interface{}{
			"address": cfg.Server.Address(),
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "Shutting down server...", nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error(context.Background(), "Server stopped with error", err, nil)
	}

	metricsPublisher.Stop()
	sched.Stop()
	hub.Stop()
	mon.Stop()

	tracingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(tracingCtx); err != nil {
		log.Warn(context.Background(), "Tracing shutdown failed", map[string]interface{}{"error": err.Error()})
	}

	log.Info(context.Background(), "Server exited gracefully", nil)
}

func monitorOptions(cfg *config.Config) []monitor.Option {
	opts := []monitor.Option{
		monitor.WithSecondarySource(monitor.NewNvidiaSMISource(cfg.Monitor.NvidiaSMIPath)),
		monitor.WithHostProbe(monitor.NewHostProbe()),
		monitor.WithFeatureProbe(monitor.NewRuntimeProbe(cfg.Monitor.RuntimeProbePath, cfg.Monitor.AcceleratedRuntime)),
	}
	if cfg.Monitor.DCGMExporterURL != "" {
		opts = append(opts, monitor.WithPrimarySource(monitor.NewDCGMSource(cfg.Monitor.DCGMExporterURL, cfg.Monitor.SampleTimeout)))
	}
	return opts
}

func asynqRedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Address(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func initDatabase(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.Database.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

func initRedis(cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Address(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("unable to connect to Redis: %w", err)
	}

	return client, nil
}
