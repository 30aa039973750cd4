package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/foldbridge/foldbridge-backend/internal/clients/gcs"
	"github.com/foldbridge/foldbridge-backend/internal/clients/redisq"
	jobsrepo "github.com/foldbridge/foldbridge-backend/internal/data/repos/jobs"
	"github.com/foldbridge/foldbridge-backend/internal/db"
	"github.com/foldbridge/foldbridge-backend/internal/dispatch"
	"github.com/foldbridge/foldbridge-backend/internal/domain"
	"github.com/foldbridge/foldbridge-backend/internal/handlers"
	"github.com/foldbridge/foldbridge-backend/internal/observability"
	"github.com/foldbridge/foldbridge-backend/internal/platform/envutil"
	"github.com/foldbridge/foldbridge-backend/internal/platform/logger"
	"github.com/foldbridge/foldbridge-backend/internal/server"
	"github.com/foldbridge/foldbridge-backend/internal/services"
	"github.com/foldbridge/foldbridge-backend/internal/sse"
	"github.com/foldbridge/foldbridge-backend/internal/workers"
)

func main() {
	// Logger
	logMode := envutil.Str("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()
	serviceName := envutil.Str("SERVICE_NAME", "foldbridge")

	// Tracing
	if shutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: serviceName,
		Environment: envutil.Str("ENVIRONMENT", "development"),
		Version:     envutil.Str("SERVICE_VERSION", "dev"),
	}); shutdown != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	jobRepo := jobsrepo.NewJobRepo(thePG, log)

	// Dispatch queue
	var queue dispatch.Queue
	switch envutil.Str("QUEUE_MODE", "memory") {
	case "redis":
		redisQueue, err := redisq.New(log)
		if err != nil {
			log.Error("Redis queue init failed", "error", err)
			os.Exit(1)
		}
		defer redisQueue.Close()
		queue = redisQueue
	default:
		queue = dispatch.NewMemoryQueue()
		log.Warn("Using in-memory dispatch queue; queued jobs do not survive restarts")
	}

	// Artifact store
	store, err := gcs.NewArtifactStore(log)
	if err != nil {
		log.Warn("Artifact store unavailable; results stay inline", "error", err)
		store = nil
	}

	// SSE
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewHub(log)
	notifier := services.NewJobNotifier(sseHub)

	// Services
	log.Info("Setting up services from main...")
	aggregator := services.NewAggregator(jobRepo, queue, store, notifier, log)
	jobService := services.NewJobService(jobRepo, store, notifier, aggregator, services.JobServiceConfig{
		MaxInlineResultBytes: envutil.Int("RESULT_INLINE_MAX_BYTES", 64<<10),
	}, log)

	jobTimeout := envutil.Int("JOB_TIMEOUT_SECONDS", 900)
	maxBatch := envutil.Int("MAX_BATCH_SIZE", 500)
	var profiles *workers.Profiles
	if path := envutil.Str("WORKER_PROFILES_PATH", ""); path != "" {
		profiles, err = workers.LoadProfiles(path)
		if err != nil {
			log.Error("Worker profiles load failed", "path", path, "error", err)
			os.Exit(1)
		}
	} else {
		profiles = workers.DefaultProfiles(jobTimeout, maxBatch)
		log.Warn("No worker profiles configured; using defaults", "models", profiles.Names())
	}

	var processor workers.Processor
	switch envutil.Str("WORKER_MODE", "http") {
	case "local":
		processor = workers.NewLocalProcessor(localEcho, jobService, log)
		log.Warn("Worker mode is local; jobs are completed in-process")
	default:
		endpoint := envutil.Str("WORKER_ENDPOINT", "")
		if endpoint == "" {
			log.Error("WORKER_ENDPOINT is required when WORKER_MODE=http")
			os.Exit(1)
		}
		processor = workers.NewHTTPProcessor(endpoint, log)
	}

	dispatcher := dispatch.NewDispatcher(queue, jobRepo, processor, dispatch.Config{
		RatePerSecond: envutil.Float64("DISPATCH_RATE_LIMIT", 25),
		MaxInFlight:   int64(envutil.Int("DISPATCH_MAX_INFLIGHT", 8)),
		MaxAttempts:   envutil.Int("DISPATCH_MAX_ATTEMPTS", 5),
		DeliveryLease: envutil.Duration("DISPATCH_DELIVERY_LEASE", time.Minute),
	}, log)
	dispatcher.SetTerminalHook(aggregator)
	dispatcher.Start(ctx)

	submissionService := services.NewSubmissionService(thePG, jobRepo, queue, profiles, notifier, services.SubmissionConfig{
		MaxBatchSize:          maxBatch,
		DefaultTimeoutSeconds: jobTimeout,
		DefaultMaxConcurrent:  envutil.Int("BATCH_MAX_CONCURRENT", 4),
	}, log)

	monitor := services.NewMonitor(jobRepo, queue, aggregator, notifier, services.MonitorConfig{
		Interval:   envutil.Duration("SWEEP_INTERVAL", 2*time.Minute),
		Slack:      envutil.Duration("SWEEP_SLACK", 30*time.Second),
		MaxRetries: envutil.Int("SWEEP_MAX_RETRIES", 2),
	}, log)
	monitor.Start(ctx)

	// Handlers
	log.Info("Setting up handlers from main...")
	jobsHandler := handlers.NewJobsHandler(submissionService, jobService)
	batchesHandler := handlers.NewBatchesHandler(submissionService, jobService)
	reportsHandler := handlers.NewReportsHandler(jobService)
	sseHandler := handlers.NewSSEHandler(sseHub)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		ServiceName:    serviceName,
		JobsHandler:    jobsHandler,
		BatchesHandler: batchesHandler,
		ReportsHandler: reportsHandler,
		SSEHandler:     sseHandler,
	})

	port := envutil.Str("PORT", "8080")
	log.Info("Starting server", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Fatal("Server exited", "error", err)
	}
}

// localEcho completes jobs without a GPU fleet; WORKER_MODE=local only.
func localEcho(_ context.Context, job *domain.Job) workers.Report {
	score := 0.5
	return workers.Report{
		Status: "completed",
		Score:  &score,
		Result: map[string]any{"model": job.Model, "echo": true},
	}
}
