package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/pprof"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/jobraker/engine/internal/cache"
	"github.com/jobraker/engine/internal/config"
	"github.com/jobraker/engine/internal/domain/fiber/handler"
	"github.com/jobraker/engine/internal/events"
	"github.com/jobraker/engine/internal/logger"
	"github.com/jobraker/engine/internal/middleware"
	"github.com/jobraker/engine/internal/model"
	"github.com/jobraker/engine/internal/repository"
	"github.com/jobraker/engine/internal/resilience"
	"github.com/jobraker/engine/internal/service"
	"github.com/jobraker/engine/internal/usecase"
	"github.com/jobraker/engine/internal/worker"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Could not load .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	zlog, err := logger.New(cfg.App.LogJSON, cfg.App.LogDebug)
	if err != nil {
		log.Fatal(err)
	}
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := fiber.New(fiber.Config{
		AppName: cfg.App.Name,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError

			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}

			message := err.Error()
			if message == "" {
				message = "Internal Server Error"
			}

			return c.Status(code).JSON(fiber.Map{"success": false, "message": message})
		},
	})
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
	}))
	app.Use(recover.New(recover.Config{
		EnableStackTrace: cfg.App.Env != "production",
	}))
	app.Use(compress.New(compress.Config{
		Level: compress.LevelBestSpeed,
	}))
	app.Use(pprof.New(pprof.Config{
		Next: func(c *fiber.Ctx) bool {
			return cfg.App.Env == "production"
		},
	}))
	app.Use(healthcheck.New())
	app.Use(helmet.New(helmet.Config{
		CrossOriginResourcePolicy: "cross-origin",
	}))
	app.Use(middleware.RateLimiter(50, 1*time.Minute))

	db := ConnectDB(cfg, zlog)

	redis := cache.NewRedis(cfg.Redis, zlog)
	defer redis.Close()

	bus := events.NewBus(zlog)
	go bus.LogLoop(ctx)

	appRepo := repository.NewApplicationRepository(db)
	postingRepo := repository.NewJobPostingRepository(db, cfg.Vector.Probes)
	profileRepo := repository.NewProfileRepository(db)
	taskRepo := repository.NewTaskRepository(db)
	cursorRepo := repository.NewIngestCursorRepository(db)
	dismissalRepo := repository.NewDismissalRepository(db)
	circuitRepo := repository.NewCircuitStateRepository(db)

	exec := resilience.NewExecutor(cfg.Resilience, circuitRepo, bus, zlog)
	if err := exec.Restore(ctx); err != nil {
		zlog.Warn("could not restore breaker state", zap.Error(err))
	}

	gemini, err := service.NewGeminiService(ctx, cfg.Gemini, cfg.Vector.Dim, zlog)
	if err != nil {
		zlog.Fatal("gemini init failed", zap.Error(err))
	}
	feed := service.NewJobFeedService(cfg.JobFeed, zlog)
	automation := service.NewAutomationService(cfg.Automation, zlog)

	embedUC := usecase.NewEmbeddingUsecase(gemini, redis, postingRepo, exec, bus, zlog, cfg.Redis.TTL)
	ingestUC := usecase.NewIngestionUsecase(feed, postingRepo, cursorRepo, taskRepo, exec, bus, zlog, cfg.JobFeed.Source, cfg.JobFeed.MaxPages)
	matchUC := usecase.NewMatchUsecase(profileRepo, postingRepo, zlog, cfg.Vector.TopK)
	submitUC := usecase.NewSubmissionUsecase(appRepo, postingRepo, automation, taskRepo, exec, bus, zlog, cfg.Automation.PollSLA, cfg.Scheduler.PollBatch)
	schedUC := usecase.NewSchedulerUsecase(cfg.Scheduler, appRepo, profileRepo, postingRepo, dismissalRepo, redis, matchUC, submitUC, taskRepo, bus, zlog)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	pool := worker.NewPool(taskRepo, cfg.Worker, zlog)
	pool.Register(model.TaskDispatchApplication, func(ctx context.Context, payload []byte) error {
		var p usecase.DispatchPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode dispatch payload: %w", err)
		}
		return submitUC.Dispatch(ctx, p.ApplicationID)
	})
	pool.Register(model.TaskPollApplication, func(ctx context.Context, payload []byte) error {
		var p usecase.PollPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode poll payload: %w", err)
		}
		return submitUC.Poll(ctx, p.ApplicationID)
	})
	pool.Register(model.TaskEmbedPosting, func(ctx context.Context, payload []byte) error {
		var p usecase.EmbedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode embed payload: %w", err)
		}
		return embedUC.EmbedPosting(ctx, p.PostingID)
	})
	pool.Register(model.TaskSweepProfile, func(ctx context.Context, payload []byte) error {
		var p usecase.SweepPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode sweep payload: %w", err)
		}
		return schedUC.SweepProfile(ctx, p.ProfileID)
	})
	pool.Run(workerCtx)

	runEvery(workerCtx, cfg.Scheduler.IngestInterval, func(ctx context.Context) {
		if _, err := ingestUC.RunOnce(ctx); err != nil {
			zlog.Error("scheduled ingestion failed", zap.Error(err))
		}
	})
	runEvery(workerCtx, cfg.Scheduler.SweepInterval, func(ctx context.Context) {
		if err := schedUC.Sweep(ctx); err != nil {
			zlog.Error("scheduled sweep failed", zap.Error(err))
		}
		if _, err := schedUC.EnqueueEmbedBacklog(ctx); err != nil {
			zlog.Error("embed backlog scan failed", zap.Error(err))
		}
		if _, err := schedUC.RetentionSweep(ctx); err != nil {
			zlog.Error("retention sweep failed", zap.Error(err))
		}
	})
	runEvery(workerCtx, cfg.Scheduler.PollScanInterval, func(ctx context.Context) {
		if _, err := submitUC.EnqueuePolls(ctx); err != nil {
			zlog.Error("poll scan failed", zap.Error(err))
		}
	})
	runEvery(workerCtx, cfg.Scheduler.RecoverInterval, func(ctx context.Context) {
		cutoff := time.Now().Add(-cfg.Worker.StaleAfter)
		if n, err := taskRepo.RecoverStale(ctx, cutoff); err != nil {
			zlog.Error("stale task recovery failed", zap.Error(err))
		} else if n > 0 {
			zlog.Warn("requeued stale tasks", zap.Int64("count", n))
		}
	})

	handler.NewWebhookHandler(submitUC, cfg.Automation.WebhookSecret).RegisterRoutes(app)
	handler.NewApplicationHandler(submitUC, dismissalRepo).RegisterRoutes(app)
	handler.NewOpsHandler(exec, ingestUC, schedUC, zlog).RegisterRoutes(app)

	go func() {
		zlog.Info("server listening", zap.String("port", cfg.App.Port))
		if err := app.Listen(cfg.App.Port); err != nil {
			zlog.Fatal("server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		zlog.Error("http shutdown failed", zap.Error(err))
	}

	stopWorkers()
	pool.Wait()

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	zlog.Info("shutdown complete")
}

// runEvery drives a periodic job until the context ends. The first run
// happens after one full interval; startup is not a tick.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

func ConnectDB(cfg config.Config, zlog *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{})
	if err != nil {
		zlog.Fatal("could not connect to database", zap.Error(err))
	}
	pgDB, err := db.DB()
	if err != nil {
		zlog.Fatal("could not get database instance", zap.Error(err))
	}
	if cfg.App.Env != "production" {
		pgDB.SetMaxIdleConns(5)
		pgDB.SetMaxOpenConns(10)
		pgDB.SetConnMaxLifetime(30 * time.Minute)
	} else {
		pgDB.SetMaxIdleConns(20)
		pgDB.SetMaxOpenConns(200)
		pgDB.SetConnMaxLifetime(time.Hour)
	}

	for _, ext := range []string{
		`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`,
		`CREATE EXTENSION IF NOT EXISTS vector`,
	} {
		if err := db.Exec(ext).Error; err != nil {
			zlog.Fatal("extension setup failed", zap.String("stmt", ext), zap.Error(err))
		}
	}

	err = db.AutoMigrate(
		&model.JobPosting{},
		&model.Profile{},
		&model.Application{},
		&model.Task{},
		&model.Dismissal{},
		&model.IngestCursor{},
		&model.CircuitState{},
	)
	if err != nil {
		zlog.Fatal("migration failed", zap.Error(err))
	}

	// Partial unique indexes carry the idempotency guarantees; gorm
	// tags cannot express the WHERE clause.
	for _, idx := range []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_applications_active_pair
		   ON applications (profile_id, job_id) WHERE status <> 'failed'`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_active_dedupe
		   ON tasks (dedupe_key) WHERE status IN ('pending', 'running')`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_job_postings_embedding
		   ON job_postings USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)`, cfg.Vector.IndexLists),
	} {
		if err := db.Exec(idx).Error; err != nil {
			zlog.Fatal("index setup failed", zap.Error(err))
		}
	}

	return db
}
