// Command runtimed is the process-orchestration core's daemon entrypoint:
// it wires the configured event bus tier, the transactional outbox
// publisher, the process orchestrator, the entity-event bridge, the cron
// scheduler, the human-task timeout worker, and the admin HTTP surface, then
// serves until an interrupt signal arrives.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dazzle-run/runtime/internal/application/services"
	"github.com/dazzle-run/runtime/internal/domain/ports"
	"github.com/dazzle-run/runtime/internal/infrastructure/database"
	"github.com/dazzle-run/runtime/internal/infrastructure/persistence"
	"github.com/dazzle-run/runtime/internal/infrastructure/tier"
	"github.com/dazzle-run/runtime/internal/interfaces/middleware"
	"github.com/dazzle-run/runtime/internal/interfaces/rest"
	"github.com/dazzle-run/runtime/pkg/config"
)

func main() {
	cfg := config.Load()

	conn, err := database.GetInstance()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Println("✅ Database connection established")

	ctx := context.Background()
	bus, tierName, err := tier.Build(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build event bus: %v", err)
	}
	log.Printf("🚌 Event bus tier: %s", tierName)

	db := conn.DB()
	txManager := persistence.NewTransactionManager(conn)
	processRepo := persistence.NewProcessRepository(db)
	versionRepo := persistence.NewVersionRepository(db)
	outboxRepo := persistence.NewOutboxRepository(db)

	publisher := services.NewOutboxPublisher(outboxRepo, bus, ports.SystemClock{}, services.OutboxPublisherConfig{
		PollInterval: cfg.PublisherPollInterval,
		BatchSize:    cfg.PublisherBatchSize,
		MaxAttempts:  cfg.PublisherMaxAttempts,
		LeaseSeconds: cfg.PublisherLeaseSeconds,
	})

	orchestrator := services.NewOrchestrator(txManager, processRepo)
	bridge := services.NewBridgeService(orchestrator)
	scheduler := services.NewSchedulerService(orchestrator)
	timeoutWorker := services.NewTaskTimeoutWorker(orchestrator, 30*time.Second, 24*time.Hour)
	versions := services.NewVersionService(versionRepo, processRepo)
	drainWatcher := services.NewDrainWatcher(versions, cfg.DrainWatcherInterval, cfg.DrainWatcherAutoComplete)

	// bridge has no HTTP surface of its own: the embedding application calls
	// RegisterTrigger/OnEntityCreated/OnEntityUpdated/OnEntityDeleted
	// directly from its own entity persistence layer.
	_ = bridge

	router := gin.Default()
	router.Use(middleware.Logger(), middleware.Recovery(), middleware.Cors())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "tier": tierName})
	})

	adminHandler := rest.NewAdminHandler(orchestrator, publisher, outboxRepo, bus, versions)
	admin := router.Group("/admin")
	{
		admin.GET("/runs", adminHandler.ListRuns)
		admin.POST("/runs", adminHandler.StartRun)
		admin.POST("/runs/:id/cancel", adminHandler.CancelRun)
		admin.GET("/tasks", adminHandler.ListTasks)
		admin.POST("/tasks/:id/complete", adminHandler.CompleteTask)
		admin.POST("/tasks/:id/reassign", adminHandler.ReassignTask)
		admin.GET("/topics", adminHandler.ListTopics)
		admin.GET("/topics/:topic/dlq", adminHandler.TopicDLQ)
		admin.POST("/outbox/:id/retry", adminHandler.RetryOutboxEntry)
		admin.POST("/versions/:id/deploy", adminHandler.DeployVersion)
		admin.POST("/versions/migrations", adminHandler.StartMigration)
		admin.POST("/migrations/:id/complete", adminHandler.CompleteMigration)
		admin.POST("/migrations/:id/rollback", adminHandler.RollbackMigration)
		admin.GET("/publisher", adminHandler.PublisherStatus)
	}

	publisher.Start()
	log.Println("📤 Outbox publisher started")
	scheduler.Start(30 * time.Second)
	log.Println("⏰ Scheduler service started")
	timeoutWorker.Start()
	log.Println("⏰ Task timeout worker started")
	drainWatcher.Start()
	log.Println("⏳ Drain watcher started")

	srv := &http.Server{
		Addr:    cfg.AdminHTTPAddr,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start admin server: %v", err)
		}
	}()

	log.Println("═══════════════════════════════════════════════════════════════")
	log.Println("🚀 dazzle runtime core started")
	log.Println("═══════════════════════════════════════════════════════════════")
	log.Printf("📍 Admin API: http://localhost%s/admin", cfg.AdminHTTPAddr)
	log.Printf("💚 Health check: http://localhost%s/health", cfg.AdminHTTPAddr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down runtime core...")

	timeoutWorker.Stop()
	log.Println("🛑 Task timeout worker stopped")
	scheduler.Stop()
	log.Println("🛑 Scheduler stopped")
	drainWatcher.Stop()
	log.Println("🛑 Drain watcher stopped")
	publisher.Stop()
	log.Println("🛑 Outbox publisher stopped")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Admin server forced to shutdown: %v", err)
	}
	if err := bus.Close(); err != nil {
		log.Printf("⚠️  error closing event bus: %v", err)
	}
	if err := conn.Close(); err != nil {
		log.Printf("⚠️  error closing database connection: %v", err)
	}

	log.Println("Runtime core exiting")
}
