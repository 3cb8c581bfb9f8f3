package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/botfleet/botfleet/internal/bus"
	"github.com/botfleet/botfleet/internal/common/config"
	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/internal/history"
	"github.com/botfleet/botfleet/internal/lifecycle"
	"github.com/botfleet/botfleet/internal/metrics"
	"github.com/botfleet/botfleet/internal/proc"
	"github.com/botfleet/botfleet/internal/server"
	"github.com/botfleet/botfleet/internal/status"
	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/internal/sweeper"
)

func main() {
	// 1. Load configuration (.env first so local overrides are visible to viper)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting BotFleet manager...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to Redis (message bus + status store + history queue)
	redisClient, err := bus.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	messageBus := bus.NewRedisBus(redisClient, log)
	defer messageBus.Close()
	log.Info("Connected to Redis", zap.String("url", cfg.Redis.URL))

	// 5. Open the agent store
	repo, err := store.NewRepository(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to open agent store", zap.Error(err))
	}
	defer repo.Close()

	// 6. Initialize metrics registry
	m := metrics.New()

	// 7. Initialize process launcher and status store
	launcher := proc.NewLauncher(log)
	statusStore := status.NewStore(redisClient, log)
	statusStore.SetProber(launcher.Alive)

	// 8. Initialize lifecycle managers. Workers inherit the connection
	// settings through their environment.
	workerEnv := []string{
		"REDIS_URL=" + cfg.Redis.URL,
		"MANAGER_HOST=" + cfg.Manager.Host,
		fmt.Sprintf("MANAGER_PORT=%d", cfg.Manager.Port),
		"REDIS_HISTORY_QUEUE_NAME=" + cfg.History.QueueName,
	}
	mgr := lifecycle.NewManager(statusStore, launcher, m, cfg.Worker.StopTimeoutDuration(), log)
	agents := lifecycle.NewAgentManager(mgr, statusStore, cfg.Worker.AgentBin, workerEnv, log)
	integrations := lifecycle.NewIntegrationManager(mgr, statusStore, cfg.Worker.IntegrationBin, workerEnv, log)
	coordinator := lifecycle.NewCoordinator(agents, integrations, log)

	// 9. Start the inactivity sweeper
	sw := sweeper.New(statusStore, agents, m,
		cfg.Sweeper.CheckIntervalDuration(), cfg.Sweeper.InactivityTimeoutDuration(), log)
	sw.Start(ctx)

	// 10. Start the history persister
	persister := history.New(messageBus, repo, cfg.History.QueueName, m, log)
	persister.Start(ctx)

	// 11. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := server.NewHandler(server.Deps{
		Repo:         repo,
		Agents:       agents,
		Integrations: integrations,
		Coordinator:  coordinator,
		Bus:          messageBus,
		Metrics:      m,
		HistoryQueue: cfg.History.QueueName,
	}, log)
	router := server.NewRouter(handler, log)

	// 12. Create HTTP server
	srv := &http.Server{
		Addr:         cfg.Manager.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Manager.ReadTimeoutDuration(),
		WriteTimeout: cfg.Manager.WriteTimeoutDuration(),
	}

	// 13. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down BotFleet manager...")

	// 15. Graceful shutdown. The HTTP surface goes first so no new work
	// arrives while the background loops drain.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	sw.Stop()
	persister.Stop()
	cancel()

	log.Info("BotFleet manager stopped")
}
