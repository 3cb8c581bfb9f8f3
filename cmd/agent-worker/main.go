// The agent worker hosts one agent's conversational runtime. It is spawned
// by the manager with --agent-id and connects back over Redis for messages
// and over HTTP for its configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/botfleet/botfleet/internal/common/config"
	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/internal/runtime"
)

func main() {
	agentID := flag.String("agent-id", "", "agent this worker serves (required)")
	// The settings snapshot from the spawn is advisory; the worker fetches
	// the authoritative config from the manager during bootstrap and again
	// on every restart command.
	flag.String("agent-settings", "", "settings snapshot from the manager (unused)")
	flag.Parse()

	if *agentID == "" {
		fmt.Fprintln(os.Stderr, "missing required flag: --agent-id")
		os.Exit(1)
	}

	// 1. Load configuration
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

	log.Info("Starting agent worker",
		zap.String("agent_id", *agentID),
		zap.Int("pid", os.Getpid()))

	// 3. Build the runtime
	rt := runtime.New(*agentID,
		runtime.RedisDial(cfg.Redis.URL, log),
		runtime.NewConfigClient(cfg.Manager.BaseURL()),
		nil, // built-in local engine
		log)

	// 4. Translate signals into a graceful stop; a second signal aborts.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		rt.Shutdown()
		<-sigCh
		os.Exit(1)
	}()

	// 5. Run until shutdown
	if err := rt.Run(context.Background()); err != nil {
		log.WithError(err).Error("agent worker failed")
		log.Sync()
		os.Exit(1)
	}

	log.Info("Agent worker stopped", zap.String("agent_id", *agentID))
}
