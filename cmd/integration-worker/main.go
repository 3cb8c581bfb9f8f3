// The integration worker bridges one external chat platform to one agent.
// It is spawned by the manager with --agent-id and --integration-settings
// and relays messages between the platform and the agent's Redis channels.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/botfleet/botfleet/internal/channels"
	"github.com/botfleet/botfleet/internal/common/config"
	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/internal/runtime"
	v1 "github.com/botfleet/botfleet/pkg/api/v1"
)

func main() {
	agentID := flag.String("agent-id", "", "agent this integration serves (required)")
	settingsJSON := flag.String("integration-settings", "", "integration settings as JSON (required)")
	flag.Parse()

	if *agentID == "" {
		fmt.Fprintln(os.Stderr, "missing required flag: --agent-id")
		os.Exit(1)
	}
	if *settingsJSON == "" {
		fmt.Fprintln(os.Stderr, "missing required flag: --integration-settings")
		os.Exit(1)
	}

	var integ v1.IntegrationSettings
	if err := json.Unmarshal([]byte(*settingsJSON), &integ); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid --integration-settings: %v\n", err)
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

	log.Info("Starting integration worker",
		zap.String("agent_id", *agentID),
		zap.String("integration", integ.Type),
		zap.Int("pid", os.Getpid()))

	// 3. Build the channel adapter and its shell
	factory, err := channels.New(integ, log)
	if err != nil {
		log.WithError(err).Error("invalid integration settings")
		log.Sync()
		os.Exit(1)
	}
	sh := channels.NewShell(*agentID, integ.Type, cfg.History.QueueName,
		runtime.RedisDial(cfg.Redis.URL, log), factory, log)

	// 4. Translate signals into a graceful stop; a second signal aborts.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		sh.Shutdown()
		<-sigCh
		os.Exit(1)
	}()

	// 5. Run until shutdown
	if err := sh.Run(context.Background()); err != nil {
		log.WithError(err).Error("integration worker failed")
		log.Sync()
		os.Exit(1)
	}

	log.Info("Integration worker stopped",
		zap.String("agent_id", *agentID),
		zap.String("integration", integ.Type))
}
