package lifecycle

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	apperrors "github.com/botfleet/botfleet/internal/common/errors"
	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/internal/metrics"
	"github.com/botfleet/botfleet/internal/status"
	v1 "github.com/botfleet/botfleet/pkg/api/v1"
)

// AgentManager applies the lifecycle state machine to agent workers.
type AgentManager struct {
	mgr    *Manager
	store  StatusStore
	bin    string
	env    []string
	logger *logger.Logger
}

// NewAgentManager creates an agent manager. bin is the agent worker
// executable; env entries are handed to every spawned worker.
func NewAgentManager(mgr *Manager, store StatusStore, bin string, env []string, log *logger.Logger) *AgentManager {
	return &AgentManager{
		mgr:    mgr,
		store:  store,
		bin:    bin,
		env:    env,
		logger: log.WithFields(zap.String("component", "agent_manager")),
	}
}

// Start spawns the agent worker. settings, when present, is handed to the
// worker as --agent-settings.
func (am *AgentManager) Start(ctx context.Context, agentID string, settings json.RawMessage) error {
	if agentID == "" {
		return apperrors.ValidationError("agent_id", "must not be empty")
	}
	return am.mgr.Start(ctx, am.process(agentID, settings))
}

// Stop stops the agent worker.
func (am *AgentManager) Stop(ctx context.Context, agentID string, force bool) error {
	if agentID == "" {
		return apperrors.ValidationError("agent_id", "must not be empty")
	}
	return am.mgr.Stop(ctx, am.process(agentID, nil), force)
}

// Restart force-stops and starts the agent worker with the same settings.
func (am *AgentManager) Restart(ctx context.Context, agentID string, settings json.RawMessage) error {
	if agentID == "" {
		return apperrors.ValidationError("agent_id", "must not be empty")
	}
	return am.mgr.Restart(ctx, am.process(agentID, settings))
}

// Status returns the agent's reconciled status record, reading the legacy
// key form when the primary one is missing.
func (am *AgentManager) Status(ctx context.Context, agentID string) (status.Record, error) {
	return am.store.GetAgent(ctx, agentID)
}

// MarkStopped normalises a dead record to stopped. The sweeper uses it when
// reconciliation already proved the process is gone.
func (am *AgentManager) MarkStopped(ctx context.Context, agentID string) error {
	key := status.AgentKey(agentID)
	if err := am.store.ClearPID(ctx, key); err != nil {
		return err
	}
	return am.store.MarkStatus(ctx, key, v1.StatusStopped, "")
}

// PurgeStatus removes the agent's status keys, both current and legacy.
func (am *AgentManager) PurgeStatus(ctx context.Context, agentID string) error {
	return am.store.DeleteAgent(ctx, agentID)
}

func (am *AgentManager) process(agentID string, settings json.RawMessage) Process {
	argv := []string{am.bin, "--agent-id", agentID}
	if len(settings) > 0 {
		argv = append(argv, "--agent-settings", string(settings))
	}
	return Process{
		Kind: metrics.KindAgent,
		Key:  status.AgentKey(agentID),
		Name: "agent " + agentID,
		Argv: argv,
		Env:  am.env,
	}
}
