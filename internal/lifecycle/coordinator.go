package lifecycle

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/botfleet/botfleet/internal/common/logger"
	v1 "github.com/botfleet/botfleet/pkg/api/v1"
)

// Outcomes maps a component ("agent" or an integration type) to the
// human-readable result of its lifecycle step.
type Outcomes map[string]string

// Coordinator orders lifecycle operations across an agent and its
// integrations. It never retries; each step's outcome is recorded and
// surfaced to the control plane.
type Coordinator struct {
	agents       *AgentManager
	integrations *IntegrationManager
	logger       *logger.Logger
}

// NewCoordinator creates a coordinator over the two managers.
func NewCoordinator(agents *AgentManager, integrations *IntegrationManager, log *logger.Logger) *Coordinator {
	return &Coordinator{
		agents:       agents,
		integrations: integrations,
		logger:       log.WithFields(zap.String("component", "coordinator")),
	}
}

// StartAll starts the agent first and, only if that succeeds, each enabled
// integration from the configuration. The returned error is the agent
// phase's failure; integration failures are reported through the outcomes
// only.
func (c *Coordinator) StartAll(ctx context.Context, agentID string, config json.RawMessage) (Outcomes, error) {
	outcomes := Outcomes{}

	settings, err := v1.ParseSettings(config)
	if err != nil {
		outcomes["agent"] = "invalid configuration: " + err.Error()
		return outcomes, err
	}

	if err := c.agents.Start(ctx, agentID, config); err != nil {
		outcomes["agent"] = err.Error()
		return outcomes, err
	}
	outcomes["agent"] = "started"

	for _, integ := range settings.Integrations {
		if !integ.Enabled {
			continue
		}
		if err := c.integrations.Start(ctx, agentID, integ); err != nil {
			c.logger.WithError(err).Warn("integration start failed",
				zap.String("agent_id", agentID),
				zap.String("integration_type", integ.Type))
			outcomes[integ.Type] = err.Error()
			continue
		}
		outcomes[integ.Type] = "started"
	}
	return outcomes, nil
}

// StopAll stops every integration named in the configuration first, then the
// agent. force applies to every step. The returned error is the agent
// phase's failure.
func (c *Coordinator) StopAll(ctx context.Context, agentID string, config json.RawMessage, force bool) (Outcomes, error) {
	outcomes := Outcomes{}

	settings, err := v1.ParseSettings(config)
	if err != nil {
		// A broken config must not make an agent unstoppable.
		c.logger.WithError(err).Warn("stopping with unparseable configuration",
			zap.String("agent_id", agentID))
	}

	for _, integ := range settings.Integrations {
		if err := c.integrations.Stop(ctx, agentID, integ.Type, force); err != nil {
			c.logger.WithError(err).Warn("integration stop failed",
				zap.String("agent_id", agentID),
				zap.String("integration_type", integ.Type))
			outcomes[integ.Type] = err.Error()
			continue
		}
		outcomes[integ.Type] = "stopped"
	}

	if err := c.agents.Stop(ctx, agentID, force); err != nil {
		outcomes["agent"] = err.Error()
		return outcomes, err
	}
	outcomes["agent"] = "stopped"
	return outcomes, nil
}
