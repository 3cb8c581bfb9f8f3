package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/botfleet/botfleet/internal/common/errors"
	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/internal/metrics"
	"github.com/botfleet/botfleet/internal/status"
	v1 "github.com/botfleet/botfleet/pkg/api/v1"
)

// integrationRequirements is the compile-time set of supported integration
// types and the settings keys each one needs before a worker is spawned.
var integrationRequirements = map[string][]string{
	"telegram": {"token"},
	"whatsapp": {"base_url", "session"},
}

// KnownIntegrationTypes returns the supported integration types, sorted.
func KnownIntegrationTypes() []string {
	types := make([]string, 0, len(integrationRequirements))
	for t := range integrationRequirements {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IntegrationManager applies the lifecycle state machine to messaging
// integration workers.
type IntegrationManager struct {
	mgr    *Manager
	store  StatusStore
	bin    string
	env    []string
	logger *logger.Logger
}

// NewIntegrationManager creates an integration manager. bin is the
// integration worker executable.
func NewIntegrationManager(mgr *Manager, store StatusStore, bin string, env []string, log *logger.Logger) *IntegrationManager {
	return &IntegrationManager{
		mgr:    mgr,
		store:  store,
		bin:    bin,
		env:    env,
		logger: log.WithFields(zap.String("component", "integration_manager")),
	}
}

// Start validates the integration settings and spawns the worker.
func (im *IntegrationManager) Start(ctx context.Context, agentID string, integ v1.IntegrationSettings) error {
	if err := im.validate(agentID, integ); err != nil {
		return err
	}
	p, err := im.process(agentID, integ)
	if err != nil {
		return err
	}
	return im.mgr.Start(ctx, p)
}

// Stop stops the integration worker of the given type.
func (im *IntegrationManager) Stop(ctx context.Context, agentID, integrationType string, force bool) error {
	if err := im.validateType(integrationType); err != nil {
		return err
	}
	if agentID == "" {
		return apperrors.ValidationError("agent_id", "must not be empty")
	}
	return im.mgr.Stop(ctx, im.bareProcess(agentID, integrationType), force)
}

// Restart force-stops and starts the integration worker with the same
// settings.
func (im *IntegrationManager) Restart(ctx context.Context, agentID string, integ v1.IntegrationSettings) error {
	if err := im.validate(agentID, integ); err != nil {
		return err
	}
	p, err := im.process(agentID, integ)
	if err != nil {
		return err
	}
	return im.mgr.Restart(ctx, p)
}

// Status returns the reconciled record of the integration worker.
func (im *IntegrationManager) Status(ctx context.Context, agentID, integrationType string) (status.Record, error) {
	if err := im.validateType(integrationType); err != nil {
		return status.Record{}, err
	}
	return im.store.GetIntegration(ctx, integrationType, agentID)
}

// PurgeStatus removes the status keys of every integration type for the
// agent, part of the deletion cascade.
func (im *IntegrationManager) PurgeStatus(ctx context.Context, agentID string) error {
	for _, t := range KnownIntegrationTypes() {
		if err := im.store.Delete(ctx, status.IntegrationKey(t, agentID)); err != nil {
			return err
		}
	}
	return nil
}

func (im *IntegrationManager) validate(agentID string, integ v1.IntegrationSettings) error {
	if agentID == "" {
		return apperrors.ValidationError("agent_id", "must not be empty")
	}
	if err := im.validateType(integ.Type); err != nil {
		return err
	}

	required := integrationRequirements[integ.Type]
	if len(required) == 0 {
		return nil
	}

	var settings map[string]interface{}
	if len(integ.Settings) > 0 {
		if err := json.Unmarshal(integ.Settings, &settings); err != nil {
			return apperrors.ValidationError("settings", fmt.Sprintf("not a JSON object: %v", err))
		}
	}
	var missing []string
	for _, key := range required {
		val, ok := settings[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		if s, isString := val.(string); isString && s == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return apperrors.ValidationError("settings",
			fmt.Sprintf("%s integration requires %s", integ.Type, strings.Join(missing, ", ")))
	}
	return nil
}

func (im *IntegrationManager) validateType(integrationType string) error {
	if _, ok := integrationRequirements[integrationType]; !ok {
		return apperrors.ValidationError("integration_type",
			fmt.Sprintf("unknown type %q, expected one of %s",
				integrationType, strings.Join(KnownIntegrationTypes(), ", ")))
	}
	return nil
}

func (im *IntegrationManager) process(agentID string, integ v1.IntegrationSettings) (Process, error) {
	payload, err := json.Marshal(integ)
	if err != nil {
		return Process{}, apperrors.ValidationError("settings", fmt.Sprintf("not serialisable: %v", err))
	}
	p := im.bareProcess(agentID, integ.Type)
	p.Argv = append(p.Argv, "--integration-settings", string(payload))
	return p, nil
}

func (im *IntegrationManager) bareProcess(agentID, integrationType string) Process {
	return Process{
		Kind: metrics.KindIntegration,
		Key:  status.IntegrationKey(integrationType, agentID),
		Name: fmt.Sprintf("%s integration for agent %s", integrationType, agentID),
		Argv: []string{im.bin, "--agent-id", agentID},
		Env:  im.env,
	}
}
