package status

import (
	"fmt"
	"strings"
)

const (
	agentKeyPrefix       = "agent_process:"
	integrationKeyPrefix = "integration_process:"
	legacyAgentKeyPrefix = "agent_status:"
	keySuffix            = ":status"

	// AgentKeyPattern matches every agent status key when passed to SCAN.
	AgentKeyPattern = agentKeyPrefix + "*" + keySuffix
)

// AgentKey returns the Redis hash key holding the status of an agent worker.
func AgentKey(agentID string) string {
	return fmt.Sprintf("%s%s%s", agentKeyPrefix, agentID, keySuffix)
}

// IntegrationKey returns the Redis hash key holding the status of an
// integration worker of the given type.
func IntegrationKey(integrationType, agentID string) string {
	return fmt.Sprintf("%s%s:%s%s", integrationKeyPrefix, integrationType, agentID, keySuffix)
}

// LegacyAgentKey returns the transitional key form written by earlier
// deployments. It is read as a fallback and purged on delete, never written.
func LegacyAgentKey(agentID string) string {
	return legacyAgentKeyPrefix + agentID
}

// AgentIDFromKey extracts the agent id from an agent status key. The second
// return is false when the key does not follow the agent key layout.
func AgentIDFromKey(key string) (string, bool) {
	if !strings.HasPrefix(key, agentKeyPrefix) || !strings.HasSuffix(key, keySuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, agentKeyPrefix), keySuffix)
	if id == "" {
		return "", false
	}
	return id, true
}
