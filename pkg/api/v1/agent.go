package v1

import (
	"encoding/json"
	"time"
)

// ToolSettings configures knowledge retrieval for an agent.
type ToolSettings struct {
	KnowledgeBaseIDs []string `json:"knowledge_base_ids,omitempty"`
	RetrievalLimit   int      `json:"retrieval_limit,omitempty"`
	RewriteAttempts  int      `json:"rewrite_attempts,omitempty"`
}

// IntegrationSettings describes one messaging integration attached to an
// agent. Settings is opaque to the core and is handed to the integration
// worker on its command line.
type IntegrationSettings struct {
	Type     string          `json:"type"`
	Enabled  bool            `json:"enabled"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// AgentSettings is the typed view of an agent's configuration document.
// The core only routes on these fields; the full document is stored and
// transported as raw JSON so unknown keys survive round-trips.
type AgentSettings struct {
	ModelProvider string                `json:"model_provider,omitempty"`
	ModelID       string                `json:"model_id,omitempty"`
	Temperature   float64               `json:"temperature,omitempty"`
	SystemPrompt  string                `json:"system_prompt,omitempty"`
	MemoryEnabled bool                  `json:"memory_enabled,omitempty"`
	MemoryDepth   int                   `json:"memory_depth,omitempty"`
	Tools         *ToolSettings         `json:"tools,omitempty"`
	Integrations  []IntegrationSettings `json:"integrations,omitempty"`
}

// ParseSettings decodes the typed view out of a raw configuration document.
// A nil or empty document yields zero-valued settings.
func ParseSettings(raw json.RawMessage) (AgentSettings, error) {
	var s AgentSettings
	if len(raw) == 0 {
		return s, nil
	}
	err := json.Unmarshal(raw, &s)
	return s, err
}

// AgentResponse is an agent configuration joined with its current status.
type AgentResponse struct {
	AgentID     string          `json:"agent_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	OwnerID     string          `json:"owner_id,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	Status      ProcessStatus   `json:"status"`
	PID         *int            `json:"pid,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AgentsListResponse for listing agents
type AgentsListResponse struct {
	Agents []AgentResponse `json:"agents"`
	Total  int             `json:"total"`
}

// AgentConfigResponse is the effective configuration served to a freshly
// spawned child over the internal config endpoint.
type AgentConfigResponse struct {
	AgentID   string          `json:"agent_id"`
	Name      string          `json:"name"`
	Config    json.RawMessage `json:"config,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// StatusResponse is the reconciled process status record.
type StatusResponse struct {
	AgentID         string        `json:"agent_id"`
	IntegrationType string        `json:"integration_type,omitempty"`
	Status          ProcessStatus `json:"status"`
	PID             *int          `json:"pid,omitempty"`
	LastActive      *int64        `json:"last_active,omitempty"`
	ErrorDetail     string        `json:"error_detail,omitempty"`
	StartAttemptUTC string        `json:"start_attempt_utc,omitempty"`
}

// LifecycleResponse acknowledges an accepted lifecycle command. The actual
// state transition is observable via the status endpoint. Coordinated
// commands additionally report a per-component outcome map.
type LifecycleResponse struct {
	AgentID  string            `json:"agent_id"`
	Action   string            `json:"action"`
	Message  string            `json:"message"`
	Outcomes map[string]string `json:"outcomes,omitempty"`
}

// HealthResponse for health check
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
