// Package server provides the control-plane HTTP and WebSocket surface.
package server

import "encoding/json"

// CreateAgentRequest for registering a new agent configuration.
// AgentID is optional; one is generated when absent.
type CreateAgentRequest struct {
	AgentID     string          `json:"agent_id,omitempty"`
	Name        string          `json:"name" binding:"required"`
	Description string          `json:"description,omitempty"`
	OwnerID     string          `json:"owner_id,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// UpdateAgentRequest for mutating an existing configuration. Nil fields are
// left untouched; a present config document replaces the stored one whole.
type UpdateAgentRequest struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	OwnerID     *string         `json:"owner_id,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}
