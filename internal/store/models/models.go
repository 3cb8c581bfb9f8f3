// Package models defines the persisted entities of the control plane.
package models

import (
	"encoding/json"
	"time"
)

// Agent is a persisted agent configuration. Config is the opaque
// configuration document; the core only ever parses the routing fields out
// of it and stores the rest untouched.
type Agent struct {
	AgentID     string          `json:"agent_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	OwnerID     string          `json:"owner_id,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ChatMessage is one durable chat history row, drained from the history
// queue by the persister.
type ChatMessage struct {
	ID         int64     `json:"id"`
	AgentID    string    `json:"agent_id"`
	ThreadID   string    `json:"thread_id"`
	SenderType string    `json:"sender_type"`
	Content    string    `json:"content"`
	Channel    string    `json:"channel,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
