// Package store persists agent configurations and chat history behind a
// backend-agnostic repository interface.
package store

import (
	"context"
	"errors"

	"github.com/botfleet/botfleet/internal/store/models"
)

// ErrNotFound marks lookups of rows that do not exist. Callers branch on it
// with errors.Is to tell a missing record from an infrastructure failure.
var ErrNotFound = errors.New("not found")

// ErrDuplicate marks inserts that would violate a unique constraint.
var ErrDuplicate = errors.New("already exists")

// Repository defines the storage operations of the control plane and the
// history persister.
type Repository interface {
	// Agent operations
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, agentID string) error
	ListAgents(ctx context.Context) ([]*models.Agent, error)

	// Chat history operations
	InsertChatMessage(ctx context.Context, msg *models.ChatMessage) error
	ListChatMessages(ctx context.Context, agentID, threadID string, limit int) ([]*models.ChatMessage, error)

	// Close closes the repository (for database connections)
	Close() error
}
