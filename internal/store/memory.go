package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/botfleet/botfleet/internal/store/models"
)

// MemoryRepository provides in-memory storage for tests and development runs
// without a database.
type MemoryRepository struct {
	agents   map[string]*models.Agent
	messages []*models.ChatMessage
	nextID   int64
	mu       sync.RWMutex
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		agents: make(map[string]*models.Agent),
		nextID: 1,
	}
}

// Close is a no-op for in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

// Agent operations

// CreateAgent inserts a new agent configuration.
func (r *MemoryRepository) CreateAgent(_ context.Context, agent *models.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agent.AgentID]; ok {
		return fmt.Errorf("agent %s: %w", agent.AgentID, ErrDuplicate)
	}
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	stored := *agent
	r.agents[agent.AgentID] = &stored
	return nil
}

// GetAgent retrieves an agent by ID.
func (r *MemoryRepository) GetAgent(_ context.Context, agentID string) (*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	copied := *agent
	return &copied, nil
}

// UpdateAgent updates an existing agent configuration.
func (r *MemoryRepository) UpdateAgent(_ context.Context, agent *models.Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.agents[agent.AgentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agent.AgentID, ErrNotFound)
	}
	agent.CreatedAt = existing.CreatedAt
	agent.UpdatedAt = time.Now().UTC()

	stored := *agent
	r.agents[agent.AgentID] = &stored
	return nil
}

// DeleteAgent deletes an agent by ID.
func (r *MemoryRepository) DeleteAgent(_ context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[agentID]; !ok {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	delete(r.agents, agentID)
	return nil
}

// ListAgents returns all agents ordered by creation time.
func (r *MemoryRepository) ListAgents(_ context.Context) ([]*models.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make([]*models.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		copied := *agent
		agents = append(agents, &copied)
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].AgentID < agents[j].AgentID
		}
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents, nil
}

// Chat history operations

// InsertChatMessage appends one chat history row.
func (r *MemoryRepository) InsertChatMessage(_ context.Context, msg *models.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.ID = r.nextID
	r.nextID++

	stored := *msg
	r.messages = append(r.messages, &stored)
	return nil
}

// ListChatMessages returns messages for a thread in insert order.
func (r *MemoryRepository) ListChatMessages(_ context.Context, agentID, threadID string, limit int) ([]*models.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var messages []*models.ChatMessage
	for _, msg := range r.messages {
		if msg.AgentID != agentID || msg.ThreadID != threadID {
			continue
		}
		copied := *msg
		messages = append(messages, &copied)
		if limit > 0 && len(messages) == limit {
			break
		}
	}
	return messages, nil
}
