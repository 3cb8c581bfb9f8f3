package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botfleet/botfleet/internal/store/models"
)

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = "23505"

// PostgresRepository provides Postgres-based storage behind a pgx connection
// pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// Ensure PostgresRepository implements Repository interface
var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository connects to the database, verifies the connection,
// and creates the schema if needed.
func NewPostgresRepository(ctx context.Context, url string, maxConns, minConns int) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if maxConns > 0 {
		poolConfig.MaxConns = int32(maxConns)
	}
	if minConns > 0 {
		poolConfig.MinConns = int32(minConns)
	}
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &PostgresRepository{pool: pool}
	if err := repo.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		owner_id TEXT NOT NULL DEFAULT '',
		config JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id BIGSERIAL PRIMARY KEY,
		agent_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		content TEXT NOT NULL,
		channel TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chat_messages_agent_thread ON chat_messages(agent_id, thread_id);
	`

	_, err := r.pool.Exec(ctx, schema)
	return err
}

// Close closes the connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Ping verifies the database connection is still alive.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Agent operations

// CreateAgent inserts a new agent configuration.
func (r *PostgresRepository) CreateAgent(ctx context.Context, agent *models.Agent) error {
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	_, err := r.pool.Exec(ctx, `
		INSERT INTO agents (agent_id, name, description, owner_id, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, agent.AgentID, agent.Name, agent.Description, agent.OwnerID, configText(agent.Config), agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("agent %s: %w", agent.AgentID, ErrDuplicate)
		}
		return err
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (r *PostgresRepository) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	agent := &models.Agent{}
	var config []byte
	err := r.pool.QueryRow(ctx, `
		SELECT agent_id, name, description, owner_id, config, created_at, updated_at
		FROM agents WHERE agent_id = $1
	`, agentID).Scan(&agent.AgentID, &agent.Name, &agent.Description, &agent.OwnerID, &config, &agent.CreatedAt, &agent.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	agent.Config = config
	return agent, nil
}

// UpdateAgent updates an existing agent configuration and bumps updated_at.
func (r *PostgresRepository) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now().UTC()

	tag, err := r.pool.Exec(ctx, `
		UPDATE agents SET name = $1, description = $2, owner_id = $3, config = $4, updated_at = $5
		WHERE agent_id = $6
	`, agent.Name, agent.Description, agent.OwnerID, configText(agent.Config), agent.UpdatedAt, agent.AgentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agent.AgentID, ErrNotFound)
	}
	return nil
}

// DeleteAgent deletes an agent by ID.
func (r *PostgresRepository) DeleteAgent(ctx context.Context, agentID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// ListAgents returns all agents ordered by creation time.
func (r *PostgresRepository) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT agent_id, name, description, owner_id, config, created_at, updated_at
		FROM agents ORDER BY created_at, agent_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent := &models.Agent{}
		var config []byte
		if err := rows.Scan(&agent.AgentID, &agent.Name, &agent.Description, &agent.OwnerID, &config, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
			return nil, err
		}
		agent.Config = config
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// Chat history operations

// InsertChatMessage appends one chat history row.
func (r *PostgresRepository) InsertChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO chat_messages (agent_id, thread_id, sender_type, content, channel, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, msg.AgentID, msg.ThreadID, msg.SenderType, msg.Content, msg.Channel, msg.Timestamp.UTC()).Scan(&msg.ID)
}

// ListChatMessages returns messages for a thread in insert order. limit <= 0
// returns all of them.
func (r *PostgresRepository) ListChatMessages(ctx context.Context, agentID, threadID string, limit int) ([]*models.ChatMessage, error) {
	query := `
		SELECT id, agent_id, thread_id, sender_type, content, channel, timestamp
		FROM chat_messages WHERE agent_id = $1 AND thread_id = $2 ORDER BY id
	`
	args := []interface{}{agentID, threadID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.ChatMessage
	for rows.Next() {
		msg := &models.ChatMessage{}
		if err := rows.Scan(&msg.ID, &msg.AgentID, &msg.ThreadID, &msg.SenderType, &msg.Content, &msg.Channel, &msg.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
