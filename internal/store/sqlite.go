package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/botfleet/botfleet/internal/store/models"
)

// SQLiteRepository provides SQLite-based storage for single-host and
// development deployments.
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (or creates) the database at dbPath.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// initSchema creates the tables if they don't exist.
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT DEFAULT '',
		owner_id TEXT DEFAULT '',
		config TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL,
		thread_id TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		content TEXT NOT NULL,
		channel TEXT DEFAULT '',
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chat_messages_agent_thread ON chat_messages(agent_id, thread_id);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Agent operations

// CreateAgent inserts a new agent configuration.
func (r *SQLiteRepository) CreateAgent(ctx context.Context, agent *models.Agent) error {
	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, name, description, owner_id, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, agent.AgentID, agent.Name, agent.Description, agent.OwnerID, configText(agent.Config), agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("agent %s: %w", agent.AgentID, ErrDuplicate)
		}
		return err
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (r *SQLiteRepository) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	agent := &models.Agent{}
	var config string
	err := r.db.QueryRowContext(ctx, `
		SELECT agent_id, name, description, owner_id, config, created_at, updated_at
		FROM agents WHERE agent_id = ?
	`, agentID).Scan(&agent.AgentID, &agent.Name, &agent.Description, &agent.OwnerID, &config, &agent.CreatedAt, &agent.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	agent.Config = []byte(config)
	return agent, nil
}

// UpdateAgent updates an existing agent configuration and bumps updated_at.
func (r *SQLiteRepository) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, description = ?, owner_id = ?, config = ?, updated_at = ?
		WHERE agent_id = ?
	`, agent.Name, agent.Description, agent.OwnerID, configText(agent.Config), agent.UpdatedAt, agent.AgentID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent %s: %w", agent.AgentID, ErrNotFound)
	}
	return nil
}

// DeleteAgent deletes an agent by ID.
func (r *SQLiteRepository) DeleteAgent(ctx context.Context, agentID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

// ListAgents returns all agents ordered by creation time.
func (r *SQLiteRepository) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := r.db.QueryContext(ctx, `
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
		var config string
		if err := rows.Scan(&agent.AgentID, &agent.Name, &agent.Description, &agent.OwnerID, &config, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
			return nil, err
		}
		agent.Config = []byte(config)
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// Chat history operations

// InsertChatMessage appends one chat history row.
func (r *SQLiteRepository) InsertChatMessage(ctx context.Context, msg *models.ChatMessage) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO chat_messages (agent_id, thread_id, sender_type, content, channel, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.AgentID, msg.ThreadID, msg.SenderType, msg.Content, msg.Channel, msg.Timestamp.UTC())
	if err != nil {
		return err
	}
	msg.ID, _ = result.LastInsertId()
	return nil
}

// ListChatMessages returns messages for a thread in insert order. limit <= 0
// returns all of them.
func (r *SQLiteRepository) ListChatMessages(ctx context.Context, agentID, threadID string, limit int) ([]*models.ChatMessage, error) {
	query := `
		SELECT id, agent_id, thread_id, sender_type, content, channel, timestamp
		FROM chat_messages WHERE agent_id = ? AND thread_id = ? ORDER BY id
	`
	args := []interface{}{agentID, threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
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

// configText normalises an empty configuration document to an empty object
// so reads never hand callers invalid JSON.
func configText(config []byte) string {
	if len(config) == 0 {
		return "{}"
	}
	return string(config)
}
