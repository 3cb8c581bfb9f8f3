// Package status provides typed access to the per-process status hashes in
// Redis. Reads reconcile recorded PIDs against the OS so callers never see a
// stale live status for a process that died.
package status

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/internal/proc"
	v1 "github.com/botfleet/botfleet/pkg/api/v1"
)

// Hash field names of a status record.
const (
	FieldStatus          = "status"
	FieldPID             = "pid"
	FieldLastActive      = "last_active"
	FieldErrorDetail     = "error_detail"
	FieldStartAttemptUTC = "start_attempt_utc"
)

const scanBatchSize = 100

// Client is the subset of redis.Client the store depends on.
type Client interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// Record is one process status hash decoded into typed fields. Zero values
// stand in for fields absent from the hash.
type Record struct {
	Status          v1.ProcessStatus
	PID             int
	LastActive      int64
	ErrorDetail     string
	StartAttemptUTC string
}

// Store reads and writes process status records.
type Store struct {
	client Client
	prober func(pid int) bool
	logger *logger.Logger
}

// NewStore creates a status store backed by the given Redis client.
func NewStore(client Client, log *logger.Logger) *Store {
	return &Store{
		client: client,
		prober: proc.Alive,
		logger: log.WithFields(zap.String("component", "status_store")),
	}
}

// SetProber overrides the PID liveness probe. The supervisor installs the
// launcher's probe, which also knows about spawned children that exited but
// would still answer a bare signal 0 until reaped.
func (s *Store) SetProber(p func(pid int) bool) {
	if p != nil {
		s.prober = p
	}
}

// Get returns the record stored under key. An empty hash yields a synthetic
// not_found record. A live status whose PID no longer exists is rewritten to
// error_process_lost before it is returned.
func (s *Store) Get(ctx context.Context, key string) (Record, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("read status %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Record{Status: v1.StatusNotFound}, nil
	}

	rec := s.decode(key, fields)
	if rec.Status.IsLive() && rec.PID > 0 && !s.prober(rec.PID) {
		return s.markProcessLost(ctx, key, rec)
	}
	return rec, nil
}

// GetAgent returns the agent's record, falling back to the legacy key form
// when the primary key is missing.
func (s *Store) GetAgent(ctx context.Context, agentID string) (Record, error) {
	rec, err := s.Get(ctx, AgentKey(agentID))
	if err != nil || rec.Status != v1.StatusNotFound {
		return rec, err
	}
	return s.Get(ctx, LegacyAgentKey(agentID))
}

// GetIntegration returns the record of an integration worker.
func (s *Store) GetIntegration(ctx context.Context, integrationType, agentID string) (Record, error) {
	return s.Get(ctx, IntegrationKey(integrationType, agentID))
}

// SetFields applies a partial update to the hash in a single HSET.
func (s *Store) SetFields(ctx context.Context, key string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("write status %s: %w", key, err)
	}
	return nil
}

// MarkStatus sets the status field and replaces the error detail. Passing an
// empty detail clears any detail left over from a previous failure.
func (s *Store) MarkStatus(ctx context.Context, key string, st v1.ProcessStatus, detail string) error {
	return s.SetFields(ctx, key, map[string]interface{}{
		FieldStatus:      string(st),
		FieldErrorDetail: detail,
	})
}

// MarkStarting records a start attempt with its UTC timestamp.
func (s *Store) MarkStarting(ctx context.Context, key string) error {
	return s.SetFields(ctx, key, map[string]interface{}{
		FieldStatus:          string(v1.StatusStarting),
		FieldErrorDetail:     "",
		FieldStartAttemptUTC: time.Now().UTC().Format(time.RFC3339),
	})
}

// MarkRunning records a successful start with the worker's PID.
func (s *Store) MarkRunning(ctx context.Context, key string, pid int) error {
	return s.SetFields(ctx, key, map[string]interface{}{
		FieldStatus:      string(v1.StatusRunning),
		FieldPID:         strconv.Itoa(pid),
		FieldLastActive:  strconv.FormatInt(time.Now().Unix(), 10),
		FieldErrorDetail: "",
	})
}

// Touch refreshes the last_active timestamp.
func (s *Store) Touch(ctx context.Context, key string) error {
	return s.SetFields(ctx, key, map[string]interface{}{
		FieldLastActive: strconv.FormatInt(time.Now().Unix(), 10),
	})
}

// ClearPID removes the pid and last_active fields, used when a process
// transitions to a state that carries no live PID.
func (s *Store) ClearPID(ctx context.Context, key string) error {
	if err := s.client.HDel(ctx, key, FieldPID, FieldLastActive).Err(); err != nil {
		return fmt.Errorf("clear pid %s: %w", key, err)
	}
	return nil
}

// Delete removes the status hash entirely.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("delete status %s: %w", key, err)
	}
	return nil
}

// DeleteAgent removes both the primary and the legacy status keys of an agent.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	if err := s.client.Del(ctx, AgentKey(agentID), LegacyAgentKey(agentID)).Err(); err != nil {
		return fmt.Errorf("delete agent status %s: %w", agentID, err)
	}
	return nil
}

// ScanAgentKeys returns every agent status key currently in Redis.
func (s *Store) ScanAgentKeys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, AgentKeyPattern, scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("scan agent status keys: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// markProcessLost rewrites a live record whose PID is gone. The returned
// record reflects the rewrite so the caller observes the reconciled state
// even if the writes race with another reader.
func (s *Store) markProcessLost(ctx context.Context, key string, rec Record) (Record, error) {
	s.logger.Warn("process missing for live status, reconciling",
		zap.String("key", key),
		zap.Int("pid", rec.PID),
		zap.String("status", string(rec.Status)))

	detail := fmt.Sprintf("process %d not found", rec.PID)
	if err := s.MarkStatus(ctx, key, v1.StatusErrorProcessLost, detail); err != nil {
		return Record{}, err
	}
	if err := s.ClearPID(ctx, key); err != nil {
		return Record{}, err
	}

	rec.Status = v1.StatusErrorProcessLost
	rec.ErrorDetail = detail
	rec.PID = 0
	rec.LastActive = 0
	return rec, nil
}

func (s *Store) decode(key string, fields map[string]string) Record {
	rec := Record{
		Status:          v1.ProcessStatus(fields[FieldStatus]),
		ErrorDetail:     fields[FieldErrorDetail],
		StartAttemptUTC: fields[FieldStartAttemptUTC],
	}
	if raw := fields[FieldPID]; raw != "" {
		pid, err := strconv.Atoi(raw)
		if err != nil {
			s.logger.Warn("invalid pid field in status record",
				zap.String("key", key), zap.String("pid", raw))
		} else {
			rec.PID = pid
		}
	}
	if raw := fields[FieldLastActive]; raw != "" {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.logger.Warn("invalid last_active field in status record",
				zap.String("key", key), zap.String("last_active", raw))
		} else {
			rec.LastActive = ts
		}
	}
	return rec
}
