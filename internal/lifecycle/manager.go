// Package lifecycle implements the start/stop/restart state machine for
// worker processes and the agent- and integration-specific rules layered on
// top of it.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/botfleet/botfleet/internal/common/errors"
	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/internal/metrics"
	"github.com/botfleet/botfleet/internal/proc"
	"github.com/botfleet/botfleet/internal/status"
	v1 "github.com/botfleet/botfleet/pkg/api/v1"
)

// restartReapDelay gives the OS time to reap a force-stopped process before
// its replacement is spawned.
const restartReapDelay = 2 * time.Second

// Process describes one managed worker to the generic state machine.
type Process struct {
	// Kind labels metrics, either metrics.KindAgent or metrics.KindIntegration.
	Kind string

	// Key is the Redis status hash key.
	Key string

	// Name identifies the worker in logs and error messages.
	Name string

	// Argv is the worker command line.
	Argv []string

	// Dir is the working directory for the worker.
	Dir string

	// Env entries are appended to the supervisor's environment so workers
	// inherit the bus and control-plane addresses.
	Env []string
}

// Launcher is the subset of proc.Launcher the state machine needs.
type Launcher interface {
	Spawn(spec proc.LaunchSpec) (int, error)
	SignalGraceful(ctx context.Context, pid int, timeout time.Duration) bool
	Kill(pid int) bool
	Alive(pid int) bool
}

// StatusStore is the subset of status.Store the lifecycle layer depends on.
type StatusStore interface {
	Get(ctx context.Context, key string) (status.Record, error)
	GetAgent(ctx context.Context, agentID string) (status.Record, error)
	GetIntegration(ctx context.Context, integrationType, agentID string) (status.Record, error)
	MarkStarting(ctx context.Context, key string) error
	MarkRunning(ctx context.Context, key string, pid int) error
	MarkStatus(ctx context.Context, key string, st v1.ProcessStatus, detail string) error
	ClearPID(ctx context.Context, key string) error
	Delete(ctx context.Context, key string) error
	DeleteAgent(ctx context.Context, agentID string) error
}

// Manager drives the shared process state machine. Transitions for the same
// status key are serialised by a per-key mutex, so concurrent start requests
// can never spawn a duplicate worker.
type Manager struct {
	store       StatusStore
	launcher    Launcher
	metrics     *metrics.Metrics
	logger      *logger.Logger
	stopTimeout time.Duration
	reapDelay   time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a lifecycle manager.
func NewManager(store StatusStore, launcher Launcher, m *metrics.Metrics, stopTimeout time.Duration, log *logger.Logger) *Manager {
	if stopTimeout <= 0 {
		stopTimeout = 30 * time.Second
	}
	return &Manager{
		store:       store,
		launcher:    launcher,
		metrics:     m,
		logger:      log.WithFields(zap.String("component", "lifecycle")),
		stopTimeout: stopTimeout,
		reapDelay:   restartReapDelay,
		locks:       make(map[string]*sync.Mutex),
	}
}

// Start transitions the process to running. A start against a live status is
// an idempotent no-op.
func (m *Manager) Start(ctx context.Context, p Process) error {
	unlock := m.lock(p.Key)
	defer unlock()
	return m.startLocked(ctx, p)
}

// Stop transitions the process to stopped. Stopping an already-stopped
// process is a no-op. With force the process is killed outright instead of
// being given the graceful window.
func (m *Manager) Stop(ctx context.Context, p Process, force bool) error {
	unlock := m.lock(p.Key)
	defer unlock()
	return m.stopLocked(ctx, p, force)
}

// Restart force-stops the process and starts it again with the same
// settings. The status reads `restarting` for the whole window so observers
// never see the key missing or stopped between the two phases.
func (m *Manager) Restart(ctx context.Context, p Process) error {
	unlock := m.lock(p.Key)
	defer unlock()

	rec, err := m.store.Get(ctx, p.Key)
	if err != nil {
		return err
	}

	if err := m.store.MarkStatus(ctx, p.Key, v1.StatusRestarting, ""); err != nil {
		return err
	}

	if rec.PID > 0 {
		if !m.launcher.Kill(rec.PID) {
			detail := fmt.Sprintf("stop phase: process %d did not exit", rec.PID)
			m.fail(ctx, p, v1.StatusErrorStopFailed, detail)
			return apperrors.StopTimeout(rec.PID, int(m.stopTimeout/time.Second))
		}
		if err := m.store.ClearPID(ctx, p.Key); err != nil {
			return err
		}
	}

	select {
	case <-time.After(m.reapDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := m.startLocked(ctx, p); err != nil {
		return apperrors.Wrap(err, "start phase")
	}
	m.metrics.RecordRestart(p.Kind)
	return nil
}

// Status returns the reconciled record for the key.
func (m *Manager) Status(ctx context.Context, key string) (status.Record, error) {
	return m.store.Get(ctx, key)
}

func (m *Manager) startLocked(ctx context.Context, p Process) error {
	rec, err := m.store.Get(ctx, p.Key)
	if err != nil {
		return err
	}
	// Get already relabelled a dead PID to error_process_lost, so a live
	// status here means a worker really is running.
	if rec.Status.IsLive() {
		m.logger.Info("start requested but process already live",
			zap.String("process", p.Name),
			zap.String("status", string(rec.Status)))
		return nil
	}

	if err := m.store.MarkStarting(ctx, p.Key); err != nil {
		return err
	}

	pid, err := m.launcher.Spawn(proc.LaunchSpec{
		Argv:            p.Argv,
		Dir:             p.Dir,
		Env:             p.Env,
		CaptureOutput:   true,
		NewProcessGroup: true,
	})
	if err != nil {
		m.fail(ctx, p, v1.StatusErrorStartFailed, err.Error())
		m.metrics.RecordStartFailure(p.Kind)
		return apperrors.SpawnFailure(p.Name, err)
	}

	if err := m.store.MarkRunning(ctx, p.Key, pid); err != nil {
		return err
	}

	m.logger.Info("process started", zap.String("process", p.Name), zap.Int("pid", pid))
	m.metrics.RecordStart(p.Kind)
	return nil
}

func (m *Manager) stopLocked(ctx context.Context, p Process, force bool) error {
	rec, err := m.store.Get(ctx, p.Key)
	if err != nil {
		return err
	}

	switch {
	case rec.Status == v1.StatusNotFound || rec.Status == v1.StatusStopped:
		return nil
	case rec.PID == 0:
		// Error states and a starting record without a PID yet have no
		// process to signal. Normalise to stopped.
		if err := m.store.ClearPID(ctx, p.Key); err != nil {
			return err
		}
		return m.store.MarkStatus(ctx, p.Key, v1.StatusStopped, "")
	}

	if err := m.store.MarkStatus(ctx, p.Key, v1.StatusStopping, ""); err != nil {
		return err
	}

	var stopped bool
	if force {
		stopped = m.launcher.Kill(rec.PID)
	} else {
		stopped = m.launcher.SignalGraceful(ctx, rec.PID, m.stopTimeout)
	}
	if !stopped {
		detail := fmt.Sprintf("process %d did not exit within %s", rec.PID, m.stopTimeout)
		m.fail(ctx, p, v1.StatusErrorStopFailed, detail)
		return apperrors.StopTimeout(rec.PID, int(m.stopTimeout/time.Second))
	}

	if err := m.store.ClearPID(ctx, p.Key); err != nil {
		return err
	}
	if err := m.store.MarkStatus(ctx, p.Key, v1.StatusStopped, ""); err != nil {
		return err
	}

	m.logger.Info("process stopped", zap.String("process", p.Name), zap.Bool("force", force))
	m.metrics.RecordStop(p.Kind)
	return nil
}

// fail records an error state, keeping the write best-effort so the original
// failure is what callers see.
func (m *Manager) fail(ctx context.Context, p Process, st v1.ProcessStatus, detail string) {
	m.logger.Error("lifecycle transition failed",
		zap.String("process", p.Name),
		zap.String("status", string(st)),
		zap.String("detail", detail))
	if err := m.store.MarkStatus(ctx, p.Key, st, detail); err != nil {
		m.logger.WithError(err).Error("failed to record error status", zap.String("key", p.Key))
	}
	if st != v1.StatusErrorStopFailed {
		if err := m.store.ClearPID(ctx, p.Key); err != nil {
			m.logger.WithError(err).Error("failed to clear pid", zap.String("key", p.Key))
		}
	}
}

func (m *Manager) lock(key string) func() {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}
