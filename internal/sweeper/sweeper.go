// Package sweeper stops agent workers that have been idle beyond a
// configurable threshold.
package sweeper

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/internal/metrics"
	"github.com/botfleet/botfleet/internal/status"
	v1 "github.com/botfleet/botfleet/pkg/api/v1"
)

// busErrorPause is how long the sweeper sleeps after a Redis failure before
// trying again.
const busErrorPause = time.Minute

// StatusReader is the subset of status.Store the sweeper scans with.
type StatusReader interface {
	ScanAgentKeys(ctx context.Context) ([]string, error)
	Get(ctx context.Context, key string) (status.Record, error)
}

// AgentStopper is the subset of the agent manager the sweeper acts through.
type AgentStopper interface {
	Stop(ctx context.Context, agentID string, force bool) error
	MarkStopped(ctx context.Context, agentID string) error
}

// Sweeper periodically scans agent status records and gracefully stops the
// idle ones. Reads go through the status store, so PID reconciliation has
// already happened by the time a record is inspected here.
type Sweeper struct {
	store     StatusReader
	agents    AgentStopper
	metrics   *metrics.Metrics
	logger    *logger.Logger
	interval  time.Duration
	idleAfter time.Duration
	pause     time.Duration
	now       func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a sweeper. interval is how often a pass runs; idleAfter is how
// long a running agent may go without activity before it is stopped.
func New(store StatusReader, agents AgentStopper, m *metrics.Metrics, interval, idleAfter time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if idleAfter <= 0 {
		idleAfter = 30 * time.Minute
	}
	return &Sweeper{
		store:     store,
		agents:    agents,
		metrics:   m,
		logger:    log.WithFields(zap.String("component", "sweeper")),
		interval:  interval,
		idleAfter: idleAfter,
		pause:     busErrorPause,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop in the background.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("inactivity sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("idle_after", s.idleAfter))
}

// Stop terminates the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("inactivity sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				// Redis troubles affect every key the same way; back off
				// instead of hammering a dead connection every interval.
				s.logger.WithError(err).Warn("sweep failed, pausing", zap.Duration("pause", s.pause))
				select {
				case <-ctx.Done():
					return
				case <-s.stopCh:
					return
				case <-time.After(s.pause):
				}
			}
		}
	}
}

// Sweep runs one pass over all agent status records. The returned error is a
// Redis failure; per-agent stop failures are logged and do not abort the pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	keys, err := s.store.ScanAgentKeys(ctx)
	if err != nil {
		return err
	}

	swept := 0
	for _, key := range keys {
		agentID, ok := status.AgentIDFromKey(key)
		if !ok {
			continue
		}

		rec, err := s.store.Get(ctx, key)
		if err != nil {
			return err
		}

		switch {
		case rec.Status == v1.StatusErrorProcessLost:
			// Reconciliation already proved the process is gone; nothing to
			// signal, just normalise the record.
			if err := s.agents.MarkStopped(ctx, agentID); err != nil {
				s.logger.WithError(err).WithAgentID(agentID).Warn("failed to normalise lost process")
				continue
			}
			s.logger.WithAgentID(agentID).Info("cleaned up lost agent process")
			swept++

		case rec.Status == v1.StatusRunning && s.idle(rec):
			s.logger.WithAgentID(agentID).Info("stopping idle agent",
				zap.Int64("last_active", rec.LastActive))
			if err := s.agents.Stop(ctx, agentID, false); err != nil {
				s.logger.WithError(err).WithAgentID(agentID).Warn("failed to stop idle agent")
				continue
			}
			swept++
		}
	}

	s.metrics.RecordSweep(swept)
	if swept > 0 {
		s.logger.Info("sweep finished", zap.Int("agents_stopped", swept), zap.Int("agents_scanned", len(keys)))
	}
	return nil
}

// idle reports whether the record's last activity is older than the
// threshold. Records without a last_active field are left alone; the next
// activity or a process-lost reconciliation will settle them.
func (s *Sweeper) idle(rec status.Record) bool {
	if rec.LastActive <= 0 {
		return false
	}
	return s.now().Sub(time.Unix(rec.LastActive, 0)) > s.idleAfter
}
