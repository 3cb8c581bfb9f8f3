// Package runtime implements the in-process core of an agent worker: the
// bootstrap sequence, the Redis input/output bridge, the control-command
// listener, and graceful shutdown with in-place hot restart.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/botfleet/botfleet/internal/bus"
	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/internal/status"
	v1 "github.com/botfleet/botfleet/pkg/api/v1"
	"github.com/botfleet/botfleet/pkg/envelope"
)

const (
	// configFetchTimeout bounds the bootstrap config fetch.
	configFetchTimeout = 5 * time.Second

	// idleTouchInterval is how often last_active is refreshed while the
	// worker sits idle, keeping the inactivity sweeper honest.
	idleTouchInterval = 30 * time.Second

	// turnGrace is how long an in-flight engine turn may keep running after
	// shutdown is requested.
	turnGrace = 5 * time.Second

	// publishTimeout bounds output publishes, including the ones draining
	// after shutdown.
	publishTimeout = 5 * time.Second

	// teardownTimeout bounds the final status writes of a cycle.
	teardownTimeout = 5 * time.Second

	// resubscribeMin and resubscribeMax bound the exponential backoff after
	// a dropped subscription.
	resubscribeMin = time.Second
	resubscribeMax = 30 * time.Second
)

// turnErrorMessage is the only turn-failure text end users ever see;
// internal detail stays in the logs.
const turnErrorMessage = "an error occurred while generating the response"

// StatusWriter is the slice of the status store a worker needs for its own
// record.
type StatusWriter interface {
	MarkStatus(ctx context.Context, key string, st v1.ProcessStatus, detail string) error
	MarkRunning(ctx context.Context, key string, pid int) error
	Touch(ctx context.Context, key string) error
	ClearPID(ctx context.Context, key string) error
}

// Session bundles one Redis connection's bus and status facets. The runtime
// dials a fresh session per bootstrap cycle and closes it on the way out.
type Session struct {
	Bus    bus.Bus
	Status StatusWriter
	close  func() error
}

// NewSession wraps a bus and status writer sharing one connection.
func NewSession(b bus.Bus, st StatusWriter, close func() error) *Session {
	return &Session{Bus: b, Status: st, close: close}
}

// Close releases the underlying connection.
func (s *Session) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// DialFunc opens a fresh Redis session.
type DialFunc func(ctx context.Context) (*Session, error)

// RedisDial returns the production dialer for the given Redis URL.
func RedisDial(url string, log *logger.Logger) DialFunc {
	return func(ctx context.Context) (*Session, error) {
		client, err := bus.NewRedisClient(ctx, url)
		if err != nil {
			return nil, err
		}
		return NewSession(
			bus.NewRedisBus(client, log),
			status.NewStore(client, log),
			client.Close,
		), nil
	}
}

// Runtime drives one agent worker. Run blocks until a final shutdown and
// re-enters bootstrap in place whenever a restart command arrives, so a
// configuration change never needs a process bounce.
type Runtime struct {
	agentID string
	key     string
	dial    DialFunc
	config  ConfigFetcher
	factory EngineFactory
	logger  *logger.Logger

	// running is the process-wide run flag; cleared exactly once by the
	// first shutdown request, from a signal or the control channel.
	running      atomic.Bool
	needsRestart atomic.Bool

	mu          sync.Mutex
	cancelCycle context.CancelFunc

	pid        func() int
	touchEvery time.Duration
	turnGrace  time.Duration
}

// New creates a runtime for the agent. A nil factory selects the built-in
// local engine.
func New(agentID string, dial DialFunc, config ConfigFetcher, factory EngineFactory, log *logger.Logger) *Runtime {
	if factory == nil {
		factory = NewLocalEngine
	}
	r := &Runtime{
		agentID:    agentID,
		key:        status.AgentKey(agentID),
		dial:       dial,
		config:     config,
		factory:    factory,
		logger:     log.WithAgentID(agentID),
		pid:        os.Getpid,
		touchEvery: idleTouchInterval,
		turnGrace:  turnGrace,
	}
	// Armed at construction so a signal landing before Run still stops the
	// first cycle.
	r.running.Store(true)
	return r
}

// Run executes bootstrap cycles until a final shutdown or a bootstrap
// failure. A nil return means a clean stop (exit 0); an error means the
// worker could not come up (exit 1).
func (r *Runtime) Run(ctx context.Context) error {
	for {
		if err := r.runCycle(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil || !r.running.Load() || !r.needsRestart.Load() {
			return nil
		}
		r.logger.Info("re-entering bootstrap for hot restart")
	}
}

// Shutdown requests a final stop. It is idempotent and safe to call from
// signal handlers; repeated calls on a draining runtime are no-ops.
func (r *Runtime) Shutdown() {
	if r.running.CompareAndSwap(true, false) {
		r.logger.Info("shutdown requested")
	}
	r.mu.Lock()
	if r.cancelCycle != nil {
		r.cancelCycle()
	}
	r.mu.Unlock()
}

// runCycle performs one bootstrap-listen-teardown pass. It returns an error
// only when bootstrap failed; shutdown and restart both end the cycle with a
// nil error.
func (r *Runtime) runCycle(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	r.setCancel(cancel)
	defer func() {
		r.setCancel(nil)
		cancel()
	}()

	// A shutdown that landed between cycles has no cancel func to fire, so
	// it is re-checked here, after this cycle's cancel is registered.
	if !r.running.Load() {
		r.finalizeWithoutSession(ctx)
		return nil
	}

	r.needsRestart.Store(false)

	// A transient connection announces the worker before its long-lived
	// connection exists, so observers see initializing rather than a stale
	// starting record during slow bootstraps.
	r.transientStatus(ctx, v1.StatusInitializing, "")

	sess, err := r.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			r.finalizeWithoutSession(ctx)
			return nil
		}
		detail := fmt.Sprintf("redis connection failed: %v", err)
		r.logger.WithError(err).Error("bootstrap failed opening redis connection")
		r.transientStatus(ctx, v1.StatusError, detail)
		return fmt.Errorf("open redis connection: %w", err)
	}
	defer sess.Close()

	cfg, err := r.config.Fetch(ctx, r.agentID)
	if err != nil {
		if ctx.Err() != nil {
			r.writeFinal(sess, false)
			return nil
		}
		detail := fmt.Sprintf("config fetch failed: %v", err)
		r.logger.WithError(err).Error("bootstrap failed fetching config")
		r.markError(sess, detail)
		return fmt.Errorf("fetch config: %w", err)
	}

	engine, err := r.factory(cfg)
	if err != nil {
		detail := fmt.Sprintf("engine init failed: %v", err)
		r.logger.WithError(err).Error("bootstrap failed building engine")
		r.markError(sess, detail)
		return fmt.Errorf("build engine: %w", err)
	}

	if err := sess.Status.MarkRunning(ctx, r.key, r.pid()); err != nil {
		r.logger.WithError(err).Error("bootstrap failed writing running status")
		return err
	}
	r.logger.Info("worker running",
		zap.Int("pid", r.pid()),
		zap.Time("config_updated_at", cfg.UpdatedAt))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.inputLoop(ctx, sess, engine)
	}()
	go func() {
		defer wg.Done()
		r.controlLoop(ctx, cancel, sess)
	}()
	wg.Wait()

	restart := r.running.Load() && r.needsRestart.Load() && parent.Err() == nil
	r.writeFinal(sess, restart)
	return nil
}

// inputLoop keeps a subscription on the agent's input channel alive,
// re-subscribing with backoff when the connection drops.
func (r *Runtime) inputLoop(ctx context.Context, sess *Session, engine Engine) {
	backoff := resubscribeMin
	for ctx.Err() == nil {
		sub, err := sess.Bus.Subscribe(ctx, envelope.InputChannel(r.agentID))
		if err != nil {
			r.logger.WithError(err).Warn("input subscription failed, retrying",
				zap.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = resubscribeMin

		r.consumeInputs(ctx, sess, engine, sub)
		sub.Close()
	}
}

// consumeInputs handles envelopes one at a time so outputs are published in
// consumption order. Returns when the cycle ends or the subscription drops.
func (r *Runtime) consumeInputs(ctx context.Context, sess *Session, engine Engine, sub bus.Subscription) {
	idle := time.NewTicker(r.touchEvery)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			if err := sess.Status.Touch(ctx, r.key); err != nil {
				r.logger.WithError(err).Warn("idle last_active refresh failed")
			}
		case payload, ok := <-sub.Messages():
			if !ok {
				r.logger.Warn("input subscription closed")
				return
			}
			r.handleInput(ctx, sess, engine, payload)
		}
	}
}

// handleInput runs one turn for one envelope and publishes exactly one
// output envelope, error or reply.
func (r *Runtime) handleInput(ctx context.Context, sess *Session, engine Engine, payload []byte) {
	if err := sess.Status.Touch(ctx, r.key); err != nil {
		r.logger.WithError(err).Warn("last_active refresh failed")
	}

	var in envelope.Input
	if err := json.Unmarshal(payload, &in); err != nil {
		r.logger.WithError(err).Error("malformed input envelope")
		r.publishOutput(ctx, sess, &envelope.Output{Error: "malformed input envelope"})
		return
	}
	if err := in.Validate(); err != nil {
		r.logger.WithError(err).Error("invalid input envelope")
		r.publishOutput(ctx, sess, &envelope.Output{ThreadID: in.ThreadID, Error: err.Error()})
		return
	}

	turnCtx, cancel := turnContext(ctx, r.turnGrace)
	defer cancel()

	result, err := engine.Turn(turnCtx, &in)
	if err != nil {
		r.logger.WithError(err).WithThreadID(in.ThreadID).Error("engine turn failed")
		r.publishOutput(ctx, sess, &envelope.Output{
			ThreadID: in.ThreadID,
			ChatID:   in.ChatID,
			Channel:  in.Channel,
			Error:    turnErrorMessage,
		})
		return
	}

	r.publishOutput(ctx, sess, &envelope.Output{
		ThreadID:      in.ThreadID,
		ChatID:        in.ChatID,
		Channel:       in.Channel,
		Response:      result.Response,
		MessageObject: result.MessageObject,
		AudioURL:      result.AudioURL,
	})
}

// publishOutput publishes on the agent's output channel. The publish is
// detached from cycle cancellation so a turn finishing inside its grace
// window still delivers its reply.
func (r *Runtime) publishOutput(ctx context.Context, sess *Session, out *envelope.Output) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := bus.PublishJSON(pubCtx, sess.Bus, envelope.OutputChannel(r.agentID), out); err != nil {
		r.logger.WithError(err).WithThreadID(out.ThreadID).Error("output publish failed")
	}
}

// controlLoop keeps a subscription on the agent's control channel alive.
func (r *Runtime) controlLoop(ctx context.Context, cancel context.CancelFunc, sess *Session) {
	backoff := resubscribeMin
	for ctx.Err() == nil {
		sub, err := sess.Bus.Subscribe(ctx, envelope.ControlChannel(r.agentID))
		if err != nil {
			r.logger.WithError(err).Warn("control subscription failed, retrying",
				zap.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = resubscribeMin

		r.consumeControls(ctx, cancel, sub)
		sub.Close()
	}
}

func (r *Runtime) consumeControls(ctx context.Context, cancel context.CancelFunc, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				r.logger.Warn("control subscription closed")
				return
			}

			var cmd envelope.Control
			if err := json.Unmarshal(payload, &cmd); err != nil {
				r.logger.WithError(err).Warn("malformed control command")
				continue
			}

			switch cmd.Command {
			case envelope.CommandShutdown:
				r.logger.Info("shutdown command received")
				r.running.Store(false)
				cancel()
			case envelope.CommandRestart:
				r.logger.Info("restart command received")
				r.needsRestart.Store(true)
				cancel()
			default:
				r.logger.Warn("unknown control command", zap.String("command", cmd.Command))
			}
		}
	}
}

// writeFinal records the cycle's terminal status: restarting when another
// bootstrap follows, stopped (with the PID cleared) on final exit.
func (r *Runtime) writeFinal(sess *Session, restart bool) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if restart {
		if err := sess.Status.MarkStatus(ctx, r.key, v1.StatusRestarting, ""); err != nil {
			r.logger.WithError(err).Error("failed to write restarting status")
		}
		return
	}

	if err := sess.Status.MarkStatus(ctx, r.key, v1.StatusStopped, ""); err != nil {
		r.logger.WithError(err).Error("failed to write stopped status")
	}
	if err := sess.Status.ClearPID(ctx, r.key); err != nil {
		r.logger.WithError(err).Error("failed to clear pid")
	}
}

// markError records a bootstrap failure on the live session.
func (r *Runtime) markError(sess *Session, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := sess.Status.MarkStatus(ctx, r.key, v1.StatusError, detail); err != nil {
		r.logger.WithError(err).Error("failed to write error status")
	}
}

// finalizeWithoutSession records the final stop when no session is open,
// using a dial detached from the already-cancelled cycle context.
func (r *Runtime) finalizeWithoutSession(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	sess, err := r.dial(dialCtx)
	if err != nil {
		r.logger.WithError(err).Warn("final status write skipped")
		return
	}
	defer sess.Close()
	r.writeFinal(sess, false)
}

// transientStatus dials a short-lived session for one status write. Best
// effort: when Redis is unreachable the long-lived dial decides the outcome.
func (r *Runtime) transientStatus(ctx context.Context, st v1.ProcessStatus, detail string) {
	sess, err := r.dial(ctx)
	if err != nil {
		r.logger.WithError(err).Warn("transient status write skipped",
			zap.String("status", string(st)))
		return
	}
	defer sess.Close()

	if err := sess.Status.MarkStatus(ctx, r.key, st, detail); err != nil {
		r.logger.WithError(err).Warn("transient status write failed",
			zap.String("status", string(st)))
	}
}

func (r *Runtime) setCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancelCycle = cancel
	r.mu.Unlock()
}

// turnContext returns a context for one engine turn. It stays live while the
// cycle runs; once the cycle is cancelled the turn gets a grace period
// before it is cancelled too.
func turnContext(cycle context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(cycle, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

// sleepCtx sleeps for d unless the context ends first. Reports whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > resubscribeMax {
		return resubscribeMax
	}
	return d
}
