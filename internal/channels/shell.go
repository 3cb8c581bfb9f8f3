package channels

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
	"github.com/botfleet/botfleet/internal/runtime"
	"github.com/botfleet/botfleet/internal/status"
	v1 "github.com/botfleet/botfleet/pkg/api/v1"
	"github.com/botfleet/botfleet/pkg/envelope"
)

const (
	// publishTimeout bounds input publishes and history pushes.
	publishTimeout = 5 * time.Second

	// deliverTimeout bounds one outbound delivery through the channel's
	// native protocol.
	deliverTimeout = 30 * time.Second

	// teardownTimeout bounds the final status writes of a cycle.
	teardownTimeout = 5 * time.Second

	// resubscribeMin and resubscribeMax bound the exponential backoff after
	// a dropped subscription or protocol connection.
	resubscribeMin = time.Second
	resubscribeMax = 30 * time.Second
)

// Shell runs one channel adapter against an agent's bus channels: inbound
// messages become input envelopes with a stable per-conversation thread,
// matching output envelopes are delivered back through the adapter, and
// control commands are honoured exactly as an agent worker honours them.
type Shell struct {
	agentID      string
	channelType  string
	key          string
	historyQueue string
	dial         runtime.DialFunc
	factory      Factory
	logger       *logger.Logger

	// running is the process-wide run flag; cleared exactly once by the
	// first shutdown request, from a signal or the control channel.
	running      atomic.Bool
	needsRestart atomic.Bool

	mu          sync.Mutex
	cancelCycle context.CancelFunc

	pid func() int
}

// NewShell creates the shell for one (agent, channel) pair. An empty history
// queue selects the default.
func NewShell(agentID, channelType, historyQueue string, dial runtime.DialFunc, factory Factory, log *logger.Logger) *Shell {
	if historyQueue == "" {
		historyQueue = envelope.DefaultHistoryQueue
	}
	s := &Shell{
		agentID:      agentID,
		channelType:  channelType,
		key:          status.IntegrationKey(channelType, agentID),
		historyQueue: historyQueue,
		dial:         dial,
		factory:      factory,
		logger:       log.WithAgentID(agentID).WithFields(zap.String("channel", channelType)),
		pid:          os.Getpid,
	}
	// Armed at construction so a signal landing before Run still stops the
	// first cycle.
	s.running.Store(true)
	return s
}

// Run executes bootstrap cycles until a final shutdown or a failure. A nil
// return means a clean stop (exit 0); an error means the channel could not
// come up or died (exit 1).
func (s *Shell) Run(ctx context.Context) error {
	for {
		if err := s.runCycle(ctx); err != nil {
			return err
		}
		if ctx.Err() != nil || !s.running.Load() || !s.needsRestart.Load() {
			return nil
		}
		s.logger.Info("re-entering bootstrap for hot restart")
	}
}

// Shutdown requests a final stop. Idempotent and safe from signal handlers.
func (s *Shell) Shutdown() {
	if s.running.CompareAndSwap(true, false) {
		s.logger.Info("shutdown requested")
	}
	s.mu.Lock()
	if s.cancelCycle != nil {
		s.cancelCycle()
	}
	s.mu.Unlock()
}

// runCycle performs one bootstrap-listen-teardown pass. It returns an error
// when the adapter could not be built or its protocol loop died; shutdown
// and restart both end the cycle with a nil error.
func (s *Shell) runCycle(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	s.setCancel(cancel)
	defer func() {
		s.setCancel(nil)
		cancel()
	}()

	// A shutdown that landed between cycles has no cancel func to fire, so
	// it is re-checked here, after this cycle's cancel is registered.
	if !s.running.Load() {
		s.finalizeWithoutSession(ctx)
		return nil
	}

	s.needsRestart.Store(false)

	s.transientStatus(ctx, v1.StatusInitializing, "")

	sess, err := s.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.finalizeWithoutSession(ctx)
			return nil
		}
		detail := fmt.Sprintf("redis connection failed: %v", err)
		s.logger.WithError(err).Error("bootstrap failed opening redis connection")
		s.transientStatus(ctx, v1.StatusError, detail)
		return fmt.Errorf("open redis connection: %w", err)
	}
	defer sess.Close()

	adapter, err := s.factory()
	if err != nil {
		detail := fmt.Sprintf("adapter init failed: %v", err)
		s.logger.WithError(err).Error("bootstrap failed building adapter")
		s.markError(sess, detail)
		return fmt.Errorf("build adapter: %w", err)
	}

	if err := sess.Status.MarkRunning(ctx, s.key, s.pid()); err != nil {
		s.logger.WithError(err).Error("bootstrap failed writing running status")
		return err
	}
	s.logger.Info("channel worker running",
		zap.String("adapter", adapter.Name()),
		zap.Int("pid", s.pid()))

	var runErr error
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := adapter.Run(ctx, s.sink(sess)); err != nil && ctx.Err() == nil {
			s.logger.WithError(err).Error("channel adapter failed")
			s.markError(sess, fmt.Sprintf("channel adapter failed: %v", err))
			runErr = err
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		s.outputLoop(ctx, sess, adapter)
	}()
	go func() {
		defer wg.Done()
		s.controlLoop(ctx, cancel, sess)
	}()
	wg.Wait()

	if runErr != nil {
		return fmt.Errorf("run adapter: %w", runErr)
	}

	restart := s.running.Load() && s.needsRestart.Load() && parent.Err() == nil
	s.writeFinal(sess, restart)
	return nil
}

// sink returns the inbound path for this cycle's session.
func (s *Shell) sink(sess *runtime.Session) Sink {
	return func(ctx context.Context, msg Inbound) {
		s.handleInbound(ctx, sess, msg)
	}
}

// handleInbound publishes one end-user message as an input envelope and
// enqueues the matching user history record. Publishes are detached from
// cycle cancellation so a message accepted just before shutdown still lands.
func (s *Shell) handleInbound(ctx context.Context, sess *runtime.Session, msg Inbound) {
	threadID := ThreadID(s.channelType, s.agentID, msg.ChatID)
	in := &envelope.Input{
		Text:           msg.Text,
		ChatID:         msg.ChatID,
		PlatformUserID: msg.PlatformUserID,
		ThreadID:       threadID,
		UserData:       msg.UserData,
		Channel:        s.channelType,
	}
	if err := in.Validate(); err != nil {
		s.logger.WithError(err).Warn("dropping inbound message")
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := bus.PublishJSON(pubCtx, sess.Bus, envelope.InputChannel(s.agentID), in); err != nil {
		s.logger.WithError(err).WithThreadID(threadID).Error("input publish failed")
		return
	}

	evt := envelope.NewChatEvent(s.agentID, threadID, envelope.SenderUser, msg.Text, s.channelType)
	if err := bus.PushJSON(pubCtx, sess.Bus, s.historyQueue, evt); err != nil {
		s.logger.WithError(err).Warn("failed to enqueue history event")
	}

	if err := sess.Status.Touch(pubCtx, s.key); err != nil {
		s.logger.WithError(err).Warn("last_active refresh failed")
	}
}

// outputLoop keeps a subscription on the agent's output channel alive,
// re-subscribing with backoff when the connection drops.
func (s *Shell) outputLoop(ctx context.Context, sess *runtime.Session, adapter Adapter) {
	backoff := resubscribeMin
	for ctx.Err() == nil {
		sub, err := sess.Bus.Subscribe(ctx, envelope.OutputChannel(s.agentID))
		if err != nil {
			s.logger.WithError(err).Warn("output subscription failed, retrying",
				zap.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = resubscribeMin

		s.consumeOutputs(ctx, sess, adapter, sub)
		sub.Close()
	}
}

func (s *Shell) consumeOutputs(ctx context.Context, sess *runtime.Session, adapter Adapter, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				s.logger.Warn("output subscription closed")
				return
			}
			s.handleOutput(ctx, sess, adapter, payload)
		}
	}
}

// handleOutput delivers one agent reply addressed to this channel and
// enqueues the matching agent history record. Error envelopes are rendered
// as plain text but never persisted; the agent side already logged them.
func (s *Shell) handleOutput(ctx context.Context, sess *runtime.Session, adapter Adapter, payload []byte) {
	var out envelope.Output
	if err := json.Unmarshal(payload, &out); err != nil {
		s.logger.WithError(err).Warn("malformed output envelope")
		return
	}
	if out.Channel != s.channelType {
		return
	}

	reply := out
	if reply.Response == "" && reply.Error != "" {
		reply.Response = reply.Error
		reply.Error = ""
	}
	if reply.Response == "" && reply.AudioURL == "" {
		return
	}

	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
	defer cancel()

	if err := adapter.Deliver(delCtx, &reply); err != nil {
		s.logger.WithError(err).WithThreadID(out.ThreadID).Error("reply delivery failed")
		return
	}
	if out.Response == "" {
		return
	}

	threadID := out.ThreadID
	if threadID == "" {
		threadID = ThreadID(s.channelType, s.agentID, out.ChatID)
	}
	evt := envelope.NewChatEvent(s.agentID, threadID, envelope.SenderAgent, out.Response, s.channelType)
	if err := bus.PushJSON(delCtx, sess.Bus, s.historyQueue, evt); err != nil {
		s.logger.WithError(err).Warn("failed to enqueue history event")
	}
}

// controlLoop keeps a subscription on the agent's control channel alive. The
// shell shares the agent worker's control channel so one restart command
// bounces the agent and its channels together.
func (s *Shell) controlLoop(ctx context.Context, cancel context.CancelFunc, sess *runtime.Session) {
	backoff := resubscribeMin
	for ctx.Err() == nil {
		sub, err := sess.Bus.Subscribe(ctx, envelope.ControlChannel(s.agentID))
		if err != nil {
			s.logger.WithError(err).Warn("control subscription failed, retrying",
				zap.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = resubscribeMin

		s.consumeControls(ctx, cancel, sub)
		sub.Close()
	}
}

func (s *Shell) consumeControls(ctx context.Context, cancel context.CancelFunc, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				s.logger.Warn("control subscription closed")
				return
			}

			var cmd envelope.Control
			if err := json.Unmarshal(payload, &cmd); err != nil {
				s.logger.WithError(err).Warn("malformed control command")
				continue
			}

			switch cmd.Command {
			case envelope.CommandShutdown:
				s.logger.Info("shutdown command received")
				s.running.Store(false)
				cancel()
			case envelope.CommandRestart:
				s.logger.Info("restart command received")
				s.needsRestart.Store(true)
				cancel()
			default:
				s.logger.Warn("unknown control command", zap.String("command", cmd.Command))
			}
		}
	}
}

// writeFinal records the cycle's terminal status: restarting when another
// bootstrap follows, stopped (with the PID cleared) on final exit.
func (s *Shell) writeFinal(sess *runtime.Session, restart bool) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	if restart {
		if err := sess.Status.MarkStatus(ctx, s.key, v1.StatusRestarting, ""); err != nil {
			s.logger.WithError(err).Error("failed to write restarting status")
		}
		return
	}

	if err := sess.Status.MarkStatus(ctx, s.key, v1.StatusStopped, ""); err != nil {
		s.logger.WithError(err).Error("failed to write stopped status")
	}
	if err := sess.Status.ClearPID(ctx, s.key); err != nil {
		s.logger.WithError(err).Error("failed to clear pid")
	}
}

// markError records a bootstrap or adapter failure on the live session.
func (s *Shell) markError(sess *runtime.Session, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := sess.Status.MarkStatus(ctx, s.key, v1.StatusError, detail); err != nil {
		s.logger.WithError(err).Error("failed to write error status")
	}
}

// finalizeWithoutSession records the final stop when no session is open,
// using a dial detached from the already-cancelled cycle context.
func (s *Shell) finalizeWithoutSession(ctx context.Context) {
	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	sess, err := s.dial(dialCtx)
	if err != nil {
		s.logger.WithError(err).Warn("final status write skipped")
		return
	}
	defer sess.Close()
	s.writeFinal(sess, false)
}

// transientStatus dials a short-lived session for one status write. Best
// effort: when Redis is unreachable the long-lived dial decides the outcome.
func (s *Shell) transientStatus(ctx context.Context, st v1.ProcessStatus, detail string) {
	sess, err := s.dial(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("transient status write skipped",
			zap.String("status", string(st)))
		return
	}
	defer sess.Close()

	if err := sess.Status.MarkStatus(ctx, s.key, st, detail); err != nil {
		s.logger.WithError(err).Warn("transient status write failed",
			zap.String("status", string(st)))
	}
}

func (s *Shell) setCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancelCycle = cancel
	s.mu.Unlock()
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
