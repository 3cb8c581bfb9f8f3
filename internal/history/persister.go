// Package history drains the chat history queue into the durable store.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botfleet/botfleet/internal/bus"
	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/internal/metrics"
	"github.com/botfleet/botfleet/internal/store/models"
	"github.com/botfleet/botfleet/pkg/envelope"
)

const (
	// defaultPopTimeout bounds each queue poll so cancellation is observed
	// quickly.
	defaultPopTimeout = time.Second

	// defaultRestartDelay is how long the supervisor waits before reviving
	// a crashed worker.
	defaultRestartDelay = 5 * time.Second

	// insertAttempts bounds retries of a failed history insert before the
	// event is dropped.
	insertAttempts   = 3
	insertRetryDelay = 100 * time.Millisecond
)

// Writer is the slice of the repository the persister needs.
type Writer interface {
	InsertChatMessage(ctx context.Context, msg *models.ChatMessage) error
}

// Persister runs a supervised worker that pops chat events off the history
// queue and writes them to the store. Events are consumed exactly once;
// malformed or unpersistable events are dropped with a log line rather than
// requeued, so one poison record can never wedge the queue.
type Persister struct {
	bus     bus.Bus
	writer  Writer
	queue   string
	metrics *metrics.Metrics
	logger  *logger.Logger

	popTimeout   time.Duration
	restartDelay time.Duration
	retryDelay   time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a persister draining the given queue. An empty queue name
// falls back to the default.
func New(b bus.Bus, w Writer, queue string, m *metrics.Metrics, log *logger.Logger) *Persister {
	if queue == "" {
		queue = envelope.DefaultHistoryQueue
	}
	return &Persister{
		bus:          b,
		writer:       w,
		queue:        queue,
		metrics:      m,
		logger:       log.WithFields(zap.String("component", "history_persister")),
		popTimeout:   defaultPopTimeout,
		restartDelay: defaultRestartDelay,
		retryDelay:   insertRetryDelay,
	}
}

// Start launches the supervisor goroutine.
func (p *Persister) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.supervise(ctx)
	p.logger.Info("history persister started", zap.String("queue", p.queue))
}

// Stop cancels the worker and waits for it to exit.
func (p *Persister) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info("history persister stopped")
}

// supervise keeps exactly one worker alive: whenever the worker exits with
// an error or panics, it waits, re-pings Redis, and starts a fresh one.
func (p *Persister) supervise(ctx context.Context) {
	defer p.wg.Done()

	for {
		err := p.runWorker(ctx)
		if ctx.Err() != nil {
			return
		}
		p.logger.WithError(err).Error("history worker exited, restarting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.restartDelay):
		}

		if err := p.bus.Ping(ctx); err != nil {
			p.logger.WithError(err).Warn("redis still unreachable, retrying")
		}
	}
}

// runWorker polls the queue until the context is cancelled or an error
// escapes. Panics are converted to errors so the supervisor restarts the
// worker instead of killing the process.
func (p *Persister) runWorker(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("history worker panic: %v", r)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		payload, err := p.bus.Pop(ctx, p.queue, p.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("pop %s: %w", p.queue, err)
		}
		if payload == nil {
			continue
		}

		p.persist(ctx, payload)
	}
}

// persist decodes one queued event and writes it to the store. The event
// has already been removed from the queue, so every exit path either
// persists it or deliberately drops it.
func (p *Persister) persist(ctx context.Context, payload []byte) {
	var evt envelope.ChatEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		p.logger.WithError(err).Error("dropping malformed history record")
		p.metrics.RecordHistoryDropped(metrics.DropMalformed)
		return
	}
	if err := evt.Validate(); err != nil {
		p.logger.WithError(err).Error("dropping invalid history record",
			zap.String("agent_id", evt.AgentID))
		p.metrics.RecordHistoryDropped(metrics.DropMalformed)
		return
	}

	msg := &models.ChatMessage{
		AgentID:    evt.AgentID,
		ThreadID:   evt.ThreadID,
		SenderType: string(evt.SenderType),
		Content:    evt.Content,
		Channel:    evt.Channel,
		Timestamp:  evt.Time(),
	}

	var lastErr error
	for attempt := 1; attempt <= insertAttempts; attempt++ {
		lastErr = p.writer.InsertChatMessage(ctx, msg)
		if lastErr == nil {
			p.metrics.RecordHistoryPersisted()
			return
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < insertAttempts {
			select {
			case <-ctx.Done():
			case <-time.After(p.retryDelay):
			}
		}
	}

	p.logger.WithError(lastErr).Error("dropping history record after failed inserts",
		zap.String("agent_id", evt.AgentID),
		zap.String("thread_id", evt.ThreadID),
		zap.Int("attempts", insertAttempts))
	p.metrics.RecordHistoryDropped(metrics.DropDatabase)
}
