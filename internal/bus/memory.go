package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botfleet/botfleet/internal/common/logger"
)

const (
	memorySubBuffer   = 64
	memoryQueueBuffer = 1024
)

// MemoryBus implements Bus using in-memory channels. It backs tests and
// single-process development runs where no Redis is available.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySubscription
	queues map[string]chan []byte
	logger *logger.Logger
	closed bool
}

// NewMemoryBus creates a new in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string][]*memorySubscription),
		queues: make(map[string]chan []byte),
		logger: log,
	}
}

// Publish delivers the payload to every active subscriber of the channel.
// A subscriber that stopped draining its buffer has the message dropped,
// matching pub/sub semantics where slow consumers miss messages.
func (b *MemoryBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("bus is closed")
	}

	for _, sub := range b.subs[channel] {
		select {
		case sub.out <- payload:
		default:
			b.logger.Warn("memory bus subscriber buffer full, dropping message",
				zap.String("channel", channel))
		}
	}
	return nil
}

// Subscribe creates a subscription to a channel.
func (b *MemoryBus) Subscribe(_ context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		channel: channel,
		out:     make(chan []byte, memorySubBuffer),
	}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

// Push appends a payload to a queue.
func (b *MemoryBus) Push(_ context.Context, queue string, payload []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus is closed")
	}
	q := b.queue(queue)
	b.mu.Unlock()

	select {
	case q <- payload:
		return nil
	default:
		return fmt.Errorf("queue %s is full", queue)
	}
}

// Pop blocks up to timeout for the oldest payload on the queue.
func (b *MemoryBus) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus is closed")
	}
	q := b.queue(queue)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-q:
		return payload, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribers reports how many subscriptions a channel currently has. Tests
// use it to wait for a consumer before publishing.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Ping reports whether the bus is still open.
func (b *MemoryBus) Ping(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close closes the bus and every active subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.closeOnce.Do(func() { close(sub.out) })
		}
	}
	b.subs = make(map[string][]*memorySubscription)
	b.queues = make(map[string]chan []byte)
	return nil
}

// queue returns the channel backing a named queue, creating it on first use.
// Callers must hold b.mu.
func (b *MemoryBus) queue(name string) chan []byte {
	q, ok := b.queues[name]
	if !ok {
		q = make(chan []byte, memoryQueueBuffer)
		b.queues[name] = q
	}
	return q
}

type memorySubscription struct {
	bus       *MemoryBus
	channel   string
	out       chan []byte
	closeOnce sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.closeOnce.Do(func() { close(s.out) })
	return nil
}
