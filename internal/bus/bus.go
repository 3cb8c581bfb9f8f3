// Package bus provides the message bus abstraction over Redis pub/sub
// channels and Redis lists used as FIFO work queues.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Subscription represents an active subscription to a pub/sub channel.
type Subscription interface {
	// Messages yields payloads until the subscription is closed.
	Messages() <-chan []byte

	// Close cancels the subscription and closes the message channel.
	Close() error
}

// Bus is the messaging contract shared by the supervisor, the child
// runtimes, and the channel adapters. Payloads are opaque bytes; envelope
// encoding is the caller's concern.
type Bus interface {
	// Publish sends a payload to a pub/sub channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe creates a subscription to a pub/sub channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Push appends a payload to a FIFO queue.
	Push(ctx context.Context, queue string, payload []byte) error

	// Pop removes the oldest payload from a FIFO queue, blocking up to
	// timeout. Returns (nil, nil) when the queue stayed empty.
	Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error)

	// Ping verifies the connection.
	Ping(ctx context.Context) error

	// Close closes the connection.
	Close() error
}

// PublishJSON marshals v and publishes it on the channel.
func PublishJSON(ctx context.Context, b Bus, channel string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, channel, payload)
}

// PushJSON marshals v and pushes it onto the queue.
func PushJSON(ctx context.Context, b Bus, queue string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Push(ctx, queue, payload)
}
