package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/botfleet/botfleet/internal/bus"
	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/internal/store/models"
	"github.com/botfleet/botfleet/pkg/envelope"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type fakeWriter struct {
	mu       sync.Mutex
	messages []*models.ChatMessage
	calls    int
	failures int // inserts to fail before succeeding
	panics   int // inserts to panic before behaving
}

func (f *fakeWriter) InsertChatMessage(_ context.Context, msg *models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.panics > 0 {
		f.panics--
		panic("writer exploded")
	}
	if f.failures > 0 {
		f.failures--
		return errors.New("insert failed")
	}
	stored := *msg
	f.messages = append(f.messages, &stored)
	return nil
}

func (f *fakeWriter) stored() []*models.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.ChatMessage, len(f.messages))
	copy(out, f.messages)
	return out
}

func (f *fakeWriter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPersister(t *testing.T, w Writer) (*Persister, *bus.MemoryBus) {
	b := bus.NewMemoryBus(newTestLogger(t))
	p := New(b, w, "", nil, newTestLogger(t))
	p.popTimeout = 20 * time.Millisecond
	p.restartDelay = 20 * time.Millisecond
	p.retryDelay = time.Millisecond
	return p, b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func pushEvent(t *testing.T, b *bus.MemoryBus, evt *envelope.ChatEvent) {
	t.Helper()
	payload, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := b.Push(context.Background(), envelope.DefaultHistoryQueue, payload); err != nil {
		t.Fatalf("push event: %v", err)
	}
}

func TestPersisterWritesQueuedEvent(t *testing.T) {
	writer := &fakeWriter{}
	p, b := newTestPersister(t, writer)
	defer b.Close()

	pushEvent(t, b, envelope.NewChatEvent("a1", "t1", envelope.SenderUser, "hello", "telegram"))

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(writer.stored()) == 1 })

	msg := writer.stored()[0]
	if msg.AgentID != "a1" || msg.ThreadID != "t1" {
		t.Errorf("wrong routing fields: %+v", msg)
	}
	if msg.SenderType != "user" || msg.Content != "hello" || msg.Channel != "telegram" {
		t.Errorf("wrong content fields: %+v", msg)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp must be set")
	}
	if msg.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp must be UTC, got %v", msg.Timestamp.Location())
	}
}

func TestPersisterPreservesThreadOrder(t *testing.T) {
	writer := &fakeWriter{}
	p, b := newTestPersister(t, writer)
	defer b.Close()

	for _, content := range []string{"first", "second", "third"} {
		pushEvent(t, b, envelope.NewChatEvent("a1", "t1", envelope.SenderUser, content, ""))
	}

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(writer.stored()) == 3 })

	for i, want := range []string{"first", "second", "third"} {
		if got := writer.stored()[i].Content; got != want {
			t.Errorf("message %d: expected %q, got %q", i, want, got)
		}
	}
}

func TestPersisterDropsMalformedRecords(t *testing.T) {
	writer := &fakeWriter{}
	p, b := newTestPersister(t, writer)
	defer b.Close()

	ctx := context.Background()
	if err := b.Push(ctx, envelope.DefaultHistoryQueue, []byte("{not json")); err != nil {
		t.Fatalf("push garbage: %v", err)
	}
	// Valid JSON but missing required fields.
	if err := b.Push(ctx, envelope.DefaultHistoryQueue, []byte(`{"agent_id":"a1"}`)); err != nil {
		t.Fatalf("push invalid: %v", err)
	}
	pushEvent(t, b, envelope.NewChatEvent("a1", "t1", envelope.SenderAgent, "still alive", ""))

	p.Start(ctx)
	defer p.Stop()

	// The worker must survive both bad records and persist the good one.
	waitFor(t, 2*time.Second, func() bool { return len(writer.stored()) == 1 })

	if got := writer.stored()[0].Content; got != "still alive" {
		t.Errorf("expected the valid event, got %q", got)
	}
	if writer.callCount() != 1 {
		t.Errorf("malformed records must never reach the store, calls=%d", writer.callCount())
	}
}

func TestPersisterRetriesFailedInsert(t *testing.T) {
	writer := &fakeWriter{failures: 2}
	p, b := newTestPersister(t, writer)
	defer b.Close()

	pushEvent(t, b, envelope.NewChatEvent("a1", "t1", envelope.SenderUser, "persist me", ""))

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(writer.stored()) == 1 })

	if writer.callCount() != 3 {
		t.Errorf("expected 3 insert attempts, got %d", writer.callCount())
	}
}

func TestPersisterDropsAfterExhaustedRetries(t *testing.T) {
	writer := &fakeWriter{failures: insertAttempts}
	p, b := newTestPersister(t, writer)
	defer b.Close()

	pushEvent(t, b, envelope.NewChatEvent("a1", "t1", envelope.SenderUser, "doomed", ""))
	pushEvent(t, b, envelope.NewChatEvent("a1", "t1", envelope.SenderUser, "survives", ""))

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(writer.stored()) == 1 })

	if got := writer.stored()[0].Content; got != "survives" {
		t.Errorf("expected the event after the dropped one, got %q", got)
	}
	if writer.callCount() != insertAttempts+1 {
		t.Errorf("expected %d calls, got %d", insertAttempts+1, writer.callCount())
	}
}

func TestPersisterRestartsAfterPanic(t *testing.T) {
	writer := &fakeWriter{panics: 1}
	p, b := newTestPersister(t, writer)
	defer b.Close()

	pushEvent(t, b, envelope.NewChatEvent("a1", "t1", envelope.SenderUser, "boom", ""))

	p.Start(context.Background())
	defer p.Stop()

	// First event detonates the worker; its record is already consumed and
	// lost, but the supervisor must bring a new worker up.
	waitFor(t, 2*time.Second, func() bool { return writer.callCount() == 1 })

	pushEvent(t, b, envelope.NewChatEvent("a1", "t1", envelope.SenderUser, "after restart", ""))

	waitFor(t, 2*time.Second, func() bool { return len(writer.stored()) == 1 })

	if got := writer.stored()[0].Content; got != "after restart" {
		t.Errorf("expected the post-restart event, got %q", got)
	}
}

func TestPersisterStopReturnsPromptly(t *testing.T) {
	writer := &fakeWriter{}
	p, b := newTestPersister(t, writer)
	defer b.Close()

	p.Start(context.Background())

	done := make(chan struct{})
	go func() {
		p.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestPersisterNormalisesTimestamps(t *testing.T) {
	writer := &fakeWriter{}
	p, b := newTestPersister(t, writer)
	defer b.Close()

	pushEvent(t, b, &envelope.ChatEvent{
		AgentID:    "a1",
		ThreadID:   "t1",
		SenderType: envelope.SenderAgent,
		Content:    "offset time",
		Timestamp:  "2026-08-25T10:00:00+02:00",
	})
	// Absent timestamp falls back to consumption time.
	pushEvent(t, b, &envelope.ChatEvent{
		AgentID:    "a1",
		ThreadID:   "t1",
		SenderType: envelope.SenderAgent,
		Content:    "no time",
	})

	p.Start(context.Background())
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool { return len(writer.stored()) == 2 })

	want := time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)
	if got := writer.stored()[0].Timestamp; !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if writer.stored()[1].Timestamp.IsZero() {
		t.Error("absent timestamp must be filled in")
	}
}
