package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/botfleet/botfleet/internal/bus"
	"github.com/botfleet/botfleet/pkg/envelope"
)

// wsHarness wraps a serverHarness behind a live listener so tests can run
// real WebSocket handshakes.
type wsHarness struct {
	*serverHarness
	srv *httptest.Server
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()
	h := newServerHarness(t)
	srv := httptest.NewServer(h.router)
	t.Cleanup(srv.Close)
	return &wsHarness{serverHarness: h, srv: srv}
}

func (h *wsHarness) wsURL(agentID string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/agents/" + agentID
}

func (h *wsHarness) dial(t *testing.T, agentID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(agentID), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", agentID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, body string) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(body)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) *envelope.Output {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var out envelope.Output
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("frame is not an output envelope: %v\n%s", err, payload)
	}
	return &out
}

func recvPayload(t *testing.T, sub bus.Subscription) []byte {
	t.Helper()
	select {
	case payload, ok := <-sub.Messages():
		if !ok {
			t.Fatal("subscription closed")
		}
		return payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus message")
	}
	return nil
}

func popEvent(t *testing.T, b *bus.MemoryBus, timeout time.Duration) *envelope.ChatEvent {
	t.Helper()
	payload, err := b.Pop(context.Background(), testHistoryQueue, timeout)
	if err != nil {
		t.Fatalf("pop history queue: %v", err)
	}
	if payload == nil {
		return nil
	}
	var evt envelope.ChatEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		t.Fatalf("history payload is not a chat event: %v", err)
	}
	return &evt
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestAgentWSPublishesInput(t *testing.T) {
	h := newWSHarness(t)
	h.seedAgent(t, "a1", "")

	sub, err := h.bus.Subscribe(context.Background(), envelope.InputChannel("a1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	conn := h.dial(t, "a1")
	writeFrame(t, conn, `{"text":"hello"}`)

	var in envelope.Input
	if err := json.Unmarshal(recvPayload(t, sub), &in); err != nil {
		t.Fatalf("input payload not an envelope: %v", err)
	}
	if in.Text != "hello" {
		t.Errorf("unexpected text %q", in.Text)
	}
	if in.Channel != channelWebSocket {
		t.Errorf("expected websocket channel tag, got %q", in.Channel)
	}
	if _, err := uuid.Parse(in.ThreadID); err != nil {
		t.Errorf("expected generated thread id, got %q", in.ThreadID)
	}

	evt := popEvent(t, h.bus, 2*time.Second)
	if evt == nil {
		t.Fatal("expected user message in the history queue")
	}
	if evt.SenderType != envelope.SenderUser || evt.Content != "hello" {
		t.Errorf("unexpected history event %+v", evt)
	}
	if evt.ThreadID != in.ThreadID {
		t.Errorf("history thread %q does not match envelope thread %q", evt.ThreadID, in.ThreadID)
	}
}

func TestAgentWSKeepsClientEnvelopeFields(t *testing.T) {
	h := newWSHarness(t)
	h.seedAgent(t, "a1", "")

	sub, err := h.bus.Subscribe(context.Background(), envelope.InputChannel("a1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	conn := h.dial(t, "a1")
	writeFrame(t, conn, `{"text":"hi","thread_id":"t-7","channel":"webchat","chat_id":"c1"}`)

	var in envelope.Input
	if err := json.Unmarshal(recvPayload(t, sub), &in); err != nil {
		t.Fatalf("input payload not an envelope: %v", err)
	}
	if in.ThreadID != "t-7" || in.Channel != "webchat" || in.ChatID != "c1" {
		t.Errorf("client fields must pass through, got %+v", in)
	}

	evt := popEvent(t, h.bus, 2*time.Second)
	if evt == nil || evt.ThreadID != "t-7" || evt.Channel != "webchat" {
		t.Errorf("unexpected history event %+v", evt)
	}
}

func TestAgentWSForwardsOutput(t *testing.T) {
	h := newWSHarness(t)
	h.seedAgent(t, "a1", "")
	conn := h.dial(t, "a1")

	out := envelope.OutputChannel("a1")
	waitFor(t, func() bool { return h.bus.Subscribers(out) == 1 }, "session never subscribed to outputs")

	reply := &envelope.Output{ThreadID: "t1", Channel: channelWebSocket, Response: "hi there"}
	if err := bus.PublishJSON(context.Background(), h.bus, out, reply); err != nil {
		t.Fatalf("publish: %v", err)
	}

	frame := readFrame(t, conn)
	if frame.Response != "hi there" || frame.ThreadID != "t1" {
		t.Errorf("unexpected frame %+v", frame)
	}

	evt := popEvent(t, h.bus, 2*time.Second)
	if evt == nil {
		t.Fatal("expected agent reply in the history queue")
	}
	if evt.SenderType != envelope.SenderAgent || evt.Content != "hi there" || evt.ThreadID != "t1" {
		t.Errorf("unexpected history event %+v", evt)
	}
}

func TestAgentWSForeignChannelRepliesNotPersisted(t *testing.T) {
	h := newWSHarness(t)
	h.seedAgent(t, "a1", "")
	conn := h.dial(t, "a1")

	out := envelope.OutputChannel("a1")
	waitFor(t, func() bool { return h.bus.Subscribers(out) == 1 }, "session never subscribed to outputs")

	// A reply addressed to another surface still reaches the observer, but
	// its adapter owns the history record.
	reply := &envelope.Output{ThreadID: "t1", Channel: "telegram", Response: "elsewhere"}
	if err := bus.PublishJSON(context.Background(), h.bus, out, reply); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if frame := readFrame(t, conn); frame.Response != "elsewhere" {
		t.Errorf("unexpected frame %+v", frame)
	}
	if evt := popEvent(t, h.bus, 100*time.Millisecond); evt != nil {
		t.Errorf("foreign-channel reply must not be persisted here, got %+v", evt)
	}
}

func TestAgentWSErrorRepliesNotPersisted(t *testing.T) {
	h := newWSHarness(t)
	h.seedAgent(t, "a1", "")
	conn := h.dial(t, "a1")

	out := envelope.OutputChannel("a1")
	waitFor(t, func() bool { return h.bus.Subscribers(out) == 1 }, "session never subscribed to outputs")

	reply := &envelope.Output{ThreadID: "t1", Channel: channelWebSocket, Error: "boom"}
	if err := bus.PublishJSON(context.Background(), h.bus, out, reply); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if frame := readFrame(t, conn); frame.Error != "boom" {
		t.Errorf("unexpected frame %+v", frame)
	}
	if evt := popEvent(t, h.bus, 100*time.Millisecond); evt != nil {
		t.Errorf("error replies must not be persisted, got %+v", evt)
	}
}

func TestAgentWSInvalidFramesGetErrorReplies(t *testing.T) {
	h := newWSHarness(t)
	h.seedAgent(t, "a1", "")

	sub, err := h.bus.Subscribe(context.Background(), envelope.InputChannel("a1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	conn := h.dial(t, "a1")

	writeFrame(t, conn, "{")
	if frame := readFrame(t, conn); !strings.Contains(frame.Error, "malformed message") {
		t.Errorf("expected malformed-message error, got %+v", frame)
	}

	writeFrame(t, conn, `{"text":"   "}`)
	if frame := readFrame(t, conn); !strings.Contains(frame.Error, "text is required") {
		t.Errorf("expected validation error, got %+v", frame)
	}

	// Both frames were rejected before the bus.
	select {
	case payload := <-sub.Messages():
		t.Fatalf("rejected frame reached the input channel: %s", payload)
	default:
	}
}

func TestAgentWSUnknownAgent(t *testing.T) {
	h := newWSHarness(t)

	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL("ghost"), nil)
	if conn != nil {
		conn.Close()
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected handshake rejection, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 on the handshake response, got %+v", resp)
	}
}

func TestAgentWSDisconnectCancelsSubscription(t *testing.T) {
	h := newWSHarness(t)
	h.seedAgent(t, "a1", "")
	conn := h.dial(t, "a1")

	out := envelope.OutputChannel("a1")
	waitFor(t, func() bool { return h.bus.Subscribers(out) == 1 }, "session never subscribed to outputs")

	conn.Close()
	waitFor(t, func() bool { return h.bus.Subscribers(out) == 0 }, "subscription outlived the peer")
}
