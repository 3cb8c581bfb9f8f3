package envelope

import (
	"testing"
	"time"
)

func TestChannelNaming(t *testing.T) {
	if got := InputChannel("a1"); got != "agent:a1:input" {
		t.Errorf("unexpected input channel %q", got)
	}
	if got := OutputChannel("a1"); got != "agent:a1:output" {
		t.Errorf("unexpected output channel %q", got)
	}
	if got := ControlChannel("a1"); got != "agent_control:a1" {
		t.Errorf("unexpected control channel %q", got)
	}
}

func TestInputValidate(t *testing.T) {
	in := Input{Text: "hello", ThreadID: "t1"}
	if err := in.Validate(); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}

	blankText := Input{Text: "   ", ThreadID: "t1"}
	if err := blankText.Validate(); err == nil {
		t.Error("blank text must be rejected")
	}
	noThread := Input{Text: "hello"}
	if err := noThread.Validate(); err == nil {
		t.Error("missing thread_id must be rejected")
	}
}

func TestChatEventValidate(t *testing.T) {
	ev := NewChatEvent("a1", "t1", SenderUser, "hello", "telegram")
	if err := ev.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}

	cases := []struct {
		name string
		ev   ChatEvent
	}{
		{"missing agent", ChatEvent{ThreadID: "t1", SenderType: SenderUser, Content: "x"}},
		{"missing thread", ChatEvent{AgentID: "a1", SenderType: SenderUser, Content: "x"}},
		{"unknown sender", ChatEvent{AgentID: "a1", ThreadID: "t1", SenderType: "robot", Content: "x"}},
		{"empty content", ChatEvent{AgentID: "a1", ThreadID: "t1", SenderType: SenderAgent}},
	}
	for _, tc := range cases {
		if err := tc.ev.Validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestChatEventTime(t *testing.T) {
	cases := []struct {
		stamp string
		want  time.Time
	}{
		{"2025-03-01T10:30:00.123456789+02:00", time.Date(2025, 3, 1, 8, 30, 0, 123456789, time.UTC)},
		{"2025-03-01T10:30:00+02:00", time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC)},
		{"2025-03-01T10:30:00", time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		ev := ChatEvent{Timestamp: tc.stamp}
		if got := ev.Time(); !got.Equal(tc.want) {
			t.Errorf("timestamp %q: got %v, want %v", tc.stamp, got, tc.want)
		}
	}

	// Missing and malformed timestamps fall back to the current time.
	before := time.Now().Add(-time.Minute)
	for _, stamp := range []string{"", "yesterday"} {
		ev := ChatEvent{Timestamp: stamp}
		if got := ev.Time(); got.Before(before) {
			t.Errorf("timestamp %q: expected fallback to now, got %v", stamp, got)
		}
	}
}

func TestNewChatEventStampsUTC(t *testing.T) {
	ev := NewChatEvent("a1", "t1", SenderAgent, "reply", "")
	parsed, err := time.Parse(time.RFC3339, ev.Timestamp)
	if err != nil {
		t.Fatalf("generated timestamp not RFC3339: %q", ev.Timestamp)
	}
	if since := time.Since(parsed); since < -time.Minute || since > time.Minute {
		t.Errorf("generated timestamp not current: %v", parsed)
	}
}
