// Package envelope defines the JSON payloads exchanged over the message bus
// and the naming scheme for the per-agent channels and queues.
package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Channel and key naming. Every agent owns one input channel, one output
// channel, and one control channel; all processes address them by these
// helpers so the wire contract lives in one place.
const (
	// DefaultHistoryQueue is the Redis list drained by the history persister.
	DefaultHistoryQueue = "chat_history_queue"
)

// InputChannel returns the pub/sub channel carrying user messages to an agent.
func InputChannel(agentID string) string {
	return fmt.Sprintf("agent:%s:input", agentID)
}

// OutputChannel returns the pub/sub channel carrying agent replies.
func OutputChannel(agentID string) string {
	return fmt.Sprintf("agent:%s:output", agentID)
}

// ControlChannel returns the pub/sub channel carrying lifecycle commands to a
// running worker.
func ControlChannel(agentID string) string {
	return fmt.Sprintf("agent_control:%s", agentID)
}

// Control commands understood by worker processes.
const (
	CommandShutdown = "shutdown"
	CommandRestart  = "restart"
)

// Control is a lifecycle command delivered on the agent's control channel.
type Control struct {
	Command string `json:"command"`
}

// Input is a user message envelope published on an agent's input channel.
type Input struct {
	Text            string                 `json:"text"`
	ChatID          string                 `json:"chat_id,omitempty"`
	PlatformUserID  string                 `json:"platform_user_id,omitempty"`
	ThreadID        string                 `json:"thread_id"`
	UserData        map[string]interface{} `json:"user_data,omitempty"`
	Channel         string                 `json:"channel,omitempty"`
	ImageURLs       []string               `json:"image_urls,omitempty"`
	VoiceData       string                 `json:"voice_data,omitempty"`
	DocumentContent string                 `json:"document_content,omitempty"`
}

// Validate checks the required input fields. Envelopes failing validation are
// dropped with an error log, never processed.
func (i *Input) Validate() error {
	if strings.TrimSpace(i.Text) == "" {
		return errors.New("input envelope: text is required")
	}
	if strings.TrimSpace(i.ThreadID) == "" {
		return errors.New("input envelope: thread_id is required")
	}
	return nil
}

// Output is an agent reply envelope published on an agent's output channel.
// Exactly one of Response or Error is set per consumed input.
type Output struct {
	ThreadID      string                 `json:"thread_id,omitempty"`
	ChatID        string                 `json:"chat_id,omitempty"`
	Channel       string                 `json:"channel,omitempty"`
	Response      string                 `json:"response,omitempty"`
	MessageObject map[string]interface{} `json:"message_object,omitempty"`
	AudioURL      string                 `json:"audio_url,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// SenderType identifies who produced a chat event.
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

// Valid reports whether the sender type is one of the known values.
func (s SenderType) Valid() bool {
	switch s {
	case SenderUser, SenderAgent, SenderSystem:
		return true
	}
	return false
}

// ChatEvent is a self-contained history record pushed onto the history queue
// and persisted once by the history persister.
type ChatEvent struct {
	AgentID    string     `json:"agent_id"`
	ThreadID   string     `json:"thread_id"`
	SenderType SenderType `json:"sender_type"`
	Content    string     `json:"content"`
	Channel    string     `json:"channel,omitempty"`
	Timestamp  string     `json:"timestamp,omitempty"`
}

// NewChatEvent builds a chat event stamped with the current UTC time.
func NewChatEvent(agentID, threadID string, sender SenderType, content, channel string) *ChatEvent {
	return &ChatEvent{
		AgentID:    agentID,
		ThreadID:   threadID,
		SenderType: sender,
		Content:    content,
		Channel:    channel,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

// Validate checks the required chat event fields.
func (e *ChatEvent) Validate() error {
	if strings.TrimSpace(e.AgentID) == "" {
		return errors.New("chat event: agent_id is required")
	}
	if strings.TrimSpace(e.ThreadID) == "" {
		return errors.New("chat event: thread_id is required")
	}
	if !e.SenderType.Valid() {
		return fmt.Errorf("chat event: unknown sender_type %q", e.SenderType)
	}
	if e.Content == "" {
		return errors.New("chat event: content is required")
	}
	return nil
}

// Time parses the event timestamp, normalised to UTC. A missing or malformed
// timestamp yields the current time so late events still persist in order of
// consumption.
func (e *ChatEvent) Time() time.Time {
	if e.Timestamp == "" {
		return time.Now().UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, e.Timestamp); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}
