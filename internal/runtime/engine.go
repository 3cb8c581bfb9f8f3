package runtime

import (
	"context"
	"fmt"

	v1 "github.com/botfleet/botfleet/pkg/api/v1"
	"github.com/botfleet/botfleet/pkg/envelope"
)

// TurnResult is the outcome of one reasoning turn: the final assistant text,
// a serialisable form of the final message object, and optionally a voice
// rendering of the reply.
type TurnResult struct {
	Response      string
	MessageObject map[string]interface{}
	AudioURL      string
}

// Engine is the reasoning side of an agent. The runtime invokes exactly one
// turn per consumed input envelope; a turn error becomes an error envelope,
// never a process exit.
type Engine interface {
	Turn(ctx context.Context, in *envelope.Input) (*TurnResult, error)
}

// EngineFactory builds an engine from the agent's effective configuration. A
// fresh engine is built on every bootstrap cycle, so configuration changes
// take effect on hot restart.
type EngineFactory func(cfg *v1.AgentConfigResponse) (Engine, error)

// LocalEngine is the built-in engine used when no external reasoning backend
// is wired in. Replies are deterministic functions of the input and the
// agent configuration, so the worker runs standalone and configuration
// reloads are observable in its output.
type LocalEngine struct {
	name         string
	systemPrompt string
}

// NewLocalEngine is the default EngineFactory.
func NewLocalEngine(cfg *v1.AgentConfigResponse) (Engine, error) {
	settings, err := v1.ParseSettings(cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("parse agent settings: %w", err)
	}
	name := cfg.Name
	if name == "" {
		name = cfg.AgentID
	}
	return &LocalEngine{name: name, systemPrompt: settings.SystemPrompt}, nil
}

// Turn echoes the user message back tagged with the agent's name. The
// message object mirrors the final assistant message a real backend would
// produce.
func (e *LocalEngine) Turn(ctx context.Context, in *envelope.Input) (*TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	response := fmt.Sprintf("%s: %s", e.name, in.Text)
	obj := map[string]interface{}{
		"role":    "assistant",
		"content": response,
	}
	if e.systemPrompt != "" {
		obj["system_prompt"] = e.systemPrompt
	}
	return &TurnResult{Response: response, MessageObject: obj}, nil
}
