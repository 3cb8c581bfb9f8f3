package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/botfleet/botfleet/internal/proc"
	"github.com/botfleet/botfleet/internal/status"
	v1 "github.com/botfleet/botfleet/pkg/api/v1"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeStore, *fakeLauncher) {
	mgr, store, launcher := newTestManager(t)
	am := NewAgentManager(mgr, store, "agent-worker", nil, newTestLogger(t))
	im := NewIntegrationManager(mgr, store, "integration-worker", nil, newTestLogger(t))
	return NewCoordinator(am, im, newTestLogger(t)), store, launcher
}

const coordinatorConfig = `{
	"system_prompt": "be nice",
	"integrations": [
		{"type": "telegram", "enabled": true, "settings": {"token": "123:abc"}},
		{"type": "whatsapp", "enabled": false, "settings": {"base_url": "http://wpp:21465", "session": "s1"}}
	]
}`

func TestStartAllAgentFirstThenEnabledIntegrations(t *testing.T) {
	coord, store, launcher := newTestCoordinator(t)

	outcomes, err := coord.StartAll(context.Background(), "a1", json.RawMessage(coordinatorConfig))
	if err != nil {
		t.Fatalf("StartAll failed: %v", err)
	}

	if outcomes["agent"] != "started" {
		t.Errorf("expected agent started, got %q", outcomes["agent"])
	}
	if outcomes["telegram"] != "started" {
		t.Errorf("expected telegram started, got %q", outcomes["telegram"])
	}
	if _, ok := outcomes["whatsapp"]; ok {
		t.Error("disabled integration must not be acted on")
	}

	if launcher.spawnCount() != 2 {
		t.Fatalf("expected 2 spawns, got %d", launcher.spawnCount())
	}
	if launcher.spawned[0].Argv[0] != "agent-worker" {
		t.Errorf("agent must start first, got %v", launcher.spawned[0].Argv)
	}
	if launcher.spawned[1].Argv[0] != "integration-worker" {
		t.Errorf("integration must start second, got %v", launcher.spawned[1].Argv)
	}

	if rec := store.get(status.IntegrationKey("whatsapp", "a1")); rec.Status != v1.StatusNotFound {
		t.Errorf("disabled integration gained a status record: %s", rec.Status)
	}
}

func TestStartAllAgentFailureSkipsIntegrations(t *testing.T) {
	coord, _, launcher := newTestCoordinator(t)
	launcher.spawnFn = func(spec proc.LaunchSpec) (int, error) {
		return 0, errors.New("no such file")
	}

	outcomes, err := coord.StartAll(context.Background(), "a1", json.RawMessage(coordinatorConfig))
	if err == nil {
		t.Fatal("expected agent start failure")
	}
	if !strings.Contains(outcomes["agent"], "no such file") {
		t.Errorf("expected failure outcome for agent, got %q", outcomes["agent"])
	}
	if _, ok := outcomes["telegram"]; ok {
		t.Error("integrations must not start after agent failure")
	}
}

func TestStartAllIntegrationFailureIsRecorded(t *testing.T) {
	coord, store, launcher := newTestCoordinator(t)
	launcher.spawnFn = func(spec proc.LaunchSpec) (int, error) {
		if spec.Argv[0] == "integration-worker" {
			return 0, errors.New("no such file")
		}
		return 42, nil
	}

	outcomes, err := coord.StartAll(context.Background(), "a1", json.RawMessage(coordinatorConfig))
	if err != nil {
		t.Fatalf("agent failure not expected: %v", err)
	}
	if outcomes["agent"] != "started" {
		t.Errorf("expected agent started, got %q", outcomes["agent"])
	}
	if !strings.Contains(outcomes["telegram"], "no such file") {
		t.Errorf("expected telegram failure recorded, got %q", outcomes["telegram"])
	}
	if rec := store.get(status.IntegrationKey("telegram", "a1")); rec.Status != v1.StatusErrorStartFailed {
		t.Errorf("expected error_start_failed, got %s", rec.Status)
	}
}

func TestStopAllIntegrationsFirst(t *testing.T) {
	coord, store, launcher := newTestCoordinator(t)
	store.set(status.AgentKey("a1"), status.Record{Status: v1.StatusRunning, PID: 1})
	store.set(status.IntegrationKey("telegram", "a1"), status.Record{Status: v1.StatusRunning, PID: 2})

	outcomes, err := coord.StopAll(context.Background(), "a1", json.RawMessage(coordinatorConfig), false)
	if err != nil {
		t.Fatalf("StopAll failed: %v", err)
	}

	if outcomes["agent"] != "stopped" || outcomes["telegram"] != "stopped" {
		t.Errorf("unexpected outcomes %v", outcomes)
	}
	// whatsapp was never started; stopping it is a recorded no-op.
	if outcomes["whatsapp"] != "stopped" {
		t.Errorf("expected whatsapp no-op stop, got %q", outcomes["whatsapp"])
	}

	if len(launcher.signals) != 2 {
		t.Fatalf("expected 2 graceful signals, got %v", launcher.signals)
	}
	if launcher.signals[0] != 2 || launcher.signals[1] != 1 {
		t.Errorf("integrations must stop before the agent, got pid order %v", launcher.signals)
	}
}

func TestStopAllForce(t *testing.T) {
	coord, store, launcher := newTestCoordinator(t)
	store.set(status.AgentKey("a1"), status.Record{Status: v1.StatusRunning, PID: 1})

	if _, err := coord.StopAll(context.Background(), "a1", nil, true); err != nil {
		t.Fatalf("StopAll failed: %v", err)
	}
	if len(launcher.kills) != 1 || launcher.kills[0] != 1 {
		t.Errorf("expected force kill of agent, got %v", launcher.kills)
	}
}

func TestStopAllWithBrokenConfigStillStopsAgent(t *testing.T) {
	coord, store, _ := newTestCoordinator(t)
	store.set(status.AgentKey("a1"), status.Record{Status: v1.StatusRunning, PID: 1})

	outcomes, err := coord.StopAll(context.Background(), "a1", json.RawMessage(`{broken`), false)
	if err != nil {
		t.Fatalf("StopAll failed: %v", err)
	}
	if outcomes["agent"] != "stopped" {
		t.Errorf("expected agent stopped, got %v", outcomes)
	}
}
