package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/botfleet/botfleet/internal/bus"
	apperrors "github.com/botfleet/botfleet/internal/common/errors"
	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/internal/lifecycle"
	"github.com/botfleet/botfleet/internal/status"
	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/internal/store/models"
	v1 "github.com/botfleet/botfleet/pkg/api/v1"
	"github.com/botfleet/botfleet/pkg/envelope"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

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

const testHistoryQueue = "history_test_queue"

// telegramConfig is a valid configuration document carrying one enabled
// integration.
const telegramConfig = `{"system_prompt":"be nice","integrations":[{"type":"telegram","enabled":true,"settings":{"token":"123:abc"}}]}`

// fakeAgents implements Agents over a map of records, recording lifecycle
// calls.
type fakeAgents struct {
	mu       sync.Mutex
	recs     map[string]status.Record
	restarts []string
	marks    []string
	purged   []string
	err      error
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{recs: make(map[string]status.Record)}
}

func (f *fakeAgents) set(agentID string, rec status.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[agentID] = rec
}

func (f *fakeAgents) Start(_ context.Context, agentID string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recs[agentID] = status.Record{Status: v1.StatusRunning, PID: 100}
	return nil
}

func (f *fakeAgents) Stop(_ context.Context, agentID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recs[agentID] = status.Record{Status: v1.StatusStopped}
	return nil
}

func (f *fakeAgents) Restart(_ context.Context, agentID string, _ json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.restarts = append(f.restarts, agentID)
	return nil
}

func (f *fakeAgents) Status(_ context.Context, agentID string) (status.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return status.Record{}, f.err
	}
	rec, ok := f.recs[agentID]
	if !ok {
		return status.Record{Status: v1.StatusNotFound}, nil
	}
	return rec, nil
}

func (f *fakeAgents) MarkStopped(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, agentID)
	f.recs[agentID] = status.Record{Status: v1.StatusStopped}
	return nil
}

func (f *fakeAgents) PurgeStatus(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, agentID)
	delete(f.recs, agentID)
	return nil
}

type integCall struct {
	agentID string
	integ   v1.IntegrationSettings
}

type integStop struct {
	agentID string
	typ     string
	force   bool
}

// fakeIntegrations implements Integrations, keyed by type:agentID.
type fakeIntegrations struct {
	mu       sync.Mutex
	recs     map[string]status.Record
	starts   []integCall
	stops    []integStop
	restarts []integCall
	purged   []string
	err      error
}

func newFakeIntegrations() *fakeIntegrations {
	return &fakeIntegrations{recs: make(map[string]status.Record)}
}

func (f *fakeIntegrations) set(typ, agentID string, rec status.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs[typ+":"+agentID] = rec
}

func (f *fakeIntegrations) Start(_ context.Context, agentID string, integ v1.IntegrationSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.starts = append(f.starts, integCall{agentID: agentID, integ: integ})
	return nil
}

func (f *fakeIntegrations) Stop(_ context.Context, agentID, integrationType string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.stops = append(f.stops, integStop{agentID: agentID, typ: integrationType, force: force})
	return nil
}

func (f *fakeIntegrations) Restart(_ context.Context, agentID string, integ v1.IntegrationSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.restarts = append(f.restarts, integCall{agentID: agentID, integ: integ})
	return nil
}

func (f *fakeIntegrations) Status(_ context.Context, agentID, integrationType string) (status.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return status.Record{}, f.err
	}
	rec, ok := f.recs[integrationType+":"+agentID]
	if !ok {
		return status.Record{Status: v1.StatusNotFound}, nil
	}
	return rec, nil
}

func (f *fakeIntegrations) PurgeStatus(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, agentID)
	return nil
}

type coordCall struct {
	agentID string
	config  json.RawMessage
	force   bool
}

// fakeCoordinator implements Coordinator, recording calls and returning
// canned outcomes.
type fakeCoordinator struct {
	mu       sync.Mutex
	starts   []coordCall
	stops    []coordCall
	outcomes lifecycle.Outcomes
	err      error
}

func (f *fakeCoordinator) StartAll(_ context.Context, agentID string, config json.RawMessage) (lifecycle.Outcomes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, coordCall{agentID: agentID, config: config})
	if f.err != nil {
		return lifecycle.Outcomes{"agent": f.err.Error()}, f.err
	}
	if f.outcomes != nil {
		return f.outcomes, nil
	}
	return lifecycle.Outcomes{"agent": "started"}, nil
}

func (f *fakeCoordinator) StopAll(_ context.Context, agentID string, config json.RawMessage, force bool) (lifecycle.Outcomes, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, coordCall{agentID: agentID, config: config, force: force})
	if f.err != nil {
		return lifecycle.Outcomes{"agent": f.err.Error()}, f.err
	}
	if f.outcomes != nil {
		return f.outcomes, nil
	}
	return lifecycle.Outcomes{"agent": "stopped"}, nil
}

type serverHarness struct {
	repo   *store.MemoryRepository
	agents *fakeAgents
	integs *fakeIntegrations
	coord  *fakeCoordinator
	bus    *bus.MemoryBus
	router *gin.Engine
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()
	log := newTestLogger(t)
	h := &serverHarness{
		repo:   store.NewMemoryRepository(),
		agents: newFakeAgents(),
		integs: newFakeIntegrations(),
		coord:  &fakeCoordinator{},
		bus:    bus.NewMemoryBus(log),
	}
	handler := NewHandler(Deps{
		Repo:         h.repo,
		Agents:       h.agents,
		Integrations: h.integs,
		Coordinator:  h.coord,
		Bus:          h.bus,
		HistoryQueue: testHistoryQueue,
	}, log)
	handler.deleteGrace = time.Millisecond
	h.router = NewRouter(handler, log)
	return h
}

func (h *serverHarness) seedAgent(t *testing.T, agentID, config string) {
	t.Helper()
	agent := &models.Agent{
		AgentID: agentID,
		Name:    "agent " + agentID,
	}
	if config != "" {
		agent.Config = json.RawMessage(config)
	}
	if err := h.repo.CreateAgent(context.Background(), agent); err != nil {
		t.Fatalf("seed agent %s: %v", agentID, err)
	}
}

func (h *serverHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("response is not valid JSON: %v\nbody: %s", err, w.Body.String())
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Code string `json:"code"`
	}
	decodeJSON(t, w, &resp)
	return resp.Code
}

func TestCreateAgent(t *testing.T) {
	h := newServerHarness(t)

	w := h.do(t, http.MethodPost, "/agents", `{"agent_id":"a1","name":"support bot","config":`+telegramConfig+`}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.AgentResponse
	decodeJSON(t, w, &resp)
	if resp.AgentID != "a1" || resp.Name != "support bot" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Status != v1.StatusStopped {
		t.Errorf("a fresh agent must read as stopped, got %s", resp.Status)
	}

	if _, err := h.repo.GetAgent(context.Background(), "a1"); err != nil {
		t.Errorf("agent not persisted: %v", err)
	}
	if len(h.agents.marks) != 1 || h.agents.marks[0] != "a1" {
		t.Errorf("expected status record seeded, got %v", h.agents.marks)
	}
}

func TestCreateAgentGeneratesID(t *testing.T) {
	h := newServerHarness(t)

	w := h.do(t, http.MethodPost, "/agents", `{"name":"unnamed"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}

	var resp v1.AgentResponse
	decodeJSON(t, w, &resp)
	if _, err := uuid.Parse(resp.AgentID); err != nil {
		t.Errorf("expected generated uuid, got %q", resp.AgentID)
	}
}

func TestCreateAgentDuplicate(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", "")

	w := h.do(t, http.MethodPost, "/agents", `{"agent_id":"a1","name":"again"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if code := errorCode(t, w); code != apperrors.ErrCodeConflict {
		t.Errorf("expected CONFLICT, got %s", code)
	}
}

func TestCreateAgentValidation(t *testing.T) {
	h := newServerHarness(t)

	// Name is required.
	if w := h.do(t, http.MethodPost, "/agents", `{"agent_id":"a1"}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing name, got %d", w.Code)
	}
	// The config document must parse into the typed settings view.
	if w := h.do(t, http.MethodPost, "/agents", `{"name":"x","config":{"integrations":42}}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed config, got %d", w.Code)
	}
	if _, err := h.repo.GetAgent(context.Background(), "a1"); err == nil {
		t.Error("rejected create must not persist")
	}
}

func TestGetAgent(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", telegramConfig)
	h.agents.set("a1", status.Record{Status: v1.StatusRunning, PID: 42})

	w := h.do(t, http.MethodGet, "/agents/a1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp v1.AgentResponse
	decodeJSON(t, w, &resp)
	if resp.Status != v1.StatusRunning {
		t.Errorf("expected running, got %s", resp.Status)
	}
	if resp.PID == nil || *resp.PID != 42 {
		t.Errorf("expected pid 42, got %v", resp.PID)
	}
	if string(resp.Config) != telegramConfig {
		t.Errorf("config document must round-trip untouched, got %s", resp.Config)
	}
}

func TestGetAgentUnknown(t *testing.T) {
	h := newServerHarness(t)

	w := h.do(t, http.MethodGet, "/agents/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if code := errorCode(t, w); code != apperrors.ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND, got %s", code)
	}
}

func TestGetAgentNormalisesMissingStatus(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", "")

	w := h.do(t, http.MethodGet, "/agents/a1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp v1.AgentResponse
	decodeJSON(t, w, &resp)
	if resp.Status != v1.StatusStopped {
		t.Errorf("a known agent without a status key must read as stopped, got %s", resp.Status)
	}
}

func TestListAgents(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", "")
	h.seedAgent(t, "a2", "")
	h.agents.set("a2", status.Record{Status: v1.StatusRunning, PID: 7})

	w := h.do(t, http.MethodGet, "/agents", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp v1.AgentsListResponse
	decodeJSON(t, w, &resp)
	if resp.Total != 2 || len(resp.Agents) != 2 {
		t.Fatalf("expected 2 agents, got %+v", resp)
	}
	if resp.Agents[0].AgentID != "a1" || resp.Agents[1].AgentID != "a2" {
		t.Errorf("expected creation order, got %s, %s", resp.Agents[0].AgentID, resp.Agents[1].AgentID)
	}
	if resp.Agents[0].Status != v1.StatusStopped || resp.Agents[1].Status != v1.StatusRunning {
		t.Errorf("unexpected statuses %s, %s", resp.Agents[0].Status, resp.Agents[1].Status)
	}
}

func TestUpdateAgentSignalsLiveWorker(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", telegramConfig)
	h.agents.set("a1", status.Record{Status: v1.StatusRunning, PID: 7})

	sub, err := h.bus.Subscribe(context.Background(), envelope.ControlChannel("a1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	w := h.do(t, http.MethodPut, "/agents/a1", `{"name":"renamed","config":{"system_prompt":"be brief"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	agent, err := h.repo.GetAgent(context.Background(), "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Name != "renamed" {
		t.Errorf("name not updated, got %q", agent.Name)
	}
	if string(agent.Config) != `{"system_prompt":"be brief"}` {
		t.Errorf("config not replaced, got %s", agent.Config)
	}

	select {
	case payload := <-sub.Messages():
		var cmd envelope.Control
		if err := json.Unmarshal(payload, &cmd); err != nil {
			t.Fatalf("control payload not JSON: %v", err)
		}
		if cmd.Command != envelope.CommandRestart {
			t.Errorf("expected restart command, got %q", cmd.Command)
		}
	default:
		t.Fatal("expected restart command on the control channel")
	}
}

func TestUpdateAgentStoppedDoesNotSignal(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", "")

	sub, err := h.bus.Subscribe(context.Background(), envelope.ControlChannel("a1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	w := h.do(t, http.MethodPut, "/agents/a1", `{"name":"renamed"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	select {
	case <-sub.Messages():
		t.Fatal("a stopped agent must not be signalled")
	default:
	}
}

func TestUpdateAgentPartial(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", telegramConfig)

	w := h.do(t, http.MethodPut, "/agents/a1", `{"description":"handles support"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	agent, err := h.repo.GetAgent(context.Background(), "a1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Name != "agent a1" {
		t.Errorf("omitted name must stay untouched, got %q", agent.Name)
	}
	if agent.Description != "handles support" {
		t.Errorf("description not updated, got %q", agent.Description)
	}
	if string(agent.Config) != telegramConfig {
		t.Errorf("omitted config must stay untouched, got %s", agent.Config)
	}
}

func TestUpdateAgentValidation(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", "")

	if w := h.do(t, http.MethodPut, "/agents/a1", `{"config":{"integrations":42}}`); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed config, got %d", w.Code)
	}
	if w := h.do(t, http.MethodPut, "/agents/ghost", `{"name":"x"}`); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", w.Code)
	}
}

func TestDeleteAgentLive(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", telegramConfig)
	h.agents.set("a1", status.Record{Status: v1.StatusRunning, PID: 7})

	sub, err := h.bus.Subscribe(context.Background(), envelope.ControlChannel("a1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	w := h.do(t, http.MethodDelete, "/agents/a1", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	// The live worker was asked to flush before the force stop.
	select {
	case payload := <-sub.Messages():
		var cmd envelope.Control
		if err := json.Unmarshal(payload, &cmd); err != nil {
			t.Fatalf("control payload not JSON: %v", err)
		}
		if cmd.Command != envelope.CommandShutdown {
			t.Errorf("expected shutdown command, got %q", cmd.Command)
		}
	default:
		t.Fatal("expected shutdown command on the control channel")
	}

	if len(h.coord.stops) != 1 || !h.coord.stops[0].force {
		t.Errorf("expected one forced StopAll, got %+v", h.coord.stops)
	}
	if _, err := h.repo.GetAgent(context.Background(), "a1"); err == nil {
		t.Error("configuration must be deleted")
	}
	if len(h.agents.purged) != 1 || len(h.integs.purged) != 1 {
		t.Errorf("expected status keys purged, got agents=%v integrations=%v",
			h.agents.purged, h.integs.purged)
	}
}

func TestDeleteAgentUnknownStillPurges(t *testing.T) {
	h := newServerHarness(t)

	w := h.do(t, http.MethodDelete, "/agents/ghost", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	// Orphaned status keys must not outlive their configuration.
	if len(h.agents.purged) != 1 || h.agents.purged[0] != "ghost" {
		t.Errorf("expected agent status purge, got %v", h.agents.purged)
	}
	if len(h.integs.purged) != 1 || h.integs.purged[0] != "ghost" {
		t.Errorf("expected integration status purge, got %v", h.integs.purged)
	}
	if len(h.coord.stops) != 0 {
		t.Errorf("no processes to stop for an unknown agent, got %+v", h.coord.stops)
	}
}

func TestGetAgentConfig(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", telegramConfig)

	w := h.do(t, http.MethodGet, "/agents/a1/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp v1.AgentConfigResponse
	decodeJSON(t, w, &resp)
	if resp.AgentID != "a1" || string(resp.Config) != telegramConfig {
		t.Errorf("unexpected config response %+v", resp)
	}
	if resp.UpdatedAt.IsZero() {
		t.Error("expected updated_at for cache decisions downstream")
	}

	if w := h.do(t, http.MethodGet, "/agents/ghost/config", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", w.Code)
	}
}

func TestStartAgent(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", telegramConfig)
	h.coord.outcomes = lifecycle.Outcomes{"agent": "started", "telegram": "started"}

	w := h.do(t, http.MethodPost, "/agents/a1/start", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp v1.LifecycleResponse
	decodeJSON(t, w, &resp)
	if resp.Action != "start" || resp.Outcomes["telegram"] != "started" {
		t.Errorf("unexpected response %+v", resp)
	}

	if len(h.coord.starts) != 1 {
		t.Fatalf("expected one StartAll, got %d", len(h.coord.starts))
	}
	if string(h.coord.starts[0].config) != telegramConfig {
		t.Errorf("coordinator must receive the stored config, got %s", h.coord.starts[0].config)
	}
}

func TestStartAgentFailure(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", "")
	h.coord.err = apperrors.SpawnFailure("agent a1", io.ErrUnexpectedEOF)

	w := h.do(t, http.MethodPost, "/agents/a1/start", "")
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if code := errorCode(t, w); code != apperrors.ErrCodeSpawnFailure {
		t.Errorf("expected SPAWN_FAILURE, got %s", code)
	}
}

func TestStartAgentUnknown(t *testing.T) {
	h := newServerHarness(t)

	w := h.do(t, http.MethodPost, "/agents/ghost/start", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if len(h.coord.starts) != 0 {
		t.Error("unknown agent must not reach the coordinator")
	}
}

func TestStopAgentForceFlag(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", "")

	if w := h.do(t, http.MethodPost, "/agents/a1/stop", ""); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if w := h.do(t, http.MethodPost, "/agents/a1/stop?force=true", ""); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}

	if len(h.coord.stops) != 2 {
		t.Fatalf("expected two StopAll calls, got %d", len(h.coord.stops))
	}
	if h.coord.stops[0].force || !h.coord.stops[1].force {
		t.Errorf("force flag not parsed from query, got %+v", h.coord.stops)
	}
}

func TestRestartAgent(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", telegramConfig)

	w := h.do(t, http.MethodPost, "/agents/a1/restart", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(h.agents.restarts) != 1 || h.agents.restarts[0] != "a1" {
		t.Errorf("expected one agent restart, got %v", h.agents.restarts)
	}
	// Integrations are not part of an agent-only restart.
	if len(h.coord.stops)+len(h.coord.starts) != 0 {
		t.Error("agent restart must not run coordinated phases")
	}
}

func TestAgentStatus(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", "")
	h.agents.set("a1", status.Record{
		Status:     v1.StatusRunning,
		PID:        7,
		LastActive: 1700000000,
	})

	w := h.do(t, http.MethodGet, "/agents/a1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp v1.StatusResponse
	decodeJSON(t, w, &resp)
	if resp.AgentID != "a1" || resp.Status != v1.StatusRunning {
		t.Errorf("unexpected status response %+v", resp)
	}
	if resp.PID == nil || *resp.PID != 7 {
		t.Errorf("expected pid 7, got %v", resp.PID)
	}
	if resp.LastActive == nil || *resp.LastActive != 1700000000 {
		t.Errorf("expected last_active, got %v", resp.LastActive)
	}
}

func TestAgentStatusMissingReadsStopped(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", "")

	w := h.do(t, http.MethodGet, "/agents/a1/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp v1.StatusResponse
	decodeJSON(t, w, &resp)
	if resp.Status != v1.StatusStopped {
		t.Errorf("expected stopped, got %s", resp.Status)
	}

	if w := h.do(t, http.MethodGet, "/agents/ghost/status", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown agents are 404, got %d", w.Code)
	}
}

func TestStartIntegration(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", telegramConfig)

	w := h.do(t, http.MethodPost, "/agents/a1/integrations/telegram/start", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	if len(h.integs.starts) != 1 {
		t.Fatalf("expected one integration start, got %d", len(h.integs.starts))
	}
	integ := h.integs.starts[0].integ
	if integ.Type != "telegram" || !integ.Enabled {
		t.Errorf("unexpected integration settings %+v", integ)
	}
	if string(integ.Settings) != `{"token":"123:abc"}` {
		t.Errorf("settings must come from the stored config, got %s", integ.Settings)
	}
}

func TestStartIntegrationNotConfigured(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", telegramConfig)

	w := h.do(t, http.MethodPost, "/agents/a1/integrations/whatsapp/start", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unconfigured type, got %d", w.Code)
	}
	if len(h.integs.starts) != 0 {
		t.Error("unconfigured integration must not start")
	}
}

func TestStopIntegrationWithoutConfigEntry(t *testing.T) {
	h := newServerHarness(t)
	// The configuration no longer names whatsapp, but a worker may still be
	// running from before the config change.
	h.seedAgent(t, "a1", telegramConfig)

	w := h.do(t, http.MethodPost, "/agents/a1/integrations/whatsapp/stop?force=true", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(h.integs.stops) != 1 {
		t.Fatalf("expected one integration stop, got %d", len(h.integs.stops))
	}
	if got := h.integs.stops[0]; got.typ != "whatsapp" || !got.force {
		t.Errorf("unexpected stop call %+v", got)
	}
}

func TestRestartIntegration(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", telegramConfig)

	w := h.do(t, http.MethodPost, "/agents/a1/integrations/telegram/restart", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if len(h.integs.restarts) != 1 || h.integs.restarts[0].integ.Type != "telegram" {
		t.Errorf("expected telegram restart, got %+v", h.integs.restarts)
	}
}

func TestIntegrationStatus(t *testing.T) {
	h := newServerHarness(t)
	h.seedAgent(t, "a1", telegramConfig)
	h.integs.set("telegram", "a1", status.Record{Status: v1.StatusRunning, PID: 9})

	w := h.do(t, http.MethodGet, "/agents/a1/integrations/telegram/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp v1.StatusResponse
	decodeJSON(t, w, &resp)
	if resp.IntegrationType != "telegram" || resp.Status != v1.StatusRunning {
		t.Errorf("unexpected response %+v", resp)
	}

	// A type with no status key reads as stopped, same as agents.
	w = h.do(t, http.MethodGet, "/agents/a1/integrations/whatsapp/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	decodeJSON(t, w, &resp)
	if resp.Status != v1.StatusStopped {
		t.Errorf("expected stopped, got %s", resp.Status)
	}
}

func TestHealth(t *testing.T) {
	h := newServerHarness(t)

	w := h.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp v1.HealthResponse
	decodeJSON(t, w, &resp)
	if resp.Status != "ok" {
		t.Errorf("unexpected health response %+v", resp)
	}
}
