package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botfleet/botfleet/internal/bus"
	"github.com/botfleet/botfleet/internal/common/errors"
	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/internal/lifecycle"
	"github.com/botfleet/botfleet/internal/metrics"
	"github.com/botfleet/botfleet/internal/status"
	"github.com/botfleet/botfleet/internal/store"
	"github.com/botfleet/botfleet/internal/store/models"
	v1 "github.com/botfleet/botfleet/pkg/api/v1"
	"github.com/botfleet/botfleet/pkg/envelope"
)

// defaultDeleteGrace is how long a delete waits after publishing shutdown
// before force-stopping whatever is left.
const defaultDeleteGrace = 2 * time.Second

// Agents drives agent worker lifecycle on behalf of the HTTP surface.
type Agents interface {
	Start(ctx context.Context, agentID string, settings json.RawMessage) error
	Stop(ctx context.Context, agentID string, force bool) error
	Restart(ctx context.Context, agentID string, settings json.RawMessage) error
	Status(ctx context.Context, agentID string) (status.Record, error)
	MarkStopped(ctx context.Context, agentID string) error
	PurgeStatus(ctx context.Context, agentID string) error
}

// Integrations drives integration worker lifecycle per integration type.
type Integrations interface {
	Start(ctx context.Context, agentID string, integ v1.IntegrationSettings) error
	Stop(ctx context.Context, agentID, integrationType string, force bool) error
	Restart(ctx context.Context, agentID string, integ v1.IntegrationSettings) error
	Status(ctx context.Context, agentID, integrationType string) (status.Record, error)
	PurgeStatus(ctx context.Context, agentID string) error
}

// Coordinator orders start/stop across an agent and its integrations.
type Coordinator interface {
	StartAll(ctx context.Context, agentID string, config json.RawMessage) (lifecycle.Outcomes, error)
	StopAll(ctx context.Context, agentID string, config json.RawMessage, force bool) (lifecycle.Outcomes, error)
}

var (
	_ Agents       = (*lifecycle.AgentManager)(nil)
	_ Integrations = (*lifecycle.IntegrationManager)(nil)
	_ Coordinator  = (*lifecycle.Coordinator)(nil)
)

// Deps bundles the collaborators behind the control plane.
type Deps struct {
	Repo         store.Repository
	Agents       Agents
	Integrations Integrations
	Coordinator  Coordinator
	Bus          bus.Bus
	Metrics      *metrics.Metrics
	HistoryQueue string
}

// Handler contains the HTTP handlers for the agent API
type Handler struct {
	repo         store.Repository
	agents       Agents
	integrations Integrations
	coord        Coordinator
	bus          bus.Bus
	metrics      *metrics.Metrics
	historyQueue string
	deleteGrace  time.Duration
	logger       *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(deps Deps, log *logger.Logger) *Handler {
	queue := deps.HistoryQueue
	if queue == "" {
		queue = envelope.DefaultHistoryQueue
	}
	return &Handler{
		repo:         deps.Repo,
		agents:       deps.Agents,
		integrations: deps.Integrations,
		coord:        deps.Coordinator,
		bus:          deps.Bus,
		metrics:      deps.Metrics,
		historyQueue: queue,
		deleteGrace:  defaultDeleteGrace,
		logger:       log.WithFields(zap.String("component", "control_plane")),
	}
}

// Agent CRUD endpoints

// CreateAgent registers a new agent configuration
// POST /agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if _, err := v1.ParseSettings(req.Config); err != nil {
		appErr := errors.BadRequest("invalid configuration: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = uuid.New().String()
	}

	agent := &models.Agent{
		AgentID:     agentID,
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     req.OwnerID,
		Config:      req.Config,
	}

	if err := h.repo.CreateAgent(c.Request.Context(), agent); err != nil {
		if stderrors.Is(err, store.ErrDuplicate) {
			appErr := errors.Conflict("agent with id '" + agentID + "' already exists")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		h.logger.Error("failed to create agent", zap.String("agent_id", agentID), zap.Error(err))
		appErr := errors.InternalError("failed to create agent", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	// Seed the status record. Failure is benign: readers treat a missing key
	// for a known configuration as stopped.
	if err := h.agents.MarkStopped(c.Request.Context(), agentID); err != nil {
		h.logger.Warn("failed to seed status record", zap.String("agent_id", agentID), zap.Error(err))
	}

	c.JSON(http.StatusCreated, agentToResponse(agent, status.Record{Status: v1.StatusStopped}))
}

// GetAgent retrieves one agent configuration joined with its status
// GET /agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if agentID == "" {
		appErr := errors.BadRequest("agentId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	agent, ok := h.loadAgent(c, agentID)
	if !ok {
		return
	}

	rec, err := h.agents.Status(c.Request.Context(), agentID)
	if err != nil {
		h.logger.Error("failed to read status", zap.String("agent_id", agentID), zap.Error(err))
		respondError(c, err, "failed to read status")
		return
	}

	c.JSON(http.StatusOK, agentToResponse(agent, normalise(rec)))
}

// ListAgents returns all agent configurations joined with their statuses
// GET /agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.repo.ListAgents(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		appErr := errors.InternalError("failed to list agents", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	resp := v1.AgentsListResponse{
		Agents: make([]v1.AgentResponse, 0, len(agents)),
		Total:  len(agents),
	}
	for _, agent := range agents {
		rec, err := h.agents.Status(c.Request.Context(), agent.AgentID)
		if err != nil {
			h.logger.Error("failed to read status", zap.String("agent_id", agent.AgentID), zap.Error(err))
			respondError(c, err, "failed to read status")
			return
		}
		resp.Agents = append(resp.Agents, agentToResponse(agent, normalise(rec)))
	}

	c.JSON(http.StatusOK, resp)
}

// UpdateAgent mutates an agent configuration. A running agent is signalled
// to hot-restart so it picks up the new configuration.
// PUT /agents/:agentId
func (h *Handler) UpdateAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if agentID == "" {
		appErr := errors.BadRequest("agentId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	agent, ok := h.loadAgent(c, agentID)
	if !ok {
		return
	}

	if req.Config != nil {
		if _, err := v1.ParseSettings(req.Config); err != nil {
			appErr := errors.BadRequest("invalid configuration: " + err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		agent.Config = req.Config
	}
	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.Description != nil {
		agent.Description = *req.Description
	}
	if req.OwnerID != nil {
		agent.OwnerID = *req.OwnerID
	}

	if err := h.repo.UpdateAgent(c.Request.Context(), agent); err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			appErr := errors.NotFound("agent", agentID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		h.logger.Error("failed to update agent", zap.String("agent_id", agentID), zap.Error(err))
		appErr := errors.InternalError("failed to update agent", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	rec, err := h.agents.Status(c.Request.Context(), agentID)
	if err != nil {
		h.logger.Error("failed to read status", zap.String("agent_id", agentID), zap.Error(err))
		respondError(c, err, "failed to read status")
		return
	}

	if rec.Status.IsLive() {
		ctrl := envelope.Control{Command: envelope.CommandRestart}
		if err := bus.PublishJSON(c.Request.Context(), h.bus, envelope.ControlChannel(agentID), ctrl); err != nil {
			// The update is already persisted; the child picks it up on its
			// next restart.
			h.logger.Warn("failed to publish restart command", zap.String("agent_id", agentID), zap.Error(err))
		}
	}

	c.JSON(http.StatusOK, agentToResponse(agent, normalise(rec)))
}

// DeleteAgent shuts down a running agent, removes its configuration, and
// purges its status keys. Status keys are purged even when the row does not
// exist so orphaned records cannot outlive their configuration.
// DELETE /agents/:agentId
func (h *Handler) DeleteAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if agentID == "" {
		appErr := errors.BadRequest("agentId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	ctx := c.Request.Context()

	agent, loadErr := h.repo.GetAgent(ctx, agentID)
	if loadErr == nil {
		rec, err := h.agents.Status(ctx, agentID)
		if err != nil {
			h.logger.Warn("failed to read status before delete", zap.String("agent_id", agentID), zap.Error(err))
		}
		if err == nil && rec.Status.IsLive() {
			// Ask the child to flush and exit before force-stopping leftovers.
			ctrl := envelope.Control{Command: envelope.CommandShutdown}
			if err := bus.PublishJSON(ctx, h.bus, envelope.ControlChannel(agentID), ctrl); err != nil {
				h.logger.Warn("failed to publish shutdown command", zap.String("agent_id", agentID), zap.Error(err))
			}
			select {
			case <-time.After(h.deleteGrace):
			case <-ctx.Done():
			}
		}
		if _, err := h.coord.StopAll(ctx, agentID, agent.Config, true); err != nil {
			h.logger.Warn("failed to stop processes before delete", zap.String("agent_id", agentID), zap.Error(err))
		}
		if err := h.repo.DeleteAgent(ctx, agentID); err != nil && !stderrors.Is(err, store.ErrNotFound) {
			h.logger.Error("failed to delete agent", zap.String("agent_id", agentID), zap.Error(err))
			appErr := errors.InternalError("failed to delete agent", err)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	if err := h.agents.PurgeStatus(ctx, agentID); err != nil {
		h.logger.Warn("failed to purge agent status", zap.String("agent_id", agentID), zap.Error(err))
	}
	if err := h.integrations.PurgeStatus(ctx, agentID); err != nil {
		h.logger.Warn("failed to purge integration status", zap.String("agent_id", agentID), zap.Error(err))
	}

	if loadErr != nil {
		if stderrors.Is(loadErr, store.ErrNotFound) {
			appErr := errors.NotFound("agent", agentID)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		h.logger.Error("failed to load agent", zap.String("agent_id", agentID), zap.Error(loadErr))
		appErr := errors.InternalError("failed to delete agent", loadErr)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.Status(http.StatusNoContent)
}

// GetAgentConfig serves the effective configuration to a freshly spawned
// child process.
// GET /agents/:agentId/config
func (h *Handler) GetAgentConfig(c *gin.Context) {
	agentID := c.Param("agentId")
	if agentID == "" {
		appErr := errors.BadRequest("agentId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	agent, ok := h.loadAgent(c, agentID)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, v1.AgentConfigResponse{
		AgentID:   agent.AgentID,
		Name:      agent.Name,
		Config:    agent.Config,
		UpdatedAt: agent.UpdatedAt,
	})
}

// Lifecycle endpoints. Commands return 202; the resulting state is
// observable via the status endpoints.

// StartAgent runs a coordinated start of the agent and its enabled
// integrations.
// POST /agents/:agentId/start
func (h *Handler) StartAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if agentID == "" {
		appErr := errors.BadRequest("agentId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	agent, ok := h.loadAgent(c, agentID)
	if !ok {
		return
	}

	outcomes, err := h.coord.StartAll(c.Request.Context(), agentID, agent.Config)
	if err != nil {
		h.logger.Error("failed to start agent", zap.String("agent_id", agentID), zap.Error(err))
		respondError(c, err, "failed to start agent")
		return
	}

	c.JSON(http.StatusAccepted, v1.LifecycleResponse{
		AgentID:  agentID,
		Action:   "start",
		Message:  "agent start initiated",
		Outcomes: outcomes,
	})
}

// StopAgent runs a coordinated stop of the agent and its integrations.
// POST /agents/:agentId/stop?force=true
func (h *Handler) StopAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if agentID == "" {
		appErr := errors.BadRequest("agentId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	agent, ok := h.loadAgent(c, agentID)
	if !ok {
		return
	}

	force := c.Query("force") == "true"
	outcomes, err := h.coord.StopAll(c.Request.Context(), agentID, agent.Config, force)
	if err != nil {
		h.logger.Error("failed to stop agent", zap.String("agent_id", agentID), zap.Error(err))
		respondError(c, err, "failed to stop agent")
		return
	}

	c.JSON(http.StatusAccepted, v1.LifecycleResponse{
		AgentID:  agentID,
		Action:   "stop",
		Message:  "agent stop initiated",
		Outcomes: outcomes,
	})
}

// RestartAgent restarts the agent worker. Integrations keep running; the
// fresh child re-reads its configuration during bootstrap.
// POST /agents/:agentId/restart
func (h *Handler) RestartAgent(c *gin.Context) {
	agentID := c.Param("agentId")
	if agentID == "" {
		appErr := errors.BadRequest("agentId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	agent, ok := h.loadAgent(c, agentID)
	if !ok {
		return
	}

	if err := h.agents.Restart(c.Request.Context(), agentID, agent.Config); err != nil {
		h.logger.Error("failed to restart agent", zap.String("agent_id", agentID), zap.Error(err))
		respondError(c, err, "failed to restart agent")
		return
	}

	c.JSON(http.StatusAccepted, v1.LifecycleResponse{
		AgentID: agentID,
		Action:  "restart",
		Message: "agent restart initiated",
	})
}

// AgentStatus returns the reconciled status record for an agent. Unknown
// agents are 404; a known agent without a status key reads as stopped.
// GET /agents/:agentId/status
func (h *Handler) AgentStatus(c *gin.Context) {
	agentID := c.Param("agentId")
	if agentID == "" {
		appErr := errors.BadRequest("agentId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if _, ok := h.loadAgent(c, agentID); !ok {
		return
	}

	rec, err := h.agents.Status(c.Request.Context(), agentID)
	if err != nil {
		h.logger.Error("failed to read status", zap.String("agent_id", agentID), zap.Error(err))
		respondError(c, err, "failed to read status")
		return
	}

	c.JSON(http.StatusOK, recordToResponse(agentID, "", normalise(rec)))
}

// Integration lifecycle endpoints

// StartIntegration starts one integration worker by type.
// POST /agents/:agentId/integrations/:type/start
func (h *Handler) StartIntegration(c *gin.Context) {
	agentID := c.Param("agentId")
	integrationType := c.Param("type")

	agent, ok := h.loadAgent(c, agentID)
	if !ok {
		return
	}
	integ, ok := h.lookupIntegration(c, agent, integrationType)
	if !ok {
		return
	}

	if err := h.integrations.Start(c.Request.Context(), agentID, integ); err != nil {
		h.logger.Error("failed to start integration",
			zap.String("agent_id", agentID),
			zap.String("integration_type", integrationType),
			zap.Error(err))
		respondError(c, err, "failed to start integration")
		return
	}

	c.JSON(http.StatusAccepted, v1.LifecycleResponse{
		AgentID: agentID,
		Action:  "start",
		Message: integrationType + " integration start initiated",
	})
}

// StopIntegration stops one integration worker by type. The configuration
// entry is not required: stopping targets the status record alone.
// POST /agents/:agentId/integrations/:type/stop?force=true
func (h *Handler) StopIntegration(c *gin.Context) {
	agentID := c.Param("agentId")
	integrationType := c.Param("type")

	if _, ok := h.loadAgent(c, agentID); !ok {
		return
	}

	force := c.Query("force") == "true"
	if err := h.integrations.Stop(c.Request.Context(), agentID, integrationType, force); err != nil {
		h.logger.Error("failed to stop integration",
			zap.String("agent_id", agentID),
			zap.String("integration_type", integrationType),
			zap.Error(err))
		respondError(c, err, "failed to stop integration")
		return
	}

	c.JSON(http.StatusAccepted, v1.LifecycleResponse{
		AgentID: agentID,
		Action:  "stop",
		Message: integrationType + " integration stop initiated",
	})
}

// RestartIntegration restarts one integration worker by type.
// POST /agents/:agentId/integrations/:type/restart
func (h *Handler) RestartIntegration(c *gin.Context) {
	agentID := c.Param("agentId")
	integrationType := c.Param("type")

	agent, ok := h.loadAgent(c, agentID)
	if !ok {
		return
	}
	integ, ok := h.lookupIntegration(c, agent, integrationType)
	if !ok {
		return
	}

	if err := h.integrations.Restart(c.Request.Context(), agentID, integ); err != nil {
		h.logger.Error("failed to restart integration",
			zap.String("agent_id", agentID),
			zap.String("integration_type", integrationType),
			zap.Error(err))
		respondError(c, err, "failed to restart integration")
		return
	}

	c.JSON(http.StatusAccepted, v1.LifecycleResponse{
		AgentID: agentID,
		Action:  "restart",
		Message: integrationType + " integration restart initiated",
	})
}

// IntegrationStatus returns the reconciled status record for one integration.
// GET /agents/:agentId/integrations/:type/status
func (h *Handler) IntegrationStatus(c *gin.Context) {
	agentID := c.Param("agentId")
	integrationType := c.Param("type")

	if _, ok := h.loadAgent(c, agentID); !ok {
		return
	}

	rec, err := h.integrations.Status(c.Request.Context(), agentID, integrationType)
	if err != nil {
		h.logger.Error("failed to read integration status",
			zap.String("agent_id", agentID),
			zap.String("integration_type", integrationType),
			zap.Error(err))
		respondError(c, err, "failed to read integration status")
		return
	}

	c.JSON(http.StatusOK, recordToResponse(agentID, integrationType, normalise(rec)))
}

// Health is the liveness probe.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, v1.HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	})
}

// loadAgent fetches a configuration row and writes the error response when
// it is missing or the store fails.
func (h *Handler) loadAgent(c *gin.Context, agentID string) (*models.Agent, bool) {
	agent, err := h.repo.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			appErr := errors.NotFound("agent", agentID)
			c.JSON(appErr.HTTPStatus, appErr)
		} else {
			h.logger.Error("failed to load agent", zap.String("agent_id", agentID), zap.Error(err))
			appErr := errors.InternalError("failed to load agent", err)
			c.JSON(appErr.HTTPStatus, appErr)
		}
		return nil, false
	}
	return agent, true
}

// lookupIntegration resolves one integration entry from the stored
// configuration, writing the error response when it cannot.
func (h *Handler) lookupIntegration(c *gin.Context, agent *models.Agent, integrationType string) (v1.IntegrationSettings, bool) {
	settings, err := v1.ParseSettings(agent.Config)
	if err != nil {
		appErr := errors.BadRequest("invalid configuration: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return v1.IntegrationSettings{}, false
	}
	for _, integ := range settings.Integrations {
		if integ.Type == integrationType {
			return integ, true
		}
	}
	appErr := errors.NotFound("integration", integrationType)
	c.JSON(appErr.HTTPStatus, appErr)
	return v1.IntegrationSettings{}, false
}

// respondError renders err in the AppError shape, wrapping unknown errors
// as internal.
func respondError(c *gin.Context, err error, message string) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError(message, err)
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// normalise maps a missing status key to stopped. Callers only normalise
// records of agents whose configuration exists.
func normalise(rec status.Record) status.Record {
	if rec.Status == v1.StatusNotFound {
		rec.Status = v1.StatusStopped
	}
	return rec
}

// Helper functions to convert models to response types

func agentToResponse(a *models.Agent, rec status.Record) v1.AgentResponse {
	return v1.AgentResponse{
		AgentID:     a.AgentID,
		Name:        a.Name,
		Description: a.Description,
		OwnerID:     a.OwnerID,
		Config:      a.Config,
		Status:      rec.Status,
		PID:         pidPtr(rec.PID),
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func recordToResponse(agentID, integrationType string, rec status.Record) v1.StatusResponse {
	resp := v1.StatusResponse{
		AgentID:         agentID,
		IntegrationType: integrationType,
		Status:          rec.Status,
		PID:             pidPtr(rec.PID),
		ErrorDetail:     rec.ErrorDetail,
		StartAttemptUTC: rec.StartAttemptUTC,
	}
	if rec.LastActive > 0 {
		lastActive := rec.LastActive
		resp.LastActive = &lastActive
	}
	return resp
}

func pidPtr(pid int) *int {
	if pid <= 0 {
		return nil
	}
	return &pid
}
