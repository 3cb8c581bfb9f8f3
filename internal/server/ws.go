package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/botfleet/botfleet/internal/bus"
	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/pkg/envelope"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// channelWebSocket tags envelopes that enter or leave through a
// control-plane WebSocket connection.
const channelWebSocket = "websocket"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, validate origin
		return true
	},
}

// wsSession is one duplex chat connection bridging a WebSocket peer to an
// agent's input and output channels.
type wsSession struct {
	conn     *websocket.Conn
	agentID  string
	threadID string // default when the peer omits thread_id
	send     chan []byte
	logger   *logger.Logger
}

// AgentWS upgrades the connection and bridges it to the agent's channels.
// Incoming text frames become input envelopes; output envelopes are
// forwarded back to the peer. The output subscription is cancelled as soon
// as the peer disconnects.
// GET /ws/agents/:agentId
func (h *Handler) AgentWS(c *gin.Context) {
	agentID := c.Param("agentId")
	if _, ok := h.loadAgent(c, agentID); !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		h.logger.Warn("WebSocket upgrade failed", zap.String("agent_id", agentID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := h.bus.Subscribe(ctx, envelope.OutputChannel(agentID))
	if err != nil {
		h.logger.Error("failed to subscribe to output channel", zap.String("agent_id", agentID), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer sub.Close()

	session := &wsSession{
		conn:     conn,
		agentID:  agentID,
		threadID: uuid.New().String(),
		send:     make(chan []byte, sendBufferSize),
		logger:   h.logger.WithAgentID(agentID),
	}

	h.metrics.WSConnected()
	defer h.metrics.WSDisconnected()

	go h.forwardOutputs(ctx, session, sub)
	go session.writePump(ctx, cancel)
	h.readPump(ctx, session)
}

// readPump consumes frames from the peer and publishes them as input
// envelopes. It returns when the peer disconnects.
func (h *Handler) readPump(ctx context.Context, s *wsSession) {
	defer s.conn.Close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var in envelope.Input
		if err := json.Unmarshal(message, &in); err != nil {
			s.sendError("malformed message: " + err.Error())
			continue
		}
		if in.ThreadID == "" {
			in.ThreadID = s.threadID
		}
		if in.Channel == "" {
			in.Channel = channelWebSocket
		}
		if err := in.Validate(); err != nil {
			s.sendError(err.Error())
			continue
		}

		if err := bus.PublishJSON(ctx, h.bus, envelope.InputChannel(s.agentID), &in); err != nil {
			s.logger.Error("failed to publish input envelope", zap.Error(err))
			s.sendError("message could not be delivered")
			continue
		}

		evt := envelope.NewChatEvent(s.agentID, in.ThreadID, envelope.SenderUser, in.Text, in.Channel)
		if err := bus.PushJSON(ctx, h.bus, h.historyQueue, evt); err != nil {
			s.logger.Warn("failed to enqueue history event", zap.Error(err))
		}
	}
}

// forwardOutputs relays the agent's output channel to the peer. A full send
// buffer drops the message rather than blocking the subscription.
func (h *Handler) forwardOutputs(ctx context.Context, s *wsSession, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-sub.Messages():
			if !ok {
				return
			}
			if !s.trySend(message) {
				s.logger.Warn("dropping output message, peer cannot keep up")
				h.metrics.RecordWSDropped()
				continue
			}
			h.recordAgentReply(ctx, s, message)
		}
	}
}

// recordAgentReply enqueues a history record for replies addressed to this
// surface. Replies tagged for other channels are persisted by their own
// adapters.
func (h *Handler) recordAgentReply(ctx context.Context, s *wsSession, message []byte) {
	var out envelope.Output
	if err := json.Unmarshal(message, &out); err != nil {
		return
	}
	if out.Channel != channelWebSocket || out.Response == "" {
		return
	}
	threadID := out.ThreadID
	if threadID == "" {
		threadID = s.threadID
	}
	evt := envelope.NewChatEvent(s.agentID, threadID, envelope.SenderAgent, out.Response, out.Channel)
	if err := bus.PushJSON(ctx, h.bus, h.historyQueue, evt); err != nil {
		s.logger.Warn("failed to enqueue history event", zap.Error(err))
	}
}

// trySend queues a frame without blocking.
func (s *wsSession) trySend(message []byte) bool {
	select {
	case s.send <- message:
		return true
	default:
		return false
	}
}

// sendError reports a per-message failure to the peer without dropping the
// connection.
func (s *wsSession) sendError(detail string) {
	payload, err := json.Marshal(envelope.Output{Error: detail})
	if err != nil {
		return
	}
	if !s.trySend(payload) {
		s.logger.Warn("dropping error frame, peer cannot keep up")
	}
}

// writePump drains the send buffer and keeps the connection alive with
// pings. A write failure cancels the whole session.
func (s *wsSession) writePump(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
