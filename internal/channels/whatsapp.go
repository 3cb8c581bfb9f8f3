package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/pkg/envelope"
)

const (
	// whatsappSendTimeout bounds one outbound gateway call.
	whatsappSendTimeout = 15 * time.Second

	// whatsappShutdownTimeout bounds the webhook listener's drain on exit.
	whatsappShutdownTimeout = 5 * time.Second

	// defaultWebhookAddr is where the gateway posts inbound events unless
	// the settings say otherwise.
	defaultWebhookAddr = ":21466"
)

// WhatsAppSettings configures the WhatsApp adapter. The adapter speaks to a
// wppconnect-style HTTP gateway: base_url and session identify the gateway
// session, token authorises outbound sends, and webhook_addr is the local
// address the gateway posts inbound events to.
type WhatsAppSettings struct {
	BaseURL     string `json:"base_url"`
	Session     string `json:"session"`
	Token       string `json:"token,omitempty"`
	WebhookAddr string `json:"webhook_addr,omitempty"`
}

// ParseWhatsAppSettings decodes and validates adapter settings.
func ParseWhatsAppSettings(raw json.RawMessage) (WhatsAppSettings, error) {
	var s WhatsAppSettings
	if len(raw) == 0 {
		return s, errors.New("whatsapp settings: base_url and session are required")
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("whatsapp settings: %w", err)
	}
	if strings.TrimSpace(s.BaseURL) == "" {
		return s, errors.New("whatsapp settings: base_url is required")
	}
	if strings.TrimSpace(s.Session) == "" {
		return s, errors.New("whatsapp settings: session is required")
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	if s.WebhookAddr == "" {
		s.WebhookAddr = defaultWebhookAddr
	}
	return s, nil
}

// WhatsApp bridges one agent to a WhatsApp HTTP gateway: inbound messages
// arrive on a local webhook, replies go out as gateway API calls.
type WhatsApp struct {
	settings WhatsAppSettings
	client   *http.Client
	logger   *logger.Logger
}

// NewWhatsApp creates the adapter.
func NewWhatsApp(settings WhatsAppSettings, log *logger.Logger) *WhatsApp {
	return &WhatsApp{
		settings: settings,
		client:   &http.Client{Timeout: whatsappSendTimeout},
		logger:   log.WithFields(zap.String("channel", TypeWhatsApp)),
	}
}

func (w *WhatsApp) Name() string { return TypeWhatsApp }

// Run serves the inbound webhook until the context ends. A listener failure
// is fatal; the gateway has nowhere to deliver messages without it.
func (w *WhatsApp) Run(ctx context.Context, sink Sink) error {
	srv := &http.Server{
		Addr:         w.settings.WebhookAddr,
		Handler:      w.routes(ctx, sink),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		w.logger.Info("whatsapp webhook listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("whatsapp webhook listener: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), whatsappShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		w.logger.WithError(err).Warn("whatsapp webhook shutdown failed")
	}
	return nil
}

// routes builds the webhook router. The run context rides along so accepted
// messages are processed under the cycle's lifetime, not the request's.
func (w *WhatsApp) routes(ctx context.Context, sink Sink) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST("/webhook", w.webhookHandler(ctx, sink))
	return router
}

// webhookEvent is the subset of the gateway's message callback the adapter
// consumes. Unknown fields are ignored.
type webhookEvent struct {
	Event   string `json:"event"`
	Session string `json:"session"`
	From    string `json:"from"`
	Body    string `json:"body"`
	Sender  struct {
		ID       string `json:"id"`
		PushName string `json:"pushname"`
	} `json:"sender"`
}

func (w *WhatsApp) webhookHandler(ctx context.Context, sink Sink) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ev webhookEvent
		if err := c.ShouldBindJSON(&ev); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed event"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})

		if ev.Event != "onmessage" {
			return
		}
		if ev.Session != "" && ev.Session != w.settings.Session {
			return
		}
		text := strings.TrimSpace(ev.Body)
		if text == "" || ev.From == "" {
			return
		}

		userID := ev.Sender.ID
		if userID == "" {
			userID = ev.From
		}
		msg := Inbound{
			ChatID:         ev.From,
			PlatformUserID: userID,
			Text:           text,
		}
		if ev.Sender.PushName != "" {
			msg.UserData = map[string]interface{}{"pushname": ev.Sender.PushName}
		}
		sink(ctx, msg)
	}
}

// sendMessageRequest is the gateway's send-message body.
type sendMessageRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

// sendVoiceRequest is the gateway's send-voice body; path is a URL the
// gateway fetches the audio from.
type sendVoiceRequest struct {
	Phone   string `json:"phone"`
	Path    string `json:"path"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

// Deliver sends one reply through the gateway: a voice note when an audio
// URL is present, a text message otherwise.
func (w *WhatsApp) Deliver(ctx context.Context, out *envelope.Output) error {
	if out.ChatID == "" {
		return errors.New("whatsapp delivery requires chat_id")
	}
	phone, isGroup := splitWhatsAppChat(out.ChatID)

	if out.AudioURL != "" {
		return w.post(ctx, "send-voice", sendVoiceRequest{
			Phone:   phone,
			Path:    out.AudioURL,
			IsGroup: isGroup,
		})
	}
	return w.post(ctx, "send-message", sendMessageRequest{
		Phone:   phone,
		Message: out.Response,
		IsGroup: isGroup,
	})
}

func (w *WhatsApp) post(ctx context.Context, action string, body interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", action, err)
	}

	url := fmt.Sprintf("%s/api/%s/%s", w.settings.BaseURL, w.settings.Session, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.settings.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.settings.Token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: gateway returned %s", action, resp.Status)
	}
	return nil
}

// splitWhatsAppChat strips the serialised chat suffix the gateway appends on
// inbound events; group chats keep their flag so replies route correctly.
func splitWhatsAppChat(chatID string) (phone string, isGroup bool) {
	if strings.HasSuffix(chatID, "@g.us") {
		return strings.TrimSuffix(chatID, "@g.us"), true
	}
	return strings.TrimSuffix(chatID, "@c.us"), false
}
