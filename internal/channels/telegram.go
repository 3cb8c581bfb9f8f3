package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/botfleet/botfleet/internal/common/logger"
	"github.com/botfleet/botfleet/pkg/envelope"
)

const (
	// telegramPollTimeout is the long-poll window handed to the Bot API.
	telegramPollTimeout = 60 * time.Second

	// telegramStallTimeout flags a dead connection: the library blocks
	// forever rather than closing the updates channel, so silence well past
	// the long-poll window means the link is gone.
	telegramStallTimeout = 150 * time.Second
)

// TelegramSettings configures the Telegram adapter. An empty allowlist
// accepts messages from any user.
type TelegramSettings struct {
	Token          string  `json:"token"`
	AllowedUserIDs []int64 `json:"allowed_user_ids,omitempty"`
}

// ParseTelegramSettings decodes and validates adapter settings.
func ParseTelegramSettings(raw json.RawMessage) (TelegramSettings, error) {
	var s TelegramSettings
	if len(raw) == 0 {
		return s, errors.New("telegram settings: token is required")
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("telegram settings: %w", err)
	}
	if strings.TrimSpace(s.Token) == "" {
		return s, errors.New("telegram settings: token is required")
	}
	return s, nil
}

// telegramBot is the slice of tgbotapi.BotAPI the adapter drives; tests
// substitute a scripted implementation.
type telegramBot interface {
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram bridges one agent to the Telegram Bot API: inbound messages come
// from long polling, replies go out as messages or voice notes.
type Telegram struct {
	settings TelegramSettings
	allowed  map[int64]struct{}
	logger   *logger.Logger

	connect func() (telegramBot, error)

	mu  sync.Mutex
	bot telegramBot

	stallTimeout time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration
}

// NewTelegram creates the adapter. The Bot API connection is opened by Run.
func NewTelegram(settings TelegramSettings, log *logger.Logger) *Telegram {
	allowed := make(map[int64]struct{}, len(settings.AllowedUserIDs))
	for _, id := range settings.AllowedUserIDs {
		allowed[id] = struct{}{}
	}
	return &Telegram{
		settings: settings,
		allowed:  allowed,
		logger:   log.WithFields(zap.String("channel", TypeTelegram)),
		connect: func() (telegramBot, error) {
			bot, err := tgbotapi.NewBotAPI(settings.Token)
			if err != nil {
				return nil, err
			}
			return bot, nil
		},
		stallTimeout: telegramStallTimeout,
		reconnectMin: resubscribeMin,
		reconnectMax: resubscribeMax,
	}
}

func (t *Telegram) Name() string { return TypeTelegram }

// Run connects to the Bot API and long-polls for updates until the context
// ends, reconnecting with backoff when polling stalls or the updates channel
// closes. A connect failure is fatal.
func (t *Telegram) Run(ctx context.Context, sink Sink) error {
	bot, err := t.connect()
	if err != nil {
		return fmt.Errorf("telegram connect: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()

	t.logger.Info("telegram bot connected")

	backoff := t.reconnectMin
	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = int(telegramPollTimeout / time.Second)
		updates := bot.GetUpdatesChan(u)

		pollErr := t.poll(ctx, updates, sink)

		// Always stop the old polling goroutine before reconnecting.
		bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}

		t.logger.WithError(pollErr).Warn("telegram polling interrupted, reconnecting",
			zap.Duration("backoff", backoff))
		if !sleepCtx(ctx, backoff) {
			return nil
		}
		backoff = t.nextReconnect(backoff)
	}
}

// poll drains the updates channel until the context ends, the channel
// closes, or no traffic arrives within the stall window. Returns nil on
// context cancellation, an error to trigger reconnection.
func (t *Telegram) poll(ctx context.Context, updates tgbotapi.UpdatesChannel, sink Sink) error {
	timer := time.NewTimer(t.stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}

			// Every received update resets the stall timer, including the
			// empty returns of an idle long poll.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(t.stallTimeout)

			msg := update.Message
			if msg == nil {
				continue
			}
			if !t.allowedSender(msg.From) {
				t.logger.Warn("telegram sender not allowed",
					zap.Int64("user_id", senderID(msg.From)))
				continue
			}
			inbound, ok := t.inbound(msg)
			if !ok {
				continue
			}
			sink(ctx, inbound)

		case <-timer.C:
			return fmt.Errorf("no updates for %s, assuming dead connection", t.stallTimeout)
		}
	}
}

// Deliver sends one reply to the chat it belongs to: a voice note when an
// audio URL is present, a plain message otherwise.
func (t *Telegram) Deliver(ctx context.Context, out *envelope.Output) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return errors.New("telegram bot not connected")
	}

	chatID, err := strconv.ParseInt(out.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q", out.ChatID)
	}

	if out.AudioURL != "" {
		voice := tgbotapi.NewVoice(chatID, tgbotapi.FileURL(out.AudioURL))
		voice.Caption = out.Response
		if _, err := bot.Send(voice); err != nil {
			return fmt.Errorf("send telegram voice: %w", err)
		}
		return nil
	}

	msg := tgbotapi.NewMessage(chatID, out.Response)
	if _, err := bot.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

// allowedSender applies the user allowlist. An empty allowlist admits all.
func (t *Telegram) allowedSender(from *tgbotapi.User) bool {
	if len(t.allowed) == 0 {
		return true
	}
	if from == nil {
		return false
	}
	_, ok := t.allowed[from.ID]
	return ok
}

// inbound reduces one Telegram message to the bus contract. Non-text
// messages are skipped.
func (t *Telegram) inbound(msg *tgbotapi.Message) (Inbound, bool) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return Inbound{}, false
	}
	in := Inbound{
		ChatID: strconv.FormatInt(msg.Chat.ID, 10),
		Text:   text,
	}
	if msg.From != nil {
		in.PlatformUserID = strconv.FormatInt(msg.From.ID, 10)
		in.UserData = map[string]interface{}{
			"username":   msg.From.UserName,
			"first_name": msg.From.FirstName,
		}
	}
	return in, true
}

func (t *Telegram) nextReconnect(d time.Duration) time.Duration {
	d *= 2
	if d > t.reconnectMax {
		return t.reconnectMax
	}
	return d
}

func senderID(from *tgbotapi.User) int64 {
	if from == nil {
		return 0
	}
	return from.ID
}
