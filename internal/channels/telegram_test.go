package channels

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/botfleet/botfleet/pkg/envelope"
)

type fakeBot struct {
	mu      sync.Mutex
	updates []chan tgbotapi.Update
	stops   int
	sent    []tgbotapi.Chattable
	sendErr error
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan tgbotapi.Update, 16)
	b.updates = append(b.updates, ch)
	return ch
}

func (b *fakeBot) StopReceivingUpdates() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stops++
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return tgbotapi.Message{}, b.sendErr
	}
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

func (b *fakeBot) pollCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.updates)
}

func (b *fakeBot) poll(i int) chan tgbotapi.Update {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updates[i]
}

func (b *fakeBot) sentMessages() []tgbotapi.Chattable {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]tgbotapi.Chattable, len(b.sent))
	copy(out, b.sent)
	return out
}

func textUpdate(chatID, userID int64, username, text string) tgbotapi.Update {
	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			Text: text,
			Chat: &tgbotapi.Chat{ID: chatID},
			From: &tgbotapi.User{ID: userID, UserName: username, FirstName: "Test"},
		},
	}
}

func newTestTelegram(t *testing.T, settings TelegramSettings) (*Telegram, *fakeBot) {
	t.Helper()
	tg := NewTelegram(settings, newTestLogger(t))
	bot := &fakeBot{}
	tg.connect = func() (telegramBot, error) { return bot, nil }
	tg.stallTimeout = 200 * time.Millisecond
	tg.reconnectMin = 10 * time.Millisecond
	tg.reconnectMax = 20 * time.Millisecond
	return tg, bot
}

func TestParseTelegramSettings(t *testing.T) {
	s, err := ParseTelegramSettings(json.RawMessage(`{"token":"123:abc","allowed_user_ids":[7,8]}`))
	if err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}
	if s.Token != "123:abc" || len(s.AllowedUserIDs) != 2 {
		t.Errorf("settings not parsed: %+v", s)
	}

	if _, err := ParseTelegramSettings(nil); err == nil {
		t.Error("empty settings must be rejected")
	}
	if _, err := ParseTelegramSettings(json.RawMessage(`{"token":"  "}`)); err == nil {
		t.Error("blank token must be rejected")
	}
	if _, err := ParseTelegramSettings(json.RawMessage(`{broken`)); err == nil {
		t.Error("malformed settings must be rejected")
	}
}

func TestTelegramRunFeedsSink(t *testing.T) {
	tg, bot := newTestTelegram(t, TelegramSettings{Token: "123:abc"})

	sinkCh := make(chan Inbound, 4)
	sink := func(_ context.Context, msg Inbound) { sinkCh <- msg }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.Run(ctx, sink) }()

	waitFor(t, 2*time.Second, func() bool { return bot.pollCount() == 1 })

	bot.poll(0) <- textUpdate(99, 7, "alice", "  hello  ")
	bot.poll(0) <- tgbotapi.Update{} // empty long-poll return, no message

	select {
	case msg := <-sinkCh:
		if msg.ChatID != "99" || msg.Text != "hello" || msg.PlatformUserID != "7" {
			t.Errorf("unexpected inbound: %+v", msg)
		}
		if msg.UserData["username"] != "alice" {
			t.Errorf("user data not carried: %+v", msg.UserData)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for inbound message")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on context cancel")
	}
	if len(sinkCh) != 0 {
		t.Error("messageless update must not reach the sink")
	}
}

func TestTelegramAllowlistFiltersSenders(t *testing.T) {
	tg, bot := newTestTelegram(t, TelegramSettings{Token: "123:abc", AllowedUserIDs: []int64{7}})

	sinkCh := make(chan Inbound, 4)
	sink := func(_ context.Context, msg Inbound) { sinkCh <- msg }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tg.Run(ctx, sink)

	waitFor(t, 2*time.Second, func() bool { return bot.pollCount() == 1 })

	bot.poll(0) <- textUpdate(99, 8, "mallory", "let me in")
	bot.poll(0) <- textUpdate(99, 7, "alice", "hi")

	select {
	case msg := <-sinkCh:
		if msg.Text != "hi" {
			t.Errorf("disallowed sender reached the sink: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for allowed message")
	}
	if len(sinkCh) != 0 {
		t.Error("only the allowed message may pass")
	}
}

func TestTelegramReconnectsWhenUpdatesClose(t *testing.T) {
	tg, bot := newTestTelegram(t, TelegramSettings{Token: "123:abc"})

	sinkCh := make(chan Inbound, 4)
	sink := func(_ context.Context, msg Inbound) { sinkCh <- msg }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- tg.Run(ctx, sink) }()

	waitFor(t, 2*time.Second, func() bool { return bot.pollCount() == 1 })
	close(bot.poll(0))

	// A closed updates channel forces a reconnect after backoff.
	waitFor(t, 2*time.Second, func() bool { return bot.pollCount() == 2 })

	bot.poll(1) <- textUpdate(99, 7, "alice", "back again")
	select {
	case msg := <-sinkCh:
		if msg.Text != "back again" {
			t.Errorf("unexpected inbound after reconnect: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reconnected poll not serving")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on context cancel")
	}
}

func TestTelegramStallTriggersReconnect(t *testing.T) {
	tg, bot := newTestTelegram(t, TelegramSettings{Token: "123:abc"})
	tg.stallTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tg.Run(ctx, func(context.Context, Inbound) {})

	// No traffic at all: the stall detector must tear the poll down and
	// reconnect.
	waitFor(t, 2*time.Second, func() bool { return bot.pollCount() >= 2 })
}

func TestTelegramConnectFailureIsFatal(t *testing.T) {
	tg := NewTelegram(TelegramSettings{Token: "123:abc"}, newTestLogger(t))
	tg.connect = func() (telegramBot, error) { return nil, errors.New("401 unauthorized") }

	err := tg.Run(context.Background(), func(context.Context, Inbound) {})
	if err == nil || !strings.Contains(err.Error(), "telegram connect") {
		t.Fatalf("expected connect failure, got %v", err)
	}
}

func TestTelegramDeliverSendsMessage(t *testing.T) {
	tg, bot := newTestTelegram(t, TelegramSettings{Token: "123:abc"})
	tg.bot = bot

	err := tg.Deliver(context.Background(), &envelope.Output{ChatID: "42", Response: "hi"})
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	sent := bot.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected one send, got %d", len(sent))
	}
	msg, ok := sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("expected a message config, got %T", sent[0])
	}
	if msg.ChatID != 42 || msg.Text != "hi" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestTelegramDeliverSendsVoice(t *testing.T) {
	tg, bot := newTestTelegram(t, TelegramSettings{Token: "123:abc"})
	tg.bot = bot

	out := &envelope.Output{ChatID: "42", Response: "caption", AudioURL: "http://files/reply.ogg"}
	if err := tg.Deliver(context.Background(), out); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	sent := bot.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected one send, got %d", len(sent))
	}
	voice, ok := sent[0].(tgbotapi.VoiceConfig)
	if !ok {
		t.Fatalf("expected a voice config, got %T", sent[0])
	}
	file, ok := voice.File.(tgbotapi.FileURL)
	if !ok || string(file) != "http://files/reply.ogg" {
		t.Errorf("voice must reference the audio url, got %#v", voice.File)
	}
	if voice.Caption != "caption" {
		t.Errorf("unexpected caption %q", voice.Caption)
	}
}

func TestTelegramDeliverErrors(t *testing.T) {
	tg, bot := newTestTelegram(t, TelegramSettings{Token: "123:abc"})

	// Not connected yet.
	err := tg.Deliver(context.Background(), &envelope.Output{ChatID: "42", Response: "hi"})
	if err == nil {
		t.Error("delivery before connect must fail")
	}

	tg.bot = bot
	if err := tg.Deliver(context.Background(), &envelope.Output{ChatID: "group-7", Response: "hi"}); err == nil {
		t.Error("non-numeric chat id must fail")
	}

	bot.sendErr = errors.New("429 too many requests")
	err = tg.Deliver(context.Background(), &envelope.Output{ChatID: "42", Response: "hi"})
	if err == nil || !strings.Contains(err.Error(), "send telegram message") {
		t.Errorf("send failure must surface, got %v", err)
	}
}
