// Package channels implements the integration worker's core: the shell that
// bridges a messaging channel to an agent's bus channels, plus the Telegram
// and WhatsApp adapters that speak the native protocols.
package channels

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/botfleet/botfleet/internal/common/logger"
	v1 "github.com/botfleet/botfleet/pkg/api/v1"
	"github.com/botfleet/botfleet/pkg/envelope"
)

// Integration types the worker can host. The set mirrors what the control
// plane validates before spawning a worker.
const (
	TypeTelegram = "telegram"
	TypeWhatsApp = "whatsapp"
)

// Inbound is one end-user message arriving through a channel's native
// protocol, reduced to the fields the bus contract needs.
type Inbound struct {
	ChatID         string
	PlatformUserID string
	Text           string
	UserData       map[string]interface{}
}

// Sink accepts inbound messages from an adapter. The shell installs one that
// publishes input envelopes and enqueues history records.
type Sink func(ctx context.Context, msg Inbound)

// Adapter is one messaging protocol plugged into the shell. Run blocks,
// feeding inbound messages to the sink until the context ends; a non-nil
// return means the channel is unusable and the worker must exit. Deliver
// renders one agent reply through the protocol.
type Adapter interface {
	Name() string
	Run(ctx context.Context, sink Sink) error
	Deliver(ctx context.Context, out *envelope.Output) error
}

// Factory builds a fresh adapter for one shell cycle, so a hot restart gets
// a clean protocol connection.
type Factory func() (Adapter, error)

// New parses the integration settings and returns the factory for the given
// type. Settings are validated up front; the factory itself cannot fail for
// the built-in adapters.
func New(integ v1.IntegrationSettings, log *logger.Logger) (Factory, error) {
	switch integ.Type {
	case TypeTelegram:
		settings, err := ParseTelegramSettings(integ.Settings)
		if err != nil {
			return nil, err
		}
		return func() (Adapter, error) { return NewTelegram(settings, log), nil }, nil
	case TypeWhatsApp:
		settings, err := ParseWhatsAppSettings(integ.Settings)
		if err != nil {
			return nil, err
		}
		return func() (Adapter, error) { return NewWhatsApp(settings, log), nil }, nil
	}
	return nil, fmt.Errorf("unknown integration type %q", integ.Type)
}

// ThreadID derives the stable conversation thread for a channel chat. The
// same (channel, agent, chat) triple always maps to the same UUID so history
// accumulates under one thread across worker restarts.
func ThreadID(channel, agentID, chatID string) string {
	name := fmt.Sprintf("%s:%s:%s", channel, agentID, chatID)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
