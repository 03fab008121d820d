// Package outbound implements domain.Sender for the supported delivery
// backends and routes each channel to one of them.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"hume-agent/internal/domain"
	"hume-agent/internal/infra/config"
)

// Mux dispatches Send by channel name, falling back to a default sender.
type Mux struct {
	routes map[string]domain.Sender
	def    domain.Sender
}

// NewMux creates a Mux. def must not be nil.
func NewMux(def domain.Sender, routes map[string]domain.Sender) *Mux {
	if routes == nil {
		routes = make(map[string]domain.Sender)
	}
	return &Mux{routes: routes, def: def}
}

// Send implements domain.Sender.
func (m *Mux) Send(ctx context.Context, channel, recipient, text string) error {
	s, ok := m.routes[channel]
	if !ok {
		s = m.def
	}
	return s.Send(ctx, channel, recipient, text)
}

// Channels returns the explicitly routed channel names, sorted.
func (m *Mux) Channels() []string {
	out := make([]string, 0, len(m.routes))
	for ch := range m.routes {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// FromConfig builds the senders named by cfg. Each backend is constructed
// once and shared by every channel routed to it.
func FromConfig(cfg config.OutboundConfig, logger *slog.Logger) (*Mux, error) {
	built := make(map[string]domain.Sender)
	get := func(name string) (domain.Sender, error) {
		if s, ok := built[name]; ok {
			return s, nil
		}
		var s domain.Sender
		switch name {
		case "log":
			s = NewLogSender(logger)
		case "webhook":
			s = NewWebhookSender(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout)
		case "slack":
			s = NewSlackSender(cfg.SlackToken)
		default:
			return nil, fmt.Errorf("outbound: unknown sender %q: %w", name, domain.ErrInvalidInput)
		}
		built[name] = s
		return s, nil
	}

	def, err := get(cfg.Default)
	if err != nil {
		return nil, err
	}
	routes := make(map[string]domain.Sender, len(cfg.Routes))
	for ch, name := range cfg.Routes {
		s, err := get(name)
		if err != nil {
			return nil, fmt.Errorf("outbound route %s: %w", ch, err)
		}
		routes[ch] = s
	}
	return NewMux(def, routes), nil
}

// LogSender writes every message to the log. It is the default sender for
// local runs and never fails.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send implements domain.Sender.
func (s *LogSender) Send(_ context.Context, channel, recipient, text string) error {
	s.logger.Info("outbound message", "channel", channel, "recipient", recipient, "text", text)
	return nil
}

var (
	_ domain.Sender = (*Mux)(nil)
	_ domain.Sender = (*LogSender)(nil)
)
