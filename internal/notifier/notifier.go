// Package notifier delivers alert notifications. Delivery is best-effort:
// the monitoring pipeline never blocks or fails on a notification error.
package notifier

import (
	"context"
	"log/slog"
)

type Notifier interface {
	Enabled() bool
	Send(ctx context.Context, subject, msg string) error
}

// Multi fans a notification out to every configured channel.
type Multi struct {
	channels []Notifier
	log      *slog.Logger
}

func NewMulti(logger *slog.Logger, channels ...Notifier) *Multi {
	return &Multi{channels: channels, log: logger}
}

func (m *Multi) Enabled() bool {
	for _, c := range m.channels {
		if c.Enabled() {
			return true
		}
	}
	return false
}

func (m *Multi) Send(ctx context.Context, subject, msg string) error {
	for _, c := range m.channels {
		if !c.Enabled() {
			continue
		}
		if err := c.Send(ctx, subject, msg); err != nil {
			m.log.Warn("notification delivery failed", "err", err)
		}
	}
	return nil
}
