// Package notify delivers workflow notifications to downstream channels.
// The default sink logs deliveries; real transports (email, chat webhooks)
// plug in behind the Sink interface.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Channel identifies the notification audience.
type Channel string

const (
	// ChannelHR targets the HR inbox.
	ChannelHR Channel = "hr"
	// ChannelEmployee targets the employee who initiated the workflow.
	ChannelEmployee Channel = "employee"
)

// Notification is a single delivery request raised by a workflow task.
type Notification struct {
	Channel           Channel
	Subject           string
	Body              string
	Recipient         string
	ProcessInstanceID string
}

// Sink delivers notifications. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// LogSink records deliveries in the application log. It stands in for a
// real transport in development and tests.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink creates a LogSink writing to the given logger.
func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log}
}

// Send logs the notification and always succeeds.
func (s *LogSink) Send(_ context.Context, n Notification) error {
	s.log.Info("notification dispatched",
		zap.String("channel", string(n.Channel)),
		zap.String("subject", n.Subject),
		zap.String("recipient", n.Recipient),
		zap.String("process_instance_id", n.ProcessInstanceID),
	)
	return nil
}
