package notify

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender writes events to the log instead of an external transport.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, evt Event) error {
	s.logger.Info().
		Str("order_id", evt.OrderID).
		Str("event_type", evt.EventType).
		Str("subject", evt.Subject).
		Time("timestamp", evt.Timestamp).
		Msg(evt.Message)
	return nil
}

func (s *LogSender) Close() error { return nil }
