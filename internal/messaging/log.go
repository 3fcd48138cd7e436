package messaging

import (
	"context"

	"go.uber.org/zap"
)

// LogSender writes each message to the log as a click-to-chat link. It is the
// default backend for local runs.
type LogSender struct {
	log *zap.Logger
}

var _ Sender = (*LogSender)(nil)

func NewLogSender(log *zap.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, phone, body string) error {
	to, err := NormalizePhone(phone)
	if err != nil {
		return err
	}
	s.log.Info("message dispatched", zap.String("to", to), zap.String("link", ClickToChatLink(to, body)))
	return nil
}
