// Package worker reacts to lifecycle events published on the queue.
package worker

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/eduface/attendance/internal/common"
	"github.com/eduface/attendance/internal/metrics"
	"github.com/eduface/attendance/internal/notify"
	"github.com/eduface/attendance/internal/observability"
	"github.com/eduface/attendance/internal/queue"
)

type Consumer interface {
	Consume(ctx context.Context) (<-chan queue.Message, error)
}

type Notifier interface {
	NotifyAbsentees(ctx context.Context, meetingID string) (*notify.Report, error)
}

// Worker runs absentee notification for every ended meeting.
type Worker struct {
	notifier    Notifier
	notifyOnEnd bool
	log         *zap.Logger
}

// New builds a worker. With notifyOnEnd false, meeting.ended messages are
// acknowledged and dropped.
func New(notifier Notifier, notifyOnEnd bool, log *zap.Logger) *Worker {
	return &Worker{notifier: notifier, notifyOnEnd: notifyOnEnd, log: log}
}

// Run consumes until ctx is done or the queue closes.
func (w *Worker) Run(ctx context.Context, q Consumer) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	w.log.Info("worker started, waiting for messages", zap.Bool("notify_on_end", w.notifyOnEnd))
	for msg := range messages {
		w.Handle(ctx, msg)
	}
	w.log.Info("worker stopped")
	return nil
}

// Handle processes one message. Failures are logged and reported; the
// message is not retried.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) {
	metrics.QueueMessages.WithLabelValues(msg.Type).Inc()
	if msg.Type != queue.TypeMeetingEnded {
		w.log.Debug("ignoring message", zap.String("type", msg.Type))
		return
	}
	if !w.notifyOnEnd {
		return
	}

	id := strings.TrimSpace(string(msg.Body))
	if id == "" {
		w.log.Warn("meeting.ended without meeting id")
		return
	}
	report, err := w.notifier.NotifyAbsentees(ctx, id)
	switch {
	case errors.Is(err, common.ErrNotFound):
		w.log.Warn("ended meeting vanished", zap.String("meeting_id", id))
	case err != nil:
		w.log.Error("absentee notification failed", zap.String("meeting_id", id), zap.Error(err))
		observability.CaptureWith(err, map[string]string{"meeting_id": id})
	default:
		w.log.Info("absentees notified",
			zap.String("meeting_id", id),
			zap.Int("notified", report.NotifiedCount),
			zap.Int("failures", len(report.Failures)))
	}
}
