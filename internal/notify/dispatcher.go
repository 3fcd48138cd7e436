// Package notify tells absent students and their guardians that they missed a
// meeting. Delivery is best effort: each message is attempted once and its
// outcome lands in the report without stopping the rest of the batch.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eduface/attendance/internal/common"
	"github.com/eduface/attendance/internal/messaging"
	"github.com/eduface/attendance/internal/metrics"
	"github.com/eduface/attendance/internal/models"
)

var ErrMeetingNotFound = fmt.Errorf("meeting %w", common.ErrNotFound)

// Channel names the recipient of a message.
type Channel string

const (
	ChannelStudent  Channel = "student"
	ChannelGuardian Channel = "guardian"
)

const reasonNotAttempted = "not attempted: "

type MeetingReader interface {
	GetMeeting(ctx context.Context, id string) (*models.Meeting, error)
}

type AbsenteeSource interface {
	ComputeAbsentees(ctx context.Context, meetingID string) ([]models.User, error)
}

// Failure is one delivery that did not go out.
type Failure struct {
	UserID  string  `json:"user_id"`
	Channel Channel `json:"channel"`
	Reason  string  `json:"reason"`
}

// Report summarizes one notification batch.
type Report struct {
	MeetingID     string    `json:"meeting_id"`
	Absentees     int       `json:"absentees"`
	NotifiedCount int       `json:"notified_count"`
	Skipped       int       `json:"skipped"`
	Failures      []Failure `json:"failures"`
}

// Options configure a Dispatcher. Zero values pick the defaults.
type Options struct {
	Workers  int
	AppName  string
	Location *time.Location
}

// Dispatcher formats and sends absence messages with a bounded number of
// deliveries in flight.
type Dispatcher struct {
	meetings  MeetingReader
	absentees AbsenteeSource
	sender    messaging.Sender
	workers   int
	appName   string
	loc       *time.Location
	log       *zap.Logger
}

func NewDispatcher(meetings MeetingReader, absentees AbsenteeSource, sender messaging.Sender, opts Options, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		meetings:  meetings,
		absentees: absentees,
		sender:    sender,
		workers:   opts.Workers,
		appName:   opts.AppName,
		loc:       opts.Location,
		log:       log,
	}
	if d.workers <= 0 {
		d.workers = 4
	}
	if d.appName == "" {
		d.appName = "EduFace"
	}
	if d.loc == nil {
		d.loc = time.UTC
	}
	return d
}

type delivery struct {
	userID  string
	channel Channel
	phone   string
	body    string
}

// NotifyAbsentees messages every absentee and, when a number is on file, the
// absentee's guardian. Only loading the meeting or the absentees can fail the
// call; delivery problems are reported per recipient. Deliveries already in
// flight when ctx is canceled run to completion; the rest are reported as not
// attempted.
func (d *Dispatcher) NotifyAbsentees(ctx context.Context, meetingID string) (*Report, error) {
	start := time.Now()
	defer func() { metrics.ObserveNotify(time.Since(start)) }()

	meeting, err := d.meetings.GetMeeting(ctx, meetingID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, ErrMeetingNotFound
		}
		return nil, fmt.Errorf("load meeting: %w", err)
	}
	absent, err := d.absentees.ComputeAbsentees(ctx, meetingID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, ErrMeetingNotFound
		}
		return nil, fmt.Errorf("compute absentees: %w", err)
	}

	report := &Report{MeetingID: meetingID, Absentees: len(absent), Failures: []Failure{}}
	jobs := d.plan(meeting, absent, report)

	var mu sync.Mutex
	record := func(j delivery, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			report.NotifiedCount++
			metrics.Notifications.WithLabelValues(string(j.channel), "sent").Inc()
			return
		}
		report.Failures = append(report.Failures, Failure{UserID: j.userID, Channel: j.channel, Reason: err.Error()})
		metrics.Notifications.WithLabelValues(string(j.channel), "failed").Inc()
		d.log.Warn("absence notification failed",
			zap.String("meeting_id", meetingID),
			zap.String("user_id", j.userID),
			zap.String("channel", string(j.channel)),
			zap.Error(err))
	}

	sendCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(d.workers)
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			record(j, errors.New(reasonNotAttempted+err.Error()))
			continue
		}
		g.Go(func() error {
			// the slot may free up only after cancellation
			if err := ctx.Err(); err != nil {
				record(j, errors.New(reasonNotAttempted+err.Error()))
				return nil
			}
			record(j, d.sender.Send(sendCtx, j.phone, j.body))
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(report.Failures, func(i, k int) bool {
		a, b := report.Failures[i], report.Failures[k]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.Channel > b.Channel // student before guardian
	})
	d.log.Info("absentees notified",
		zap.String("meeting_id", meetingID),
		zap.Int("absentees", report.Absentees),
		zap.Int("notified", report.NotifiedCount),
		zap.Int("failed", len(report.Failures)),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

// plan renders one delivery per available number. Missing numbers are
// skipped and render errors become failures.
func (d *Dispatcher) plan(meeting *models.Meeting, absent []models.User, report *Report) []delivery {
	jobs := make([]delivery, 0, 2*len(absent))
	for _, s := range absent {
		data := newMessageData(d.appName, s.Name, meeting.Title, meeting.CreatedAt, d.loc)
		for _, target := range []struct {
			ch    Channel
			phone string
		}{
			{ChannelStudent, s.PhoneNumber},
			{ChannelGuardian, s.GuardianPhoneNumber},
		} {
			if strings.TrimSpace(target.phone) == "" {
				report.Skipped++
				metrics.Notifications.WithLabelValues(string(target.ch), "skipped").Inc()
				continue
			}
			body, err := render(target.ch, data)
			if err != nil {
				report.Failures = append(report.Failures, Failure{UserID: s.ID, Channel: target.ch, Reason: err.Error()})
				continue
			}
			jobs = append(jobs, delivery{userID: s.ID, channel: target.ch, phone: target.phone, body: body})
		}
	}
	return jobs
}
