// Package meeting owns the meeting lifecycle: creation with a shareable join
// code, lookup by code, and the one-way transition to ended.
package meeting

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/eduface/attendance/internal/common"
	"github.com/eduface/attendance/internal/metrics"
	"github.com/eduface/attendance/internal/models"
	"github.com/eduface/attendance/internal/observability"
	"github.com/eduface/attendance/internal/queue"
)

var (
	ErrMeetingNotFound = fmt.Errorf("meeting %w", common.ErrNotFound)
	ErrNotOwner        = fmt.Errorf("meeting belongs to another teacher: %w", common.ErrForbidden)

	// causes carried by common.ValidationError
	ErrInvalidMeeting = errors.New("invalid meeting")
	ErrPastSchedule   = errors.New("scheduled time is in the past")
	ErrCodeCollision  = errors.New("meeting code already in use, retry with a fresh code")
)

// DefaultPrefix names the application in codes and generated titles.
const DefaultPrefix = "EduFace"

// DefaultPublishTimeout bounds how long ending a meeting waits on the queue.
const DefaultPublishTimeout = 2 * time.Second

// Repository is the meeting storage the manager needs.
type Repository interface {
	InsertMeeting(ctx context.Context, m *models.Meeting) error
	GetMeeting(ctx context.Context, id string) (*models.Meeting, error)
	FindActiveMeetingsByCode(ctx context.Context, code string) ([]models.Meeting, error)
	EndMeeting(ctx context.Context, id string, endedAt time.Time) (bool, error)
	ListUpcomingMeetings(ctx context.Context, teacherID string, from time.Time) ([]models.Meeting, error)
}

// Options tune code generation. Zero values pick the defaults.
type Options struct {
	Prefix   string
	Location *time.Location
	Now      func() time.Time
	IntN     func(n int) int

	PublishTimeout time.Duration
}

// Manager creates, joins and ends meetings.
type Manager struct {
	repo     Repository
	pub      queue.Publisher
	log      *zap.Logger
	validate *validator.Validate

	prefix string
	loc    *time.Location
	now    func() time.Time
	intn   func(n int) int

	publishTimeout time.Duration
}

// NewManager builds a manager. pub may be nil, in which case ended meetings
// are not announced.
func NewManager(repo Repository, pub queue.Publisher, opts Options, log *zap.Logger) *Manager {
	m := &Manager{
		repo:     repo,
		pub:      pub,
		log:      log,
		validate: common.NewValidator(),
		prefix:   Sanitize(opts.Prefix),
		loc:      opts.Location,
		now:      opts.Now,
		intn:     opts.IntN,

		publishTimeout: opts.PublishTimeout,
	}
	if m.prefix == "" {
		m.prefix = DefaultPrefix
	}
	if m.loc == nil {
		m.loc = time.UTC
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.intn == nil {
		m.intn = rand.IntN
	}
	if m.publishTimeout <= 0 {
		m.publishTimeout = DefaultPublishTimeout
	}
	return m
}

// CreateInput carries the fields a teacher supplies for a new meeting.
type CreateInput struct {
	TeacherID     string     `json:"teacher_id" validate:"required"`
	Title         string     `json:"title"`
	TeacherName   string     `json:"teacher_name" validate:"notblank"`
	Subject       string     `json:"subject" validate:"notblank"`
	ClassName     string     `json:"class_name" validate:"notblank"`
	ScheduledTime *time.Time `json:"scheduled_time"`
}

// CreateMeeting validates the input, generates the join code and title, and
// stores a new active meeting. A nil ScheduledTime makes an ad-hoc meeting.
func (m *Manager) CreateMeeting(ctx context.Context, in CreateInput) (*models.Meeting, error) {
	if err := m.validate.Struct(in); err != nil {
		return nil, common.FromValidator(ErrInvalidMeeting, err)
	}
	className := Sanitize(in.ClassName)
	if className == "" {
		return nil, common.NewValidationError(ErrInvalidMeeting,
			common.FieldError{Field: "class_name", Error: "must contain letters or digits"})
	}

	now := m.now()
	if in.ScheduledTime != nil && in.ScheduledTime.Before(now) {
		return nil, common.NewValidationError(ErrPastSchedule,
			common.FieldError{Field: "scheduled_time", Error: "cannot be in the past"})
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = m.generateTitle(strings.TrimSpace(in.TeacherName), strings.TrimSpace(in.Subject), now)
	}

	var scheduled *time.Time
	if in.ScheduledTime != nil {
		t := in.ScheduledTime.UTC()
		scheduled = &t
	}
	meeting := &models.Meeting{
		MeetingCode:   m.generateCode(className),
		Title:         title,
		TeacherID:     in.TeacherID,
		CreatedBy:     strings.TrimSpace(in.TeacherName),
		Subject:       strings.TrimSpace(in.Subject),
		Active:        true,
		CreatedAt:     now.UTC(),
		ScheduledTime: scheduled,
	}
	if err := m.repo.InsertMeeting(ctx, meeting); err != nil {
		if errors.Is(err, common.ErrAlreadyExists) {
			m.log.Warn("meeting code collision", zap.String("code", meeting.MeetingCode))
			return nil, common.NewValidationError(ErrCodeCollision,
				common.FieldError{Field: "meeting_code", Error: meeting.MeetingCode})
		}
		return nil, err
	}

	metrics.Meetings.WithLabelValues("created").Inc()
	m.log.Info("meeting created",
		zap.String("meeting_id", meeting.ID),
		zap.String("code", meeting.MeetingCode),
		zap.String("teacher_id", meeting.TeacherID))
	return meeting, nil
}

// JoinMeeting resolves an active meeting by its join code. Several active
// meetings sharing a code are reported as not found rather than picking one.
func (m *Manager) JoinMeeting(ctx context.Context, code string) (*models.Meeting, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, common.NewValidationError(ErrInvalidMeeting,
			common.FieldError{Field: "meeting_code", Error: "this field is required"})
	}
	found, err := m.repo.FindActiveMeetingsByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	switch len(found) {
	case 0:
		return nil, ErrMeetingNotFound
	case 1:
		metrics.Meetings.WithLabelValues("joined").Inc()
		return &found[0], nil
	default:
		m.log.Error("several active meetings share a code", zap.String("code", code), zap.Int("matches", len(found)))
		return nil, fmt.Errorf("%w: code %q is ambiguous", ErrMeetingNotFound, code)
	}
}

// GetMeeting returns a meeting by id.
func (m *Manager) GetMeeting(ctx context.Context, id string) (*models.Meeting, error) {
	meeting, err := m.repo.GetMeeting(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return nil, ErrMeetingNotFound
	}
	return meeting, err
}

// OwnedMeeting returns the meeting if teacherID created it.
func (m *Manager) OwnedMeeting(ctx context.Context, id, teacherID string) (*models.Meeting, error) {
	meeting, err := m.GetMeeting(ctx, id)
	if err != nil {
		return nil, err
	}
	if meeting.TeacherID != teacherID {
		return nil, ErrNotOwner
	}
	return meeting, nil
}

// EndMeeting ends the meeting on behalf of its owner. Ending an ended meeting
// succeeds without changes. The returned meeting reflects the stored state.
func (m *Manager) EndMeeting(ctx context.Context, id, requesterID string) (*models.Meeting, error) {
	meeting, err := m.OwnedMeeting(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}
	if meeting.Ended() {
		return meeting, nil
	}

	endedAt := m.now().UTC()
	ended, err := m.repo.EndMeeting(ctx, id, endedAt)
	if err != nil {
		return nil, err
	}
	if !ended {
		// lost a race with another end request
		return m.GetMeeting(ctx, id)
	}

	meeting.Active = false
	meeting.EndedAt = &endedAt
	metrics.Meetings.WithLabelValues("ended").Inc()
	m.log.Info("meeting ended", zap.String("meeting_id", id))
	m.announceEnded(ctx, id)
	return meeting, nil
}

// announceEnded never holds the caller longer than publishTimeout. The end
// itself is already stored, so a dropped event is only logged.
func (m *Manager) announceEnded(ctx context.Context, id string) {
	if m.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.publishTimeout)
	defer cancel()

	err := m.pub.Publish(ctx, queue.Message{Type: queue.TypeMeetingEnded, Body: []byte(id)})
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		m.log.Warn("meeting ended event dropped, queue full", zap.String("meeting_id", id), zap.Duration("waited", m.publishTimeout))
	default:
		m.log.Error("publish meeting ended failed", zap.String("meeting_id", id), zap.Error(err))
		observability.CaptureWith(err, map[string]string{"meeting_id": id})
	}
}

// ListUpcoming returns the teacher's active meetings scheduled from now on,
// earliest first.
func (m *Manager) ListUpcoming(ctx context.Context, teacherID string) ([]models.Meeting, error) {
	return m.repo.ListUpcomingMeetings(ctx, teacherID, m.now().UTC())
}
