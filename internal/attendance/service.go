// Package attendance turns face detection signals into attendance rows and
// answers attendance history queries.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/eduface/attendance/internal/common"
	"github.com/eduface/attendance/internal/metrics"
	"github.com/eduface/attendance/internal/models"
)

var (
	ErrMeetingNotFound  = fmt.Errorf("meeting %w", common.ErrNotFound)
	ErrNotCheckedIn     = fmt.Errorf("attendance %w", common.ErrNotFound)
	ErrMeetingInactive  = fmt.Errorf("meeting has ended: %w", common.ErrConflict)
	ErrAlreadyMarked    = fmt.Errorf("attendance already marked: %w", common.ErrConflict)
	ErrDetectionAbsent  = fmt.Errorf("no face detected, try again: %w", common.ErrRejected)
	ErrStoreWriteFailed = fmt.Errorf("attendance write failed: %w", common.ErrUnavailable)
	ErrDetectionFailed  = fmt.Errorf("face detection failed: %w", common.ErrUnavailable)

	// ErrInvalidCheckIn is the cause of check-in validation failures.
	ErrInvalidCheckIn = errors.New("invalid check-in")
)

// Repository is the storage the gate needs.
type Repository interface {
	GetMeeting(ctx context.Context, id string) (*models.Meeting, error)
	InsertAttendance(ctx context.Context, a *models.Attendance) error
	MarkAttendanceLeft(ctx context.Context, meetingID, userID string, leftAt time.Time) (bool, error)
	ListAttendanceByMeeting(ctx context.Context, meetingID string) ([]models.Attendance, error)
	ListAttendanceByUser(ctx context.Context, userID string) ([]models.Attendance, error)
}

// Detector produces a verification signal for a captured image.
type Detector interface {
	Detect(ctx context.Context, imageURL string) (models.Verification, error)
}

// CheckIn is one attempt by a student to mark attendance.
type CheckIn struct {
	MeetingID    string              `json:"meeting_id" validate:"required"`
	UserID       string              `json:"user_id" validate:"required"`
	StudentEmail string              `json:"student_email"`
	StudentName  string              `json:"student_name"`
	MeetingTitle string              `json:"meeting_title"`
	Verification models.Verification `json:"verification"`
}

// Gate decides whether a verification signal is enough to record attendance.
type Gate struct {
	repo          Repository
	detector      Detector
	minConfidence float64
	now           func() time.Time
	validate      *validator.Validate
	log           *zap.Logger
}

// NewGate builds a gate. A minConfidence of zero accepts any positive
// detection. detector may be nil when image check-ins are not offered.
func NewGate(repo Repository, detector Detector, minConfidence float64, log *zap.Logger) *Gate {
	v := common.NewValidator()
	v.RegisterStructValidation(confidenceInRange, models.Verification{})
	return &Gate{
		repo:          repo,
		detector:      detector,
		minConfidence: minConfidence,
		now:           time.Now,
		validate:      v,
		log:           log,
	}
}

func confidenceInRange(sl validator.StructLevel) {
	v, ok := sl.Current().Interface().(models.Verification)
	if ok && (v.Confidence < 0 || v.Confidence > 1) {
		sl.ReportError(v.Confidence, "confidence", "Confidence", "range", "0..1")
	}
}

// RecordAttendance writes a present row when the meeting is active, a face
// was detected and the student has no present row yet. Nothing is written on
// any failure. The unique present index in the store settles concurrent
// check-ins for the same student.
func (g *Gate) RecordAttendance(ctx context.Context, in CheckIn) (*models.Attendance, error) {
	in.MeetingID = strings.TrimSpace(in.MeetingID)
	in.UserID = strings.TrimSpace(in.UserID)
	if err := g.validate.Struct(in); err != nil {
		g.decision("invalid")
		return nil, common.FromValidator(ErrInvalidCheckIn, err)
	}

	meeting, err := g.repo.GetMeeting(ctx, in.MeetingID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			g.decision("meeting_not_found")
			return nil, ErrMeetingNotFound
		}
		return nil, err
	}
	if !meeting.Active {
		g.decision("meeting_inactive")
		return nil, ErrMeetingInactive
	}
	if !in.Verification.Detected || in.Verification.Confidence < g.minConfidence {
		g.decision("detection_absent")
		return nil, ErrDetectionAbsent
	}

	title := in.MeetingTitle
	if title == "" {
		title = meeting.Title
	}
	row := &models.Attendance{
		MeetingID:    in.MeetingID,
		UserID:       in.UserID,
		StudentEmail: in.StudentEmail,
		StudentName:  in.StudentName,
		MeetingTitle: title,
		JoinedAt:     g.now().UTC(),
		Present:      true,
	}
	if err := g.repo.InsertAttendance(ctx, row); err != nil {
		if errors.Is(err, common.ErrAlreadyExists) {
			g.decision("already_marked")
			return nil, ErrAlreadyMarked
		}
		g.decision("store_error")
		g.log.Error("attendance write failed",
			zap.String("meeting_id", in.MeetingID), zap.String("user_id", in.UserID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrStoreWriteFailed, err)
	}

	g.decision("accepted")
	g.log.Info("attendance recorded",
		zap.String("meeting_id", in.MeetingID),
		zap.String("user_id", in.UserID),
		zap.Float64("confidence", in.Verification.Confidence))
	return row, nil
}

// CheckInWithImage runs detection on the image and passes the result to
// RecordAttendance. Detection failures are transient.
func (g *Gate) CheckInWithImage(ctx context.Context, in CheckIn, imageURL string) (*models.Attendance, error) {
	if g.detector == nil {
		return nil, ErrDetectionFailed
	}
	if strings.TrimSpace(imageURL) == "" {
		return nil, common.NewValidationError(ErrInvalidCheckIn,
			common.FieldError{Field: "image_url", Error: "this field is required"})
	}
	v, err := g.detector.Detect(ctx, imageURL)
	if err != nil {
		g.log.Warn("face detection failed", zap.String("meeting_id", in.MeetingID), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrDetectionFailed, err)
	}
	in.Verification = v
	return g.RecordAttendance(ctx, in)
}

// RecordDeparture stamps leftAt on the student's present row. Repeated calls
// keep the first departure time.
func (g *Gate) RecordDeparture(ctx context.Context, meetingID, userID string) error {
	if _, err := g.meeting(ctx, meetingID); err != nil {
		return err
	}
	changed, err := g.repo.MarkAttendanceLeft(ctx, meetingID, userID, g.now().UTC())
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return ErrNotCheckedIn
		}
		return err
	}
	if changed {
		g.log.Info("departure recorded", zap.String("meeting_id", meetingID), zap.String("user_id", userID))
	}
	return nil
}

// ListForMeeting returns a meeting's attendance, latest check-in first.
func (g *Gate) ListForMeeting(ctx context.Context, meetingID string) ([]models.Attendance, error) {
	if _, err := g.meeting(ctx, meetingID); err != nil {
		return nil, err
	}
	return g.repo.ListAttendanceByMeeting(ctx, meetingID)
}

// ListForStudent returns a student's attendance history, latest first.
func (g *Gate) ListForStudent(ctx context.Context, userID string) ([]models.Attendance, error) {
	return g.repo.ListAttendanceByUser(ctx, userID)
}

func (g *Gate) meeting(ctx context.Context, id string) (*models.Meeting, error) {
	m, err := g.repo.GetMeeting(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return nil, ErrMeetingNotFound
	}
	return m, err
}

func (g *Gate) decision(outcome string) {
	metrics.GateDecisions.WithLabelValues(outcome).Inc()
}
