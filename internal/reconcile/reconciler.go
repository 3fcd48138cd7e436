// Package reconcile derives the absentee set of a meeting. Absence is never
// stored: it is the student roster minus the students with a present row.
//
// The roster and the attendance rows are read without snapshot isolation. A
// student checking in while reconciliation runs may be reported absent by one
// call and present by the next; callers treat the result as eventually
// consistent.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/eduface/attendance/internal/common"
	"github.com/eduface/attendance/internal/models"
)

var ErrMeetingNotFound = fmt.Errorf("meeting %w", common.ErrNotFound)

type MeetingReader interface {
	GetMeeting(ctx context.Context, id string) (*models.Meeting, error)
}

type AttendanceReader interface {
	ListAttendanceByMeeting(ctx context.Context, meetingID string) ([]models.Attendance, error)
}

type RosterReader interface {
	ListUsersByRole(ctx context.Context, role models.Role) ([]models.User, error)
}

// Reconciler computes absentees from live store reads.
type Reconciler struct {
	meetings   MeetingReader
	attendance AttendanceReader
	roster     RosterReader
}

func New(meetings MeetingReader, attendance AttendanceReader, roster RosterReader) *Reconciler {
	return &Reconciler{meetings: meetings, attendance: attendance, roster: roster}
}

// ComputeAbsentees returns every student with no present attendance row for
// the meeting, in roster order. The whole student roster is used; there is no
// per-meeting enrollment.
func (r *Reconciler) ComputeAbsentees(ctx context.Context, meetingID string) ([]models.User, error) {
	if _, err := r.meetings.GetMeeting(ctx, meetingID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, ErrMeetingNotFound
		}
		return nil, fmt.Errorf("load meeting: %w", err)
	}

	rows, err := r.attendance.ListAttendanceByMeeting(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("load attendance: %w", err)
	}
	attended := make(map[string]struct{}, len(rows))
	for _, a := range rows {
		if a.Present {
			attended[a.UserID] = struct{}{}
		}
	}

	students, err := r.roster.ListUsersByRole(ctx, models.RoleStudent)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	absent := make([]models.User, 0, len(students))
	for _, s := range students {
		if _, ok := attended[s.ID]; !ok {
			absent = append(absent, s)
		}
	}
	return absent, nil
}
