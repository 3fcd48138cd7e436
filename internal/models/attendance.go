package models

import (
	"fmt"
	"time"
)

// Attendance is one student's successful check-in to one meeting. Absence is
// never stored; it is derived by diffing the roster against these rows.
type Attendance struct {
	ID           string     `json:"id"`
	MeetingID    string     `json:"meeting_id"`
	UserID       string     `json:"user_id"`
	StudentEmail string     `json:"student_email"`
	StudentName  string     `json:"student_name"`
	MeetingTitle string     `json:"meeting_title"`
	JoinedAt     time.Time  `json:"joined_at"`
	LeftAt       *time.Time `json:"left_at,omitempty"`
	Present      bool       `json:"present"`
}

// Duration is the time spent in the meeting; an open row counts up to now.
func (a Attendance) Duration(now time.Time) time.Duration {
	if a.JoinedAt.IsZero() {
		return 0
	}
	end := now
	if a.LeftAt != nil {
		end = *a.LeftAt
	}
	if end.Before(a.JoinedAt) {
		return 0
	}
	return end.Sub(a.JoinedAt)
}

// FormatDuration renders whole minutes as "42 min" or "1 hr 5 min".
func FormatDuration(d time.Duration) string {
	minutes := int64(d / time.Minute)
	if minutes < 60 {
		return fmt.Sprintf("%d min", minutes)
	}
	return fmt.Sprintf("%d hr %d min", minutes/60, minutes%60)
}

// Verification is the signal produced by the face detection capability.
// Confidence is informational unless a minimum is configured on the gate.
type Verification struct {
	Detected   bool    `json:"detected"`
	Confidence float64 `json:"confidence"`
}
