package models

import "time"

// Meeting is a class session. Active meetings accept check-ins; once ended a
// meeting never becomes active again and EndedAt is set.
type Meeting struct {
	ID            string     `json:"id"`
	MeetingCode   string     `json:"meeting_code"`
	Title         string     `json:"title"`
	TeacherID     string     `json:"teacher_id"`
	CreatedBy     string     `json:"created_by"`
	Subject       string     `json:"subject"`
	Active        bool       `json:"active"`
	CreatedAt     time.Time  `json:"created_at"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// Ended reports whether the meeting reached its terminal state.
func (m Meeting) Ended() bool { return !m.Active && m.EndedAt != nil }
