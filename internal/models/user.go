package models

import "time"

// Role distinguishes roster members from meeting owners.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// User is a roster entry. The engine only reads users; registration is the
// one place they are written.
type User struct {
	ID                  string    `json:"id" validate:"required"`
	Name                string    `json:"name" validate:"required"`
	Email               string    `json:"email" validate:"required,email"`
	Role                Role      `json:"role" validate:"required,oneof=student teacher"`
	PhoneNumber         string    `json:"phone_number" validate:"required,phone"`
	GuardianPhoneNumber string    `json:"guardian_phone_number,omitempty" validate:"omitempty,phone"`
	MeetingsAttended    int       `json:"meetings_attended"`
	CreatedAt           time.Time `json:"created_at"`
}

// IsStudent reports whether the user belongs to the roster.
func (u User) IsStudent() bool { return u.Role == RoleStudent }
