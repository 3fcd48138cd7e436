package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/eduface/attendance/internal/common"
	"github.com/eduface/attendance/internal/dbx"
	"github.com/eduface/attendance/internal/models"
)

const (
	userColumns       = `id, name, email, role, phone_number, guardian_phone_number, meetings_attended, created_at`
	meetingColumns    = `id, meeting_code, title, teacher_id, created_by, subject, active, created_at, scheduled_time, ended_at`
	attendanceColumns = `id, meeting_id, user_id, student_email, student_name, meeting_title, joined_at, left_at, present`

	pgUniqueViolation = "23505"
)

// Repository persists roster, meeting and attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Ping checks the connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (models.User, error) {
	var u models.User
	var role string
	err := row.Scan(&u.ID, &u.Name, &u.Email, &role, &u.PhoneNumber, &u.GuardianPhoneNumber, &u.MeetingsAttended, &u.CreatedAt)
	u.Role = models.Role(role)
	return u, err
}

func scanMeeting(row scanner) (models.Meeting, error) {
	var m models.Meeting
	err := row.Scan(&m.ID, &m.MeetingCode, &m.Title, &m.TeacherID, &m.CreatedBy, &m.Subject, &m.Active, &m.CreatedAt, &m.ScheduledTime, &m.EndedAt)
	return m, err
}

func scanAttendance(row scanner) (models.Attendance, error) {
	var a models.Attendance
	err := row.Scan(&a.ID, &a.MeetingID, &a.UserID, &a.StudentEmail, &a.StudentName, &a.MeetingTitle, &a.JoinedAt, &a.LeftAt, &a.Present)
	return a, err
}

// UpsertUser creates a user or refreshes its profile fields. created_at and
// the attendance counter are never overwritten.
func (r *Repository) UpsertUser(ctx context.Context, u *models.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, name, email, role, phone_number, guardian_phone_number, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			phone_number = EXCLUDED.phone_number,
			guardian_phone_number = EXCLUDED.guardian_phone_number
		RETURNING meetings_attended, created_at
	`, u.ID, u.Name, u.Email, string(u.Role), u.PhoneNumber, u.GuardianPhoneNumber, u.CreatedAt)
	if err := row.Scan(&u.MeetingsAttended, &u.CreatedAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// GetUser returns a single user by id.
func (r *Repository) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &u, nil
}

// ListUsersByRole returns every user with the role, ordered by name.
func (r *Repository) ListUsersByRole(ctx context.Context, role models.Role) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE role = $1 ORDER BY name, id`, string(role))
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// InsertMeeting writes a new meeting. A duplicate meeting code surfaces as
// common.ErrAlreadyExists.
func (r *Repository) InsertMeeting(ctx context.Context, m *models.Meeting) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO meetings (`+meetingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, m.ID, m.MeetingCode, m.Title, m.TeacherID, m.CreatedBy, m.Subject, m.Active, m.CreatedAt, m.ScheduledTime, m.EndedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("meeting code %q: %w", m.MeetingCode, common.ErrAlreadyExists)
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// GetMeeting returns a single meeting by id.
func (r *Repository) GetMeeting(ctx context.Context, id string) (*models.Meeting, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id = $1`, id)
	m, err := scanMeeting(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &m, nil
}

// FindActiveMeetingsByCode returns active meetings carrying the code. At most
// two rows are read; callers only need to tell one from many.
func (r *Repository) FindActiveMeetingsByCode(ctx context.Context, code string) ([]models.Meeting, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE meeting_code = $1 AND active
		LIMIT 2
	`, code)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	return collectMeetings(rows)
}

// ListUpcomingMeetings returns the teacher's active meetings scheduled at or
// after from, earliest first.
func (r *Repository) ListUpcomingMeetings(ctx context.Context, teacherID string, from time.Time) ([]models.Meeting, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE teacher_id = $1 AND active AND scheduled_time >= $2
		ORDER BY scheduled_time ASC
	`, teacherID, from)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	return collectMeetings(rows)
}

func collectMeetings(rows *sql.Rows) ([]models.Meeting, error) {
	var out []models.Meeting
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EndMeeting flips an active meeting to ended and bumps the owner's meetings
// counter in the same transaction. It reports false when the meeting was
// already ended.
func (r *Repository) EndMeeting(ctx context.Context, id string, endedAt time.Time) (bool, error) {
	ended := false
	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var teacherID string
		err := tx.QueryRowContext(ctx, `
			UPDATE meetings SET active = FALSE, ended_at = $2
			WHERE id = $1 AND active
			RETURNING teacher_id
		`, id, endedAt).Scan(&teacherID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		ended = true
		_, err = tx.ExecContext(ctx, `UPDATE users SET meetings_attended = meetings_attended + 1 WHERE id = $1`, teacherID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return ended, nil
}

// InsertAttendance records a check-in and bumps the student's counter. The
// partial unique index on (meeting_id, user_id) WHERE present makes a second
// present row impossible; that case returns common.ErrAlreadyExists.
func (r *Repository) InsertAttendance(ctx context.Context, a *models.Attendance) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO attendance (`+attendanceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (meeting_id, user_id) WHERE present DO NOTHING
		`, a.ID, a.MeetingID, a.UserID, a.StudentEmail, a.StudentName, a.MeetingTitle, a.JoinedAt, a.LeftAt, a.Present)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return common.ErrAlreadyExists
		}
		_, err = tx.ExecContext(ctx, `UPDATE users SET meetings_attended = meetings_attended + 1 WHERE id = $1`, a.UserID)
		return err
	})
	if err != nil {
		if errors.Is(err, common.ErrAlreadyExists) || isUniqueViolation(err) {
			return common.ErrAlreadyExists
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ListAttendanceByMeeting returns every attendance row of a meeting, most
// recent check-in first.
func (r *Repository) ListAttendanceByMeeting(ctx context.Context, meetingID string) ([]models.Attendance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attendanceColumns+` FROM attendance
		WHERE meeting_id = $1
		ORDER BY joined_at DESC
	`, meetingID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	return collectAttendance(rows)
}

// ListAttendanceByUser returns a student's attendance history.
func (r *Repository) ListAttendanceByUser(ctx context.Context, userID string) ([]models.Attendance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+attendanceColumns+` FROM attendance
		WHERE user_id = $1
		ORDER BY joined_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()
	return collectAttendance(rows)
}

func collectAttendance(rows *sql.Rows) ([]models.Attendance, error) {
	var out []models.Attendance
	for rows.Next() {
		a, err := scanAttendance(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAttendanceLeft sets left_at on the present row once. It reports false
// when left_at was already set and common.ErrNotFound when there is no row.
func (r *Repository) MarkAttendanceLeft(ctx context.Context, meetingID, userID string, leftAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE attendance SET left_at = $3
		WHERE meeting_id = $1 AND user_id = $2 AND present AND left_at IS NULL
	`, meetingID, userID, leftAt)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM attendance WHERE meeting_id = $1 AND user_id = $2 AND present)
	`, meetingID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	if !exists {
		return false, common.ErrNotFound
	}
	return false, nil
}
