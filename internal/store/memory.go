package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eduface/attendance/internal/common"
	"github.com/eduface/attendance/internal/models"
)

// Memory is an in-process implementation of the repository used for local
// runs and service tests. A single mutex makes each check-then-write atomic.
type Memory struct {
	mu         sync.Mutex
	users      map[string]models.User
	meetings   map[string]models.Meeting
	attendance []models.Attendance
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]models.User),
		meetings: make(map[string]models.Meeting),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) UpsertUser(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
		u.MeetingsAttended = prev.MeetingsAttended
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = *u
	return nil
}

func (m *Memory) GetUser(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &u, nil
}

func (m *Memory) ListUsersByRole(_ context.Context, role models.Role) ([]models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.User
	for _, u := range m.users {
		if u.Role == role {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) InsertMeeting(_ context.Context, mt *models.Meeting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.meetings {
		if existing.MeetingCode == mt.MeetingCode {
			return common.ErrAlreadyExists
		}
	}
	if mt.ID == "" {
		mt.ID = uuid.NewString()
	}
	m.meetings[mt.ID] = *mt
	return nil
}

func (m *Memory) GetMeeting(_ context.Context, id string) (*models.Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.meetings[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return &mt, nil
}

func (m *Memory) FindActiveMeetingsByCode(_ context.Context, code string) ([]models.Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Meeting
	for _, mt := range m.meetings {
		if mt.MeetingCode == code && mt.Active {
			out = append(out, mt)
		}
	}
	return out, nil
}

func (m *Memory) ListUpcomingMeetings(_ context.Context, teacherID string, from time.Time) ([]models.Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Meeting
	for _, mt := range m.meetings {
		if mt.TeacherID != teacherID || !mt.Active || mt.ScheduledTime == nil {
			continue
		}
		if mt.ScheduledTime.Before(from) {
			continue
		}
		out = append(out, mt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(*out[j].ScheduledTime) })
	return out, nil
}

func (m *Memory) EndMeeting(_ context.Context, id string, endedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mt, ok := m.meetings[id]
	if !ok || !mt.Active {
		return false, nil
	}
	mt.Active = false
	mt.EndedAt = &endedAt
	m.meetings[id] = mt
	m.bumpCounter(mt.TeacherID)
	return true, nil
}

func (m *Memory) InsertAttendance(_ context.Context, a *models.Attendance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.Present {
		for _, existing := range m.attendance {
			if existing.Present && existing.MeetingID == a.MeetingID && existing.UserID == a.UserID {
				return common.ErrAlreadyExists
			}
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	m.attendance = append(m.attendance, *a)
	m.bumpCounter(a.UserID)
	return nil
}

func (m *Memory) bumpCounter(userID string) {
	if u, ok := m.users[userID]; ok {
		u.MeetingsAttended++
		m.users[userID] = u
	}
}

func (m *Memory) ListAttendanceByMeeting(_ context.Context, meetingID string) ([]models.Attendance, error) {
	return m.filterAttendance(func(a models.Attendance) bool { return a.MeetingID == meetingID }), nil
}

func (m *Memory) ListAttendanceByUser(_ context.Context, userID string) ([]models.Attendance, error) {
	return m.filterAttendance(func(a models.Attendance) bool { return a.UserID == userID }), nil
}

func (m *Memory) filterAttendance(keep func(models.Attendance) bool) []models.Attendance {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Attendance
	for _, a := range m.attendance {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].JoinedAt.After(out[j].JoinedAt) })
	return out
}

func (m *Memory) MarkAttendanceLeft(_ context.Context, meetingID, userID string, leftAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, a := range m.attendance {
		if !a.Present || a.MeetingID != meetingID || a.UserID != userID {
			continue
		}
		if a.LeftAt != nil {
			return false, nil
		}
		m.attendance[i].LeftAt = &leftAt
		return true, nil
	}
	return false, common.ErrNotFound
}
