package export

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/eduface/attendance/internal/common"
	"github.com/eduface/attendance/internal/models"
	"github.com/eduface/attendance/internal/reconcile"
	"github.com/eduface/attendance/internal/store"
)

func TestMeetingReport(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	for _, u := range []models.User{
		{ID: "s-1", Name: "Ada", Email: "ada@example.com", Role: models.RoleStudent, PhoneNumber: "+15550001"},
		{ID: "s-2", Name: "Bo", Email: "bo@example.com", Role: models.RoleStudent, PhoneNumber: "+15550003", GuardianPhoneNumber: "+15550004"},
	} {
		u := u
		require.NoError(t, mem.UpsertUser(ctx, &u))
	}
	m := &models.Meeting{MeetingCode: "EduFace-CS101-AAAAAA", Title: "Algebra: week 3", TeacherID: "t-1", Active: true, CreatedAt: time.Now()}
	require.NoError(t, mem.InsertMeeting(ctx, m))

	joined := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	left := joined.Add(75 * time.Minute)
	require.NoError(t, mem.InsertAttendance(ctx, &models.Attendance{
		MeetingID: m.ID, UserID: "s-1", StudentName: "Ada", StudentEmail: "ada@example.com",
		JoinedAt: joined, LeftAt: &left, Present: true,
	}))

	rep := NewReporter(mem, mem, reconcile.New(mem, mem, mem), time.UTC)
	wb, err := rep.MeetingReport(ctx, m.ID)
	require.NoError(t, err)
	defer wb.Close()
	require.Equal(t, "attendance Algebra_ week 3.xlsx", wb.Filename)

	var buf bytes.Buffer
	require.NoError(t, wb.Write(&buf))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	require.Equal(t, []string{SheetPresent, SheetAbsent}, f.GetSheetList())

	present, err := f.GetRows(SheetPresent)
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"Student", "Email", "Joined", "Left", "Duration"},
		{"Ada", "ada@example.com", "2025-03-14 09:30", "2025-03-14 10:45", "1 hr 15 min"},
	}, present)

	absent, err := f.GetRows(SheetAbsent)
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"Student", "Email", "Phone", "Guardian phone"},
		{"Bo", "bo@example.com", "+15550003", "+15550004"},
	}, absent)
}

func TestMeetingReport_UnknownMeeting(t *testing.T) {
	mem := store.NewMemory()
	rep := NewReporter(mem, mem, reconcile.New(mem, mem, mem), nil)

	_, err := rep.MeetingReport(context.Background(), "ghost")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestFilename(t *testing.T) {
	require.Equal(t, "attendance meeting.xlsx", Filename("   "))
	require.Equal(t, "attendance a_b.xlsx", Filename("a/b"))
}
