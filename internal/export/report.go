// Package export renders attendance reports as xlsx workbooks.
package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/eduface/attendance/internal/common"
	"github.com/eduface/attendance/internal/models"
)

const (
	SheetPresent = "Present"
	SheetAbsent  = "Absent"

	timeLayout = "2006-01-02 15:04"
)

var ErrMeetingNotFound = fmt.Errorf("meeting %w", common.ErrNotFound)

type MeetingReader interface {
	GetMeeting(ctx context.Context, id string) (*models.Meeting, error)
}

type AttendanceReader interface {
	ListAttendanceByMeeting(ctx context.Context, meetingID string) ([]models.Attendance, error)
}

type AbsenteeSource interface {
	ComputeAbsentees(ctx context.Context, meetingID string) ([]models.User, error)
}

// Sheet is one tab of a workbook.
type Sheet struct {
	Title  string
	Header []string
	Rows   [][]string
}

// Workbook is a rendered report ready to be written out.
type Workbook struct {
	Filename string
	File     *excelize.File
}

// Write streams the workbook to w.
func (wb *Workbook) Write(w io.Writer) error {
	_, err := wb.File.WriteTo(w)
	return err
}

// Close releases the workbook's temporary resources.
func (wb *Workbook) Close() error { return wb.File.Close() }

// Reporter builds per-meeting attendance workbooks.
type Reporter struct {
	meetings   MeetingReader
	attendance AttendanceReader
	absentees  AbsenteeSource
	loc        *time.Location
	now        func() time.Time
}

func NewReporter(meetings MeetingReader, attendance AttendanceReader, absentees AbsenteeSource, loc *time.Location) *Reporter {
	if loc == nil {
		loc = time.UTC
	}
	return &Reporter{meetings: meetings, attendance: attendance, absentees: absentees, loc: loc, now: time.Now}
}

// MeetingReport lists who checked in on the Present sheet and who did not on
// the Absent sheet.
func (r *Reporter) MeetingReport(ctx context.Context, meetingID string) (*Workbook, error) {
	m, err := r.meetings.GetMeeting(ctx, meetingID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, ErrMeetingNotFound
		}
		return nil, err
	}
	rows, err := r.attendance.ListAttendanceByMeeting(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("load attendance: %w", err)
	}
	absent, err := r.absentees.ComputeAbsentees(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("compute absentees: %w", err)
	}

	now := r.now()
	present := Sheet{
		Title:  SheetPresent,
		Header: []string{"Student", "Email", "Joined", "Left", "Duration"},
	}
	for _, a := range rows {
		left := ""
		if a.LeftAt != nil {
			left = a.LeftAt.In(r.loc).Format(timeLayout)
		}
		present.Rows = append(present.Rows, []string{
			a.StudentName,
			a.StudentEmail,
			a.JoinedAt.In(r.loc).Format(timeLayout),
			left,
			models.FormatDuration(a.Duration(now)),
		})
	}

	absentSheet := Sheet{
		Title:  SheetAbsent,
		Header: []string{"Student", "Email", "Phone", "Guardian phone"},
	}
	for _, u := range absent {
		absentSheet.Rows = append(absentSheet.Rows, []string{u.Name, u.Email, u.PhoneNumber, u.GuardianPhoneNumber})
	}

	f, err := Build([]Sheet{present, absentSheet})
	if err != nil {
		return nil, err
	}
	return &Workbook{Filename: Filename(m.Title), File: f}, nil
}

// Build renders sheets in order with a bold, filterable header row.
func Build(sheets []Sheet) (*excelize.File, error) {
	if len(sheets) == 0 {
		return nil, errors.New("export: no sheets")
	}
	f := excelize.NewFile()
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("new style: %w", err)
	}

	for i, s := range sheets {
		if i == 0 {
			if err := f.SetSheetName("Sheet1", s.Title); err != nil {
				return nil, fmt.Errorf("rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(s.Title); err != nil {
			return nil, fmt.Errorf("new sheet: %w", err)
		}

		if err := f.SetSheetRow(s.Title, "A1", &s.Header); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
		end, _ := excelize.CoordinatesToCellName(len(s.Header), 1)
		_ = f.SetCellStyle(s.Title, "A1", end, bold)
		_ = f.AutoFilter(s.Title, "A1:"+end, nil)

		widths := make([]int, len(s.Header))
		for c, h := range s.Header {
			widths[c] = len(h)
		}
		for r, row := range s.Rows {
			cell, _ := excelize.CoordinatesToCellName(1, r+2)
			if err := f.SetSheetRow(s.Title, cell, &row); err != nil {
				return nil, fmt.Errorf("write row %d: %w", r+2, err)
			}
			for c, v := range row {
				if c < len(widths) && len(v) > widths[c] {
					widths[c] = len(v)
				}
			}
		}
		for c, w := range widths {
			col, _ := excelize.ColumnNumberToName(c + 1)
			_ = f.SetColWidth(s.Title, col, col, float64(min(max(w+2, 12), 40)))
		}
	}
	return f, nil
}

var invalidFileRe = regexp.MustCompile(`[\\/:*?"<>|]+`)

// Filename builds a safe xlsx filename from a meeting title.
func Filename(title string) string {
	base := strings.Join(strings.Fields(title), " ")
	base = invalidFileRe.ReplaceAllString(base, "_")
	if base == "" {
		base = "meeting"
	}
	return "attendance " + base + ".xlsx"
}
