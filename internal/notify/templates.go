package notify

import (
	"strings"
	"text/template"
	"time"
)

// DateLayout renders a meeting time as "March 14, 2025 at 09:30 AM".
const DateLayout = "January 02, 2006 at 03:04 PM"

const (
	studentTmpl = `Dear {{.StudentName}},

This is to inform you that you were marked absent for the following class:
Class: {{.Title}}
Date & Time: {{.When}}

Please contact your teacher for more information.

Regards,
{{.AppName}} Attendance System`

	guardianTmpl = `Dear Parent/Guardian,

This is to inform you that {{.StudentName}} was marked absent for the following class:
Class: {{.Title}}
Date & Time: {{.When}}

Please ensure regular attendance for better academic performance.

Regards,
{{.AppName}} Attendance System`
)

var templates = template.Must(template.New(string(ChannelStudent)).Parse(studentTmpl))

func init() {
	template.Must(templates.New(string(ChannelGuardian)).Parse(guardianTmpl))
}

type messageData struct {
	AppName     string
	StudentName string
	Title       string
	When        string
}

func newMessageData(appName, studentName, title string, createdAt time.Time, loc *time.Location) messageData {
	return messageData{
		AppName:     appName,
		StudentName: studentName,
		Title:       title,
		When:        createdAt.In(loc).Format(DateLayout),
	}
}

func render(ch Channel, data messageData) (string, error) {
	var b strings.Builder
	if err := templates.ExecuteTemplate(&b, string(ch), data); err != nil {
		return "", err
	}
	return b.String(), nil
}
