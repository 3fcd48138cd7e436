package meeting

import (
	"fmt"
	"strings"
	"time"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
	titleLayout  = "20060102-150405"
)

// Sanitize drops every character outside [A-Za-z0-9].
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return -1
	}, s)
}

// generateCode builds "<prefix>-<class>-<6 random A-Z0-9>". className must
// already be sanitized.
func (m *Manager) generateCode(className string) string {
	var b strings.Builder
	b.Grow(len(m.prefix) + len(className) + codeLength + 2)
	b.WriteString(m.prefix)
	b.WriteByte('-')
	b.WriteString(className)
	b.WriteByte('-')
	for i := 0; i < codeLength; i++ {
		b.WriteByte(codeAlphabet[m.intn(len(codeAlphabet))])
	}
	return b.String()
}

// generateTitle builds "<prefix> - <teacher> - <subject> - <yyyyMMdd-HHmmss>-<100..999>".
func (m *Manager) generateTitle(teacherName, subject string, now time.Time) string {
	return fmt.Sprintf("%s - %s - %s - %s-%d",
		m.prefix, teacherName, subject, now.In(m.loc).Format(titleLayout), 100+m.intn(900))
}
