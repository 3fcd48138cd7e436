// Package messaging delivers plain text messages to phone numbers. Success
// means the provider accepted the message for dispatch, not that it was read.
package messaging

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid phone number")

// Sender dispatches one text message.
type Sender interface {
	Send(ctx context.Context, phone, body string) error
}

// NormalizePhone strips the leading '+' and common separators, leaving the
// digits providers expect.
func NormalizePhone(phone string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
	digits = strings.TrimPrefix(digits, "+")
	if len(digits) < 6 || len(digits) > 15 {
		return "", ErrInvalidPhone
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", ErrInvalidPhone
		}
	}
	return digits, nil
}

// ClickToChatLink builds the whatsapp://send link that opens a prefilled chat.
func ClickToChatLink(phone, body string) string {
	q := url.Values{}
	q.Set("phone", strings.TrimPrefix(phone, "+"))
	if body != "" {
		q.Set("text", body)
	}
	return "whatsapp://send?" + q.Encode()
}
