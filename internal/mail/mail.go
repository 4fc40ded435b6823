// Package mail is the mail capability used by attachment discovery: search,
// fetch message metadata, fetch attachment bytes and flag messages.
package mail

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotConfigured means no credentials are configured at all.
	ErrNotConfigured = errors.New("mail: not configured")
	// ErrReauthRequired means the stored credentials were rejected and an
	// operator has to authorize again. Callers must not retry.
	ErrReauthRequired = errors.New("mail: reauthorization required")
)

// IsAuthError reports whether err is a configuration or credential failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrReauthRequired)
}

type Service interface {
	Configured() bool
	SearchMessages(ctx context.Context, query string, limit int) ([]string, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error)
	ModifyMessage(ctx context.Context, id string, mod Modification) error
}

type Message struct {
	ID          string
	From        string
	Subject     string
	Date        time.Time
	Attachments []Attachment
}

// Attachment describes one file attached to a message. Data is set when the
// provider returned the body inline; otherwise fetch it by ID.
type Attachment struct {
	ID       string
	Filename string
	MimeType string
	Size     int64
	Data     []byte
}

type Modification struct {
	AddLabel string
	MarkRead bool
}

func (m Modification) IsZero() bool {
	return m.AddLabel == "" && !m.MarkRead
}

// Query holds search criteria. After and Before are inclusive calendar days;
// zero means unbounded.
type Query struct {
	Senders []string
	Subject string
	After   time.Time
	Before  time.Time
}

const queryDateLayout = "2006/01/02"

// BuildQuery renders q in the provider's search syntax, for example
//
//	from:(a@x.de OR b@y.de) subject:"Touch export" has:attachment after:2025/11/01 before:2025/11/07
//
// before: is exclusive on the provider side, so the inclusive Before day is
// rendered as the day after.
func BuildQuery(q Query) string {
	var parts []string

	var senders []string
	for _, s := range q.Senders {
		if s = strings.TrimSpace(s); s != "" {
			senders = append(senders, s)
		}
	}
	switch len(senders) {
	case 0:
	case 1:
		parts = append(parts, "from:"+senders[0])
	default:
		parts = append(parts, "from:("+strings.Join(senders, " OR ")+")")
	}

	if subject := strings.TrimSpace(q.Subject); subject != "" {
		parts = append(parts, fmt.Sprintf("subject:%q", subject))
	}
	parts = append(parts, "has:attachment")

	if !q.After.IsZero() {
		parts = append(parts, "after:"+q.After.Format(queryDateLayout))
	}
	if !q.Before.IsZero() {
		parts = append(parts, "before:"+q.Before.AddDate(0, 0, 1).Format(queryDateLayout))
	}
	return strings.Join(parts, " ")
}
