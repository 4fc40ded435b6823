package notification

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/pellet-ingest/internal/protocol"
	"github.com/smukkama/pellet-ingest/pkg/config"
)

var alertTemplates = template.Must(template.New("alerts").Parse(`
{{define "REAUTH_REQUIRED"}}
Mail Reauthorization Required
=============================

Cycle: {{.CycleID}} ({{.Trigger}})
Started: {{.StartedAt.Format "2006-01-02 15:04:05 MST"}}

The mail service rejected the stored credentials:
{{.Detail}}

Local drop folders are still being imported. Email attachments will not be
discovered until a new refresh token is configured.
{{template "footer"}}
{{end}}

{{define "DISCOVERY_FAILED"}}
Mail Discovery Failed
=====================

Cycle: {{.CycleID}} ({{.Trigger}})
Started: {{.StartedAt.Format "2006-01-02 15:04:05 MST"}}
Outcome: {{.Outcome}}

{{.Detail}}
{{template "errors" .}}
The next scheduled cycle will retry the search.
{{template "footer"}}
{{end}}

{{define "CYCLE_FAILED"}}
Ingestion Cycle Failed
======================

Cycle: {{.CycleID}} ({{.Trigger}})
Started: {{.StartedAt.Format "2006-01-02 15:04:05 MST"}}
Outcome: {{.Outcome}}

{{.Detail}}
{{template "errors" .}}
{{template "footer"}}
{{end}}

{{define "errors"}}{{if .Errors}}
Errors:
{{range .Errors}}  - {{.}}
{{end}}{{end}}{{end}}

{{define "footer"}}
---
Pellet Ingest Notification System
{{end}}
`))

var alertSubjects = map[string]string{
	protocol.AlertReauthRequired:  "Pellet ingest: mail reauthorization required",
	protocol.AlertDiscoveryFailed: "Pellet ingest: mail discovery failed",
	protocol.AlertCycleFailed:     "Pellet ingest: ingestion cycle failed",
}

// EmailNotifier sends operator alerts over SMTP
type EmailNotifier struct {
	config *config.SMTPConfig
	logger *zap.Logger
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailNotifier creates a new email notifier
func NewEmailNotifier(cfg *config.SMTPConfig, logger *zap.Logger) *EmailNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &EmailNotifier{config: cfg, logger: logger.Named("notification")}
	e.send = e.sendMail
	return e
}

const defaultSMTPTimeout = 30 * time.Second

// sendMail is smtp.SendMail bounded by the configured timeout. The deadline
// covers the whole exchange, so a server that accepts but never greets
// cannot hold the caller.
func (e *EmailNotifier) sendMail(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	timeout := e.config.Timeout
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(a); err != nil {
				return err
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// SendCycleAlert emails the operator about a cycle that needs attention
func (e *EmailNotifier) SendCycleAlert(alert *protocol.CycleAlert) error {
	subject, ok := alertSubjects[alert.Type]
	if !ok {
		return fmt.Errorf("unknown alert type: %s", alert.Type)
	}

	body, err := renderAlert(alert)
	if err != nil {
		return fmt.Errorf("failed to render email template: %w", err)
	}

	return e.sendEmail(subject, body)
}

func renderAlert(alert *protocol.CycleAlert) (string, error) {
	var buf bytes.Buffer
	if err := alertTemplates.ExecuteTemplate(&buf, alert.Type, alert); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}

func (e *EmailNotifier) sendEmail(subject, body string) error {
	// Skip sending if SMTP is not configured
	if e.config.Username == "" || e.config.Password == "" {
		e.logger.Info("SMTP not configured, skipping email", zap.String("subject", subject))
		return nil
	}

	message := fmt.Sprintf("From: %s\r\n", e.config.From)
	message += fmt.Sprintf("To: %s\r\n", e.config.To)
	message += fmt.Sprintf("Subject: %s\r\n", subject)
	message += fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	message += "Content-Type: text/plain; charset=UTF-8\r\n"
	message += "\r\n"
	message += body

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := e.send(addr, auth, e.config.From, []string{e.config.To}, []byte(message)); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.logger.Info("email sent", zap.String("subject", subject))
	return nil
}
