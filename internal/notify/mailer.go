package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/rent-scheduler/internal/telemetry"
)

// ErrSendTimeout is returned when the mail server does not answer in time
var ErrSendTimeout = errors.New("email send timed out")

// Email is one outgoing message
type Email struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Mailer delivers emails
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// SMTPConfig holds SMTP connection settings
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends multipart text/html mail through an SMTP relay
type SMTPMailer struct {
	logger *zap.Logger
	config SMTPConfig
	send   sendFunc
}

// NewSMTPMailer creates a new SMTP mailer
func NewSMTPMailer(config SMTPConfig, logger *zap.Logger) *SMTPMailer {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &SMTPMailer{
		logger: logger.Named("smtp"),
		config: config,
		send:   smtp.SendMail,
	}
}

// Send implements Mailer. The call is bounded by the configured timeout and
// the context, whichever ends first.
func (m *SMTPMailer) Send(ctx context.Context, email Email) error {
	if email.To == "" {
		return errors.New("email has no recipient")
	}

	msg, err := m.compose(email)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if m.config.Username != "" {
		auth = smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	}
	addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)

	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	// net/smtp has no context support; the send is abandoned on timeout.
	done := make(chan error, 1)
	go func() {
		done <- m.send(addr, auth, m.config.From, []string{email.To}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			telemetry.EmailsSent.WithLabelValues("failed").Inc()
			return fmt.Errorf("failed to send email: %w", err)
		}
		telemetry.EmailsSent.WithLabelValues("sent").Inc()
		m.logger.Debug("Email sent", zap.String("to", email.To), zap.String("subject", email.Subject))
		return nil
	case <-ctx.Done():
		telemetry.EmailsSent.WithLabelValues("timeout").Inc()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrSendTimeout, m.config.Timeout)
		}
		return ctx.Err()
	}
}

// compose builds a multipart/alternative message
func (m *SMTPMailer) compose(email Email) ([]byte, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	parts := []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=UTF-8", email.Text},
		{"text/html; charset=UTF-8", email.HTML},
	}
	for _, p := range parts {
		if p.content == "" {
			continue
		}
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.contentType},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create mime part: %w", err)
		}
		if _, err := part.Write([]byte(p.content)); err != nil {
			return nil, fmt.Errorf("failed to write mime part: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close mime writer: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", m.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", email.To)
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeHeader(email.Subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%s\r\n", w.Boundary())
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// LogMailer only logs outgoing mail. Used when no SMTP host is configured.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a logging mailer
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger.Named("mailer")}
}

// Send implements Mailer
func (m *LogMailer) Send(ctx context.Context, email Email) error {
	m.logger.Info("Email (not delivered)",
		zap.String("to", email.To),
		zap.String("subject", email.Subject))
	telemetry.EmailsSent.WithLabelValues("logged").Inc()
	return nil
}
