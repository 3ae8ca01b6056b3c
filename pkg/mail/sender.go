// Package mail delivers invitation messages. Delivery is a collaborator of
// the sharing workflow; failures are surfaced as recoverable errors and the
// invitation link stays usable.
package mail

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/platinummonkey/rhythm/pkg/observability"
)

// Sender delivers a single message to one recipient
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPConfig configures the SMTP sender
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender delivers messages over SMTP with optional PLAIN auth
type SMTPSender struct {
	config SMTPConfig
	logger *observability.Logger
}

// NewSMTPSender creates an SMTP-backed sender
func NewSMTPSender(config SMTPConfig, logger *observability.Logger) (*SMTPSender, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if config.Port <= 0 {
		config.Port = 587
	}
	if config.From == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	return &SMTPSender{config: config, logger: logger}, nil
}

// Send delivers one plain-text message
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := strings.Join([]string{
		fmt.Sprintf("From: %s", s.config.From),
		fmt.Sprintf("To: %s", to),
		fmt.Sprintf("Subject: %s", subject),
		"MIME-Version: 1.0",
		`Content-Type: text/plain; charset="utf-8"`,
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	if err := smtp.SendMail(addr, auth, s.config.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}

	s.logger.WithField("to", to).Debug("invitation email delivered")
	return nil
}

// LogSender records messages instead of delivering them. Used when no SMTP
// server is configured, so invitation links still reach the operator logs.
type LogSender struct {
	logger *observability.Logger
}

// NewLogSender creates a log-only sender
func NewLogSender(logger *observability.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message instead of delivering it
func (s *LogSender) Send(_ context.Context, to, subject, body string) error {
	s.logger.WithFields(map[string]interface{}{
		"to":      to,
		"subject": subject,
	}).Info("email delivery disabled, logging message")
	s.logger.Debug(body)
	return nil
}
