package notifications

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	// From is the envelope sender; FromName is only used in the header.
	From     string
	FromName string
	To       []string
	// StartTLS upgrades the connection when the server offers it.
	StartTLS bool
}

// Enabled reports whether enough is configured to send mail.
func (c EmailConfig) Enabled() bool {
	return c.Host != "" && c.From != "" && len(c.To) > 0
}

// EmailSender sends alerts over SMTP.
type EmailSender struct {
	cfg  EmailConfig
	auth smtp.Auth
}

// NewEmailSender creates a sender. Credentials enable PLAIN auth.
func NewEmailSender(cfg EmailConfig) *EmailSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &EmailSender{cfg: cfg, auth: auth}
}

// Name returns "email".
func (s *EmailSender) Name() string { return "email" }

// Send delivers the alert to every configured recipient in one message.
func (s *EmailSender) Send(ctx context.Context, alert Alert) error {
	if !s.cfg.Enabled() {
		return errors.New("email is not configured")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer func() { _ = c.Close() }()

	if s.cfg.StartTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if s.auth != nil {
		if err := c.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, to := range s.cfg.To {
		if err := c.Rcpt(to); err != nil {
			return fmt.Errorf("rcpt to %s: %w", to, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(s.buildMessage(alert)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return c.Quit()
}

func (s *EmailSender) buildMessage(alert Alert) []byte {
	fromHeader := s.cfg.From
	if strings.TrimSpace(s.cfg.FromName) != "" {
		fromHeader = fmt.Sprintf("%s <%s>", s.cfg.FromName, s.cfg.From)
	}

	lines := []string{
		"From: " + sanitizeHeader(fromHeader),
		"To: " + sanitizeHeader(strings.Join(s.cfg.To, ", ")),
		"Subject: " + sanitizeHeader(alert.Subject()),
		"Date: " + alert.FiredAt.Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
		"",
		alertHTML(alert),
	}
	return []byte(strings.Join(lines, "\r\n"))
}

func alertHTML(alert Alert) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	fmt.Fprintf(&b, "<h2>%s</h2>", html.EscapeString(alert.Subject()))
	fmt.Fprintf(&b, "<p>%s</p>", html.EscapeString(alert.Message))
	b.WriteString("<table>")
	fmt.Fprintf(&b, "<tr><td>Window</td><td>%s</td></tr>", html.EscapeString(alert.Window))
	fmt.Fprintf(&b, "<tr><td>Total</td><td>$%.2f</td></tr>", alert.Total)
	fmt.Fprintf(&b, "<tr><td>Limit</td><td>$%.2f</td></tr>", alert.Limit)
	fmt.Fprintf(&b, "<tr><td>Fired at</td><td>%s</td></tr>", alert.FiredAt.Format(time.RFC3339))
	b.WriteString("</table></body></html>")
	return b.String()
}

func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}
