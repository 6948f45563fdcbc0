package notifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"guardian/internal/models"
)

// SMTPConfig is the relay used for email contacts.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPNotifier emails the trusted contact through an SMTP relay.
type SMTPNotifier struct {
	cfg      SMTPConfig
	sendMail func(addr string, a sasl.Client, from string, to []string, r io.Reader) error
}

func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{
		cfg: cfg,
		sendMail: func(addr string, a sasl.Client, from string, to []string, r io.Reader) error {
			return smtp.SendMail(addr, a, from, to, r)
		},
	}
}

func (s *SMTPNotifier) Notify(ctx context.Context, n models.Notification) error {
	to := strings.TrimSpace(n.TrustedContact.Address)
	if to == "" || strings.ContainsAny(to, "\r\n") || !strings.Contains(to, "@") {
		return fmt.Errorf("%w: invalid email address %q", ErrPermanent, to)
	}

	var auth sasl.Client
	if s.cfg.Username != "" {
		auth = sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	msg := buildMessage(s.cfg.From, to, n)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.sendMail(addr, auth, s.cfg.From, []string{to}, strings.NewReader(msg))
	}()

	select {
	case err := <-errCh:
		if err != nil {
			var smtpErr *smtp.SMTPError
			if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
				return fmt.Errorf("%w: %v", ErrPermanent, err)
			}
			return fmt.Errorf("failed to send email: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(from, to string, n models.Notification) string {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: Safety alert for " + sanitizeHeader(n.SubjectID) + "\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	if n.TrustedContact.Name != "" {
		b.WriteString("Hello, " + n.TrustedContact.Name + ".\r\n\r\n")
	}
	b.WriteString(n.IncidentSummary)
	b.WriteString("\r\n")
	return b.String()
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}
