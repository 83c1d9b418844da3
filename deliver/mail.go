package deliver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// Message is one outgoing digest email.
type Message struct {
	From        string
	To          string
	Subject     string
	Body        string
	ContentType string // "text/html" or "text/plain"
}

// Mailer sends a message.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig holds SMTP connection settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

// SMTPMailer sends mail through an SMTP relay, upgrading with STARTTLS when
// the server offers it. One attempt per message.
type SMTPMailer struct {
	cfg     SMTPConfig
	timeout time.Duration
}

// NewSMTPMailer creates a mailer.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, timeout: 30 * time.Second}
}

// Send delivers msg.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if msg.From == "" || msg.To == "" {
		return errors.New("sender and recipient are required")
	}

	mm, err := Compose(msg, time.Now())
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(m.cfg.Port),
		mail.WithTimeout(m.timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if m.cfg.Password != "" {
		user := m.cfg.Username
		if user == "" {
			user = msg.From
		}
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(user),
			mail.WithPassword(m.cfg.Password),
		)
	}

	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("failed to configure SMTP client: %w", err)
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	if err := client.DialAndSendWithContext(ctx, mm); err != nil {
		return fmt.Errorf("failed to send mail via %s: %w", addr, err)
	}
	return nil
}

// Compose builds the MIME message for msg. Bodies are base64 encoded UTF-8,
// sent as HTML when the content type says so and plain text otherwise.
func Compose(msg Message, date time.Time) (*mail.Msg, error) {
	mm := mail.NewMsg(mail.WithEncoding(mail.EncodingB64), mail.WithCharset(mail.CharsetUTF8))
	if err := mm.From(msg.From); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", msg.From, err)
	}
	if err := mm.To(msg.To); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}
	mm.Subject(msg.Subject)
	mm.SetDateWithValue(date)

	contentType := mail.TypeTextPlain
	if IsHTML(msg.ContentType) {
		contentType = mail.TypeTextHTML
	}
	mm.SetBodyString(contentType, msg.Body)

	return mm, nil
}

// Subject returns the digest subject line for date.
func Subject(date time.Time) string {
	return "Daily Research Digest - " + date.Format("2006-01-02")
}

// IsHTML reports whether a content type is HTML.
func IsHTML(contentType string) bool {
	return strings.HasPrefix(contentType, "text/html")
}
