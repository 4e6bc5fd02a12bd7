package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	mail "github.com/go-mail/mail"
	"go.uber.org/zap"
)

var errMissingSMTPHost = errors.New("mailer: smtp host required")

// Message is one outbound email.
type Message struct {
	To       string
	Subject  string
	TextBody string
	HTMLBody string
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, message Message) error
}

// SMTPConfig configures SMTP delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLSMode is "starttls" (default), "ssl" or "none".
	TLSMode string
	Logger  *zap.Logger
}

// SMTPSender delivers messages through an SMTP relay.
type SMTPSender struct {
	dialer *mail.Dialer
	from   string
	logger *zap.Logger
}

// NewSMTPSender constructs a sender for the relay in cfg.
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errMissingSMTPHost
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dialer := mail.NewDialer(host, port, cfg.Username, cfg.Password)
	dialer.TLSConfig = &tls.Config{ServerName: host}
	switch strings.ToLower(strings.TrimSpace(cfg.TLSMode)) {
	case "ssl":
		dialer.SSL = true
	case "none":
		dialer.StartTLSPolicy = mail.NoStartTLS
	}
	return &SMTPSender{dialer: dialer, from: cfg.From, logger: logger}, nil
}

func (s *SMTPSender) Send(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", message.To)
	m.SetHeader("Subject", message.Subject)
	m.SetBody("text/plain", message.TextBody)
	if message.HTMLBody != "" {
		m.AddAlternative("text/html", message.HTMLBody)
	}
	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	s.logger.Debug("mail delivered", zap.String("subject", message.Subject))
	return nil
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender constructs a sender for development setups.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, message Message) error {
	s.logger.Info("mail not delivered (log mode)",
		zap.String("to", message.To),
		zap.String("subject", message.Subject),
		zap.String("body", message.TextBody))
	return nil
}

// RecordingSender keeps every message in memory.
type RecordingSender struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

// NewRecordingSender returns an empty recorder.
func NewRecordingSender() *RecordingSender {
	return &RecordingSender{}
}

// FailWith makes later sends fail with err after recording the message.
func (s *RecordingSender) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *RecordingSender) Send(_ context.Context, message Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, message)
	return s.err
}

// Messages returns a copy of the recorded messages.
func (s *RecordingSender) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Last returns the most recent message sent to the address.
func (s *RecordingSender) Last(to string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].To == to {
			return s.messages[i], true
		}
	}
	return Message{}, false
}

// ExtractToken returns the value of param from the first link in the message body.
func ExtractToken(message Message, param string) string {
	for _, field := range strings.Fields(message.TextBody) {
		if !strings.HasPrefix(field, "http://") && !strings.HasPrefix(field, "https://") {
			continue
		}
		parsed, err := url.Parse(field)
		if err != nil {
			continue
		}
		if value := parsed.Query().Get(param); value != "" {
			return value
		}
	}
	return ""
}
