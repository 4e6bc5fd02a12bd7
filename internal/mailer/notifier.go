package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var errMissingSender = errors.New("mailer: sender required")

// NotifierConfig describes where account mail links point.
type NotifierConfig struct {
	Sender  Sender
	BaseURL string
}

// Notifier composes account lifecycle mail.
type Notifier struct {
	sender  Sender
	baseURL string
}

// NewNotifier constructs a notifier whose links are rooted at cfg.BaseURL.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Notifier{sender: cfg.Sender, baseURL: baseURL}, nil
}

// SendConfirmation mails the link that redeems a confirmation token.
func (n *Notifier) SendConfirmation(ctx context.Context, to, username, token string) error {
	link := n.link("/auth/confirmation", "confirmation_token", token)
	return n.sender.Send(ctx, Message{
		To:       to,
		Subject:  "Confirm your email address",
		TextBody: fmt.Sprintf("Hello %s,\n\nConfirm your email address by opening:\n%s\n", username, link),
		HTMLBody: fmt.Sprintf(`<p>Hello %s,</p><p><a href="%s">Confirm my account</a></p>`, htmlEscape(username), link),
	})
}

// SendPasswordReset mails the link that redeems a password reset token.
func (n *Notifier) SendPasswordReset(ctx context.Context, to, username, token string) error {
	link := n.link("/auth/password/edit", "reset_password_token", token)
	return n.sender.Send(ctx, Message{
		To:       to,
		Subject:  "Reset password instructions",
		TextBody: fmt.Sprintf("Hello %s,\n\nSomeone asked to change your password. Open the link below to choose a new one:\n%s\n\nIgnore this message if it was not you.\n", username, link),
		HTMLBody: fmt.Sprintf(`<p>Hello %s,</p><p><a href="%s">Change my password</a></p>`, htmlEscape(username), link),
	})
}

func (n *Notifier) link(path, param, token string) string {
	query := url.Values{}
	query.Set(param, token)
	return n.baseURL + path + "?" + query.Encode()
}

var htmlReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&#34;", "'", "&#39;")

func htmlEscape(value string) string {
	return htmlReplacer.Replace(value)
}
