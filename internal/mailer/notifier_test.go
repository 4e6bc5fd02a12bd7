package mailer

import (
	"context"
	"net/url"
	"strings"
	"testing"
)

func TestNotifierBuildsConfirmationLink(t *testing.T) {
	recorder := NewRecordingSender()
	notifier, err := NewNotifier(NotifierConfig{Sender: recorder, BaseURL: "https://participa.example.com/"})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	if err := notifier.SendConfirmation(context.Background(), "manuela@example.com", "manuela", "tok+en/1"); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	message, ok := recorder.Last("manuela@example.com")
	if !ok {
		t.Fatalf("expected a recorded message")
	}
	want := "https://participa.example.com/auth/confirmation?confirmation_token=" + url.QueryEscape("tok+en/1")
	if !strings.Contains(message.TextBody, want) {
		t.Fatalf("expected link %s in body %q", want, message.TextBody)
	}
	if ExtractToken(message, "confirmation_token") != "tok+en/1" {
		t.Fatalf("expected token to round trip through the link")
	}
}

func TestNotifierEscapesUsernameInHTML(t *testing.T) {
	recorder := NewRecordingSender()
	notifier, err := NewNotifier(NotifierConfig{Sender: recorder})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if err := notifier.SendPasswordReset(context.Background(), "a@example.com", "<b>", "raw"); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}
	message, _ := recorder.Last("a@example.com")
	if strings.Contains(message.HTMLBody, "<b>") {
		t.Fatalf("expected username to be escaped, got %q", message.HTMLBody)
	}
	if ExtractToken(message, "reset_password_token") != "raw" {
		t.Fatalf("expected reset token in link")
	}
}

func TestNewNotifierRequiresSender(t *testing.T) {
	if _, err := NewNotifier(NotifierConfig{}); err == nil {
		t.Fatalf("expected error without sender")
	}
}
