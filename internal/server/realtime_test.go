package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/participa/backend/internal/users"
)

func TestEventDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "account-1")
	defer cleanup()

	dispatcher.Publish(AccountEvent{
		AccountID: "account-1",
		EventType: EventEmailConfirmed,
		State:     users.SignupStateComplete,
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.EventType != EventEmailConfirmed {
			t.Fatalf("expected event type %s, got %s", EventEmailConfirmed, received.EventType)
		}
		if received.State != users.SignupStateComplete {
			t.Fatalf("expected complete state, got %s", received.State)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected account event within deadline")
	}
}

func TestEventDispatcherIsolatedByAccount(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	accountStream, cleanup := dispatcher.Subscribe(ctx, "account-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "account-3")
	defer otherCleanup()

	dispatcher.Publish(AccountEvent{
		AccountID: "account-3",
		EventType: EventSignupStateChanged,
		State:     users.SignupStateAwaitingConfirmation,
		Timestamp: time.Now().UTC(),
	})

	select {
	case <-accountStream:
		t.Fatal("did not expect an event for an unrelated account")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-otherStream:
		if event.AccountID != "account-3" {
			t.Fatalf("expected account-3, received %s", event.AccountID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected an event for the subscribed account")
	}
}

func TestEventDispatcherDropsSubscriberOnCancel(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "account-4")
	defer cleanup()
	if dispatcher.subscriberCount("account-4") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for dispatcher.subscriberCount("account-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(10 * time.Millisecond)
	}

	closed, noop := dispatcher.Subscribe(context.Background(), "")
	noop()
	if _, ok := <-closed; ok {
		t.Fatal("expected closed stream for empty account id")
	}
}
