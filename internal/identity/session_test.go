package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flashslides/usersession/internal/auth"
)

func issue(t *testing.T, tokens *auth.Tokens, subject string, ttl time.Duration) string {
	t.Helper()
	token, err := tokens.Issue(subject, subject+"@example.com", map[string]any{"full_name": "Test User"}, ttl)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestSessionSignedOutByDefault(t *testing.T) {
	s := NewSession(auth.NewTokens("secret"))

	if _, err := s.Current(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
	if _, err := s.AccessToken(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestSessionEventsInOrder(t *testing.T) {
	tokens := auth.NewTokens("secret")
	s := NewSession(tokens)
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	if err := s.SignIn(issue(t, tokens, "u1", time.Hour)); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if err := s.Refresh(issue(t, tokens, "u2", time.Hour)); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := s.UpdateMetadata(map[string]any{"theme": "dark"}); err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	s.SignOut()

	ev := next(t, events)
	if ev.Kind != EventSignedIn || ev.Identity.ID != "u1" {
		t.Fatalf("unexpected first event %+v", ev)
	}
	if ev.Identity.Email == nil || *ev.Identity.Email != "u1@example.com" {
		t.Fatalf("expected email on identity, got %+v", ev.Identity)
	}
	ev = next(t, events)
	if ev.Kind != EventTokenRefreshed || ev.Identity.ID != "u2" {
		t.Fatalf("unexpected second event %+v", ev)
	}
	ev = next(t, events)
	if ev.Kind != EventUserUpdated || ev.Identity.Metadata["theme"] != "dark" {
		t.Fatalf("unexpected third event %+v", ev)
	}
	ev = next(t, events)
	if ev.Kind != EventSignedOut || ev.Identity != nil {
		t.Fatalf("unexpected fourth event %+v", ev)
	}
}

func TestSessionInitialSessionOnSubscribe(t *testing.T) {
	tokens := auth.NewTokens("secret")
	s := NewSession(tokens)
	if err := s.SignIn(issue(t, tokens, "u1", time.Hour)); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	ev := next(t, events)
	if ev.Kind != EventInitialSession || ev.Identity.ID != "u1" {
		t.Fatalf("expected initial session for u1, got %+v", ev)
	}

	token, err := s.AccessToken(context.Background())
	if err != nil || token == "" {
		t.Fatalf("expected access token, got %q %v", token, err)
	}
}

func TestSessionExpiredTokenReportsNoSession(t *testing.T) {
	tokens := auth.NewTokens("secret")
	s := NewSession(tokens)
	if err := s.SignIn(issue(t, tokens, "u1", time.Hour)); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := s.Current(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession after expiry, got %v", err)
	}
}

func TestSessionRejectsInvalidToken(t *testing.T) {
	s := NewSession(auth.NewTokens("secret"))
	if err := s.SignIn("garbage"); err == nil {
		t.Fatalf("expected error for invalid token")
	}
	if _, err := s.Current(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected session to stay empty, got %v", err)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	tokens := auth.NewTokens("secret")
	s := NewSession(tokens)
	_, unsubscribe := s.Subscribe()
	unsubscribe()
	unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			s.SignOut()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("emit blocked on an unsubscribed listener")
	}
}
