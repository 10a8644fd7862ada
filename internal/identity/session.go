package identity

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/flashslides/usersession/internal/auth"
)

// TokenParser verifies access tokens and returns their claims.
type TokenParser interface {
	Parse(token string) (auth.Claims, error)
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Session is a long-lived handle on the provider session. It holds the
// current access token and fans session events out to subscribers. Every
// call reads the token under lock so a rotated credential is picked up
// immediately.
type Session struct {
	parser TokenParser
	now    func() time.Time

	mu       sync.Mutex
	token    string
	identity *Identity
	expires  time.Time
	subs     map[int]*subscriber
	nextID   int

	// emitMu serialises deliveries so every subscriber observes provider order.
	emitMu sync.Mutex
}

// NewSession creates an empty (signed out) session.
func NewSession(parser TokenParser) *Session {
	return &Session{parser: parser, now: time.Now, subs: make(map[int]*subscriber)}
}

// FromClaims maps verified token claims onto an Identity.
func FromClaims(claims auth.Claims) *Identity {
	ident := &Identity{ID: claims.Subject, Metadata: maps.Clone(claims.UserMetadata)}
	if claims.Email != "" {
		email := claims.Email
		ident.Email = &email
	}
	if ident.Metadata == nil {
		ident.Metadata = map[string]any{}
	}
	return ident
}

// SignIn installs a new access token and emits SIGNED_IN.
func (s *Session) SignIn(token string) error {
	ident, err := s.install(token)
	if err != nil {
		return err
	}
	s.emit(Event{Kind: EventSignedIn, Identity: ident})
	return nil
}

// Refresh rotates the access token and emits TOKEN_REFRESHED. The new token
// may belong to a different user.
func (s *Session) Refresh(token string) error {
	ident, err := s.install(token)
	if err != nil {
		return err
	}
	s.emit(Event{Kind: EventTokenRefreshed, Identity: ident})
	return nil
}

// SignOut drops the session and emits SIGNED_OUT.
func (s *Session) SignOut() {
	s.mu.Lock()
	s.token = ""
	s.identity = nil
	s.expires = time.Time{}
	s.mu.Unlock()
	s.emit(Event{Kind: EventSignedOut})
}

// UpdateMetadata replaces the user metadata of the active session and emits
// USER_UPDATED.
func (s *Session) UpdateMetadata(metadata map[string]any) error {
	s.mu.Lock()
	if s.identity == nil {
		s.mu.Unlock()
		return ErrNoSession
	}
	s.identity.Metadata = maps.Clone(metadata)
	ident := s.identity.Clone()
	s.mu.Unlock()
	s.emit(Event{Kind: EventUserUpdated, Identity: ident})
	return nil
}

// Current returns the identity of the active, unexpired session.
func (s *Session) Current(ctx context.Context) (*Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeLocked() {
		return nil, ErrNoSession
	}
	return s.identity.Clone(), nil
}

// AccessToken returns the bearer token of the active, unexpired session.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.activeLocked() {
		return "", ErrNoSession
	}
	return s.token, nil
}

// Subscribe registers a listener. When a session is active the listener
// first receives INITIAL_SESSION.
func (s *Session) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, 8), done: make(chan struct{})}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	var initial *Identity
	if s.activeLocked() {
		initial = s.identity.Clone()
	}
	s.mu.Unlock()

	if initial != nil {
		s.deliver(sub, Event{Kind: EventInitialSession, Identity: initial})
	}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(sub.done)
		})
	}
}

func (s *Session) install(token string) (*Identity, error) {
	claims, err := s.parser.Parse(token)
	if err != nil {
		if errors.Is(err, auth.ErrTokenExpired) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("install session token: %w", err)
	}
	ident := FromClaims(claims)

	s.mu.Lock()
	s.token = token
	s.identity = ident
	s.expires = claims.Expiry()
	s.mu.Unlock()
	return ident.Clone(), nil
}

func (s *Session) activeLocked() bool {
	if s.identity == nil || s.token == "" {
		return false
	}
	return s.expires.IsZero() || s.now().Before(s.expires)
}

func (s *Session) emit(ev Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		s.deliver(sub, Event{Kind: ev.Kind, Identity: ev.Identity.Clone()})
	}
}

func (s *Session) deliver(sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
	case <-sub.done:
	}
}
