package identity

import (
	"context"
	"errors"
	"maps"
)

// ErrNoSession is reported when the provider has no active session. Callers
// treat it as an empty result rather than a failure.
var ErrNoSession = errors.New("auth session missing")

// Identity is the provider-asserted record of who is logged in.
type Identity struct {
	ID       string         `json:"id"`
	Email    *string        `json:"email"`
	Metadata map[string]any `json:"metadata"`
}

// Clone returns a deep copy safe to hand to other goroutines.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	out := &Identity{ID: i.ID, Metadata: maps.Clone(i.Metadata)}
	if i.Email != nil {
		email := *i.Email
		out.Email = &email
	}
	return out
}

// EventKind enumerates provider session events.
type EventKind string

const (
	EventInitialSession EventKind = "INITIAL_SESSION"
	EventSignedIn       EventKind = "SIGNED_IN"
	EventSignedOut      EventKind = "SIGNED_OUT"
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
	EventUserUpdated    EventKind = "USER_UPDATED"
)

// Event is a provider session change. Identity is nil when the session has
// no user.
type Event struct {
	Kind     EventKind
	Identity *Identity
}

// Source is the authentication provider as seen by the session coordinator.
type Source interface {
	// Current performs a fresh check of the asserted identity. A missing
	// session yields ErrNoSession.
	Current(ctx context.Context) (*Identity, error)
	// AccessToken returns the bearer credential of the active session.
	AccessToken(ctx context.Context) (string, error)
	// Subscribe delivers events in provider order until the returned
	// function is called.
	Subscribe() (<-chan Event, func())
}
