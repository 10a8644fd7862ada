package session

import (
	"github.com/flashslides/usersession/internal/identity"
	"github.com/flashslides/usersession/internal/profile"
)

// Phase names where the coordinator is in its lifecycle.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseIdentified   Phase = "identified"
	PhaseResolved     Phase = "resolved"
	PhaseSignedOut    Phase = "signed_out"
)

// State is the reconciled current-user view. Profile is only set while
// Identity is set.
type State struct {
	Identity  *identity.Identity `json:"identity"`
	Profile   *profile.Profile   `json:"profile"`
	IsLoading bool               `json:"is_loading"`
	Phase     Phase              `json:"phase"`
}

// IdentityID returns the cached identity id, or "" when signed out.
func (s State) IdentityID() string {
	if s.Identity == nil {
		return ""
	}
	return s.Identity.ID
}

func (s State) clone() State {
	return State{
		Identity:  s.Identity.Clone(),
		Profile:   s.Profile.Clone(),
		IsLoading: s.IsLoading,
		Phase:     s.Phase,
	}
}
