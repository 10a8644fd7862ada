package accounts

import (
	"maps"
	"time"
)

// PasswordManagedExternally marks rows whose credentials live with the
// identity provider.
const PasswordManagedExternally = "managed_externally"

// User is a provisioned row of the users table.
type User struct {
	ID              string
	Email           string
	FirstName       *string
	LastName        *string
	CreditsBalance  int64
	ProfileImageURL *string
	Preferences     map[string]any
	PasswordHash    string
	CreatedAt       time.Time
}

// ProfileChanges is a partial profile update. Nil fields are left alone.
type ProfileChanges struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
	Company   *string `json:"company,omitempty"`
}

// Empty reports whether no field is set.
func (c ProfileChanges) Empty() bool {
	return c.FirstName == nil && c.LastName == nil && c.AvatarURL == nil && c.Company == nil
}

// fields returns the changed columns keyed by column name, the shape
// published on the change feed.
func (u User) fields() map[string]any {
	out := map[string]any{
		"email":             u.Email,
		"first_name":        derefOrNil(u.FirstName),
		"last_name":         derefOrNil(u.LastName),
		"credits_balance":   u.CreditsBalance,
		"profile_image_url": derefOrNil(u.ProfileImageURL),
	}
	if u.Preferences != nil {
		out["preferences"] = maps.Clone(u.Preferences)
	}
	return out
}

func derefOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
