package profile

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
)

// ErrNotFound signals that no profile row exists for the identity yet.
var ErrNotFound = errors.New("profile not found")

// Profile is the canonical business record associated with an identity.
type Profile struct {
	FirstName        *string `json:"first_name"`
	LastName         *string `json:"last_name"`
	CreditsBalance   int64   `json:"credits_balance"`
	StripeCustomerID *string `json:"stripe_customer_id"`
	AvatarURL        *string `json:"avatar_url"`
	Company          *string `json:"company"`
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	return &Profile{
		FirstName:        cloneString(p.FirstName),
		LastName:         cloneString(p.LastName),
		CreditsBalance:   p.CreditsBalance,
		StripeCustomerID: cloneString(p.StripeCustomerID),
		AvatarURL:        cloneString(p.AvatarURL),
		Company:          cloneString(p.Company),
	}
}

// Row is a raw users row as stored by the backend.
type Row struct {
	ID               string
	FirstName        *string
	LastName         *string
	CreditsBalance   int64
	StripeCustomerID *string
	ProfileImageURL  *string
	Preferences      map[string]any
}

// Profile maps the stored columns to the canonical shape.
func (r Row) Profile() Profile {
	return Profile{
		FirstName:        cloneString(r.FirstName),
		LastName:         cloneString(r.LastName),
		CreditsBalance:   r.CreditsBalance,
		StripeCustomerID: cloneString(r.StripeCustomerID),
		AvatarURL:        nonEmpty(r.ProfileImageURL),
		Company:          preferenceString(r.Preferences, "company"),
	}
}

// Update is a partial profile change requested by the user.
type Update struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Company   *string `json:"company,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

// Apply returns p with the non-nil fields of u applied.
func (u Update) Apply(p Profile) Profile {
	out := *p.Clone()
	if u.FirstName != nil {
		out.FirstName = cloneString(u.FirstName)
	}
	if u.LastName != nil {
		out.LastName = cloneString(u.LastName)
	}
	if u.Company != nil {
		out.Company = cloneString(u.Company)
	}
	if u.AvatarURL != nil {
		out.AvatarURL = cloneString(u.AvatarURL)
	}
	return out
}

// ApplyFields shallow-merges raw column values from a change event into p,
// favouring the new values. Column names are renamed to their canonical
// counterparts; unknown columns and values of the wrong type are ignored.
func ApplyFields(p Profile, fields map[string]any) Profile {
	out := *p.Clone()
	for key, value := range fields {
		switch key {
		case "first_name":
			assignString(&out.FirstName, value)
		case "last_name":
			assignString(&out.LastName, value)
		case "stripe_customer_id":
			assignString(&out.StripeCustomerID, value)
		case "profile_image_url", "avatar_url":
			if assignString(&out.AvatarURL, value) && out.AvatarURL != nil && *out.AvatarURL == "" {
				out.AvatarURL = nil
			}
		case "company":
			assignString(&out.Company, value)
		case "preferences":
			switch prefs := value.(type) {
			case nil:
				out.Company = nil
			case map[string]any:
				out.Company = preferenceString(prefs, "company")
			}
		case "credits_balance":
			if n, ok := toInt64(value); ok {
				out.CreditsBalance = n
			}
		}
	}
	return out
}

func assignString(dst **string, value any) bool {
	switch v := value.(type) {
	case nil:
		*dst = nil
	case string:
		*dst = &v
	default:
		return false
	}
	return true
}

func toInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func preferenceString(prefs map[string]any, key string) *string {
	if prefs == nil {
		return nil
	}
	s, ok := prefs[key].(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return cloneString(s)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
