package accounts

import (
	"context"
	"maps"
	"strings"
	"sync"
)

type memoryRepository struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemoryRepository builds an in-memory user store for testing and local
// development.
func NewMemoryRepository() Repository {
	return &memoryRepository{users: make(map[string]User)}
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return copyUser(user), nil
}

func (r *memoryRepository) Create(_ context.Context, user User) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[user.ID]; exists {
		return false, nil
	}
	r.users[user.ID] = copyUser(user)
	return true, nil
}

func (r *memoryRepository) UpdateProfile(_ context.Context, id string, changes ProfileChanges) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	if changes.FirstName != nil {
		user.FirstName = copyString(changes.FirstName)
	}
	if changes.LastName != nil {
		user.LastName = copyString(changes.LastName)
	}
	if changes.AvatarURL != nil {
		user.ProfileImageURL = copyString(changes.AvatarURL)
	}
	if changes.Company != nil {
		prefs := maps.Clone(user.Preferences)
		if prefs == nil {
			prefs = map[string]any{}
		}
		prefs["company"] = *changes.Company
		user.Preferences = prefs
	}
	r.users[id] = user
	return copyUser(user), nil
}

func (r *memoryRepository) EmailTaken(_ context.Context, email, exceptID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, user := range r.users {
		if strings.EqualFold(user.Email, email) && id != exceptID {
			return true, nil
		}
	}
	return false, nil
}

func copyUser(u User) User {
	u.FirstName = copyString(u.FirstName)
	u.LastName = copyString(u.LastName)
	u.ProfileImageURL = copyString(u.ProfileImageURL)
	u.Preferences = maps.Clone(u.Preferences)
	return u
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
