// Package directory resolves the opaque user ids stored in call records to
// displayable users. The call core only ever consumes the read-only lookup
// interface; profile management lives elsewhere.
package directory

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrUserNotFound is returned by lookups for unknown ids.
var ErrUserNotFound = errors.New("directory: user not found")

// User is the display projection of one account.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	IsOnline    bool   `json:"isOnline"`
}

// Directory is a read-only user lookup.
type Directory interface {
	Lookup(ctx context.Context, id string) (User, error)
	List(ctx context.Context) ([]User, error)
}

// Identity supplies the locally authenticated user; it doubles as the filter
// for incoming-call watching.
type Identity struct {
	User User
}

// Static is a fixed in-memory directory, used in tests and for single-host
// demos without a server roster.
type Static struct {
	mu    sync.RWMutex
	users map[string]User
}

var _ Directory = (*Static)(nil)

// NewStatic builds a directory from a fixed user set.
func NewStatic(users ...User) *Static {
	s := &Static{users: make(map[string]User, len(users))}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

// Put inserts or replaces a user.
func (s *Static) Put(u User) {
	s.mu.Lock()
	s.users[u.ID] = u
	s.mu.Unlock()
}

// Lookup implements Directory.
func (s *Static) Lookup(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// List implements Directory.
func (s *Static) List(_ context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
