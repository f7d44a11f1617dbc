package service

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/copperline/gatehouse/pkg/idx"
)

var (
	ErrUserExists   = errors.New("service: username already taken")
	ErrUserNotFound = errors.New("service: user not found")
)

// User is a registered account.
type User struct {
	ID           idx.ID
	Username     string
	PasswordHash string
}

// CredentialStore persists accounts. The gateway only ever needs lookup by
// username and creation; everything else lives in downstream services.
type CredentialStore interface {
	Create(ctx context.Context, user User) error
	FindByUsername(ctx context.Context, username string) (User, error)
}

// MemoryStore is an in-process CredentialStore. Accounts do not survive a
// restart; production deployments plug in a database-backed store.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]User)}
}

func (s *MemoryStore) Create(_ context.Context, user User) error {
	key := strings.ToLower(user.Username)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[key]; ok {
		return ErrUserExists
	}
	s.users[key] = user
	return nil
}

func (s *MemoryStore) FindByUsername(_ context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[strings.ToLower(username)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}
