package auth

import (
	"context"
	"strings"
	"sync"
)

// Persisted slot names. Both slots are always written and cleared together.
const (
	SlotAccessToken  = "access_token"
	SlotRefreshToken = "refresh_token"
)

// Tokens is the persisted credential pair.
type Tokens struct {
	Access  string
	Refresh string
}

// Empty reports whether neither slot holds a value.
func (t Tokens) Empty() bool {
	return strings.TrimSpace(t.Access) == "" && strings.TrimSpace(t.Refresh) == ""
}

// TokenStore persists the credential pair. Implementations must never leave
// one slot cleared and the other populated.
type TokenStore interface {
	Load(ctx context.Context) (Tokens, error)
	Save(ctx context.Context, tokens Tokens) error
	Clear(ctx context.Context) error
}

// MemoryTokenStore keeps tokens in process memory.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens Tokens
}

// NewMemoryTokenStore returns an empty in-memory store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Load(_ context.Context) (Tokens, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens, nil
}

func (s *MemoryTokenStore) Save(_ context.Context, tokens Tokens) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = tokens
	return nil
}

func (s *MemoryTokenStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = Tokens{}
	return nil
}
