package tracker

import (
	"sync"

	"checkin/live/models"
)

// Identity is who the tracker reports for.
type Identity struct {
	UserID    string          `json:"userId"`
	UserType  models.UserType `json:"userType"`
	SessionID string          `json:"sessionId"`
}

// IdentityStore persists the identity across page loads of the same
// browsing session so Resume can pick it up again.
type IdentityStore interface {
	Save(Identity) error
	Load() (Identity, bool, error)
	Clear() error
}

// MemoryIdentityStore keeps the identity for the life of the process.
type MemoryIdentityStore struct {
	mu  sync.Mutex
	id  Identity
	set bool
}

func (s *MemoryIdentityStore) Save(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id, s.set = id, true
	return nil
}

func (s *MemoryIdentityStore) Load() (Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.set, nil
}

func (s *MemoryIdentityStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id, s.set = Identity{}, false
	return nil
}
