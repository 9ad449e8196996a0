package avatar

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/becomeliminal/nim-avatar/core"
)

// ErrNotFound is returned by Get when a user has no avatar state.
var ErrNotFound = errors.New("avatar state not found")

// Store persists one AvatarState per user. Activate and Deactivate are
// idempotent upserts; none of the methods call a model.
type Store interface {
	Activate(ctx context.Context, userID string) (*core.AvatarState, error)
	Deactivate(ctx context.Context, userID string) (*core.AvatarState, error)
	IsActive(ctx context.Context, userID string) (bool, error)

	// SetPersonalityProfile stores text, creating an inactive state if needed.
	SetPersonalityProfile(ctx context.Context, userID, profile string) error

	// Touch refreshes LastActiveAt of an existing state.
	Touch(ctx context.Context, userID string) error

	Get(ctx context.Context, userID string) (*core.AvatarState, error)
	Count(ctx context.Context) (int, error)
}

// MemoryStore is a Store held by a single process. Each instance is
// independent; there is no package-level state.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]core.AvatarState
	now    func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]core.AvatarState),
		now:    time.Now,
	}
}

func (s *MemoryStore) Activate(ctx context.Context, userID string) (*core.AvatarState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[userID]
	st.UserID = userID
	st.IsActive = true
	st.LastActiveAt = s.now()
	s.states[userID] = st
	return &st, nil
}

func (s *MemoryStore) Deactivate(ctx context.Context, userID string) (*core.AvatarState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[userID]
	st.UserID = userID
	st.IsActive = false
	s.states[userID] = st
	return &st, nil
}

func (s *MemoryStore) IsActive(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[userID].IsActive, nil
}

func (s *MemoryStore) SetPersonalityProfile(ctx context.Context, userID, profile string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.states[userID]
	st.UserID = userID
	st.PersonalityProfile = profile
	s.states[userID] = st
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[userID]
	if !ok {
		return ErrNotFound
	}
	st.LastActiveAt = s.now()
	s.states[userID] = st
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*core.AvatarState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.states[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &st, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states), nil
}
