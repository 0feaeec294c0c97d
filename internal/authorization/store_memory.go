package authorization

import (
	"context"
	"sync"
	"time"

	id "priorauth/pkg/domain"
	"priorauth/pkg/platform/sentinel"
)

// InMemoryStore keeps authorizations in memory for tests and development.
type InMemoryStore struct {
	mu    sync.RWMutex
	auths map[id.AuthorizationID]*Authorization
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{auths: make(map[id.AuthorizationID]*Authorization)}
}

func (s *InMemoryStore) Create(_ context.Context, auth *Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.auths[auth.ID]; exists {
		return sentinel.ErrConflict
	}
	auth.Version = 1
	s.auths[auth.ID] = auth.Clone()
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, authID id.AuthorizationID) (*Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	auth, ok := s.auths[authID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return auth.Clone(), nil
}

func (s *InMemoryStore) Update(_ context.Context, auth *Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.auths[auth.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != auth.Version {
		return sentinel.ErrConflict
	}
	auth.Version++
	s.auths[auth.ID] = auth.Clone()
	return nil
}

func (s *InMemoryStore) ListExpiryCandidates(_ context.Context, cutoff time.Time) ([]id.AuthorizationID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []id.AuthorizationID
	for _, auth := range s.auths {
		if auth.ExpiryExempt || auth.SubmittedAt == nil {
			continue
		}
		if auth.Status != StatusPending && auth.Status != StatusInReview {
			continue
		}
		if !auth.SubmittedAt.After(cutoff) {
			out = append(out, auth.ID)
		}
	}
	return out, nil
}
