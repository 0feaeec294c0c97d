package connector

import (
	"context"
	"sync"

	id "priorauth/pkg/domain"
)

// RequestStore persists ExternalRequest records. Append-only: the gateway
// writes one complete record per attempt, including cancelled attempts, and
// nothing updates them afterwards.
type RequestStore interface {
	Append(ctx context.Context, req ExternalRequest) error
	ListByAuthorization(ctx context.Context, authID id.AuthorizationID) ([]ExternalRequest, error)
}

// InMemoryRequestStore keeps external request records in memory.
type InMemoryRequestStore struct {
	mu       sync.RWMutex
	requests []ExternalRequest
}

func NewInMemoryRequestStore() *InMemoryRequestStore {
	return &InMemoryRequestStore{}
}

func (s *InMemoryRequestStore) Append(_ context.Context, req ExternalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return nil
}

func (s *InMemoryRequestStore) ListByAuthorization(_ context.Context, authID id.AuthorizationID) ([]ExternalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ExternalRequest
	for _, r := range s.requests {
		if r.AuthorizationID == authID {
			out = append(out, r)
		}
	}
	return out, nil
}
