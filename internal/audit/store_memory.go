package audit

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore keeps audit records in memory for tests and development.
// Sequence numbers are assigned per entity stream under the store lock.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []Record
	seqs    map[string]int64

	// FailNext forces the next Append to fail; tests use it to verify the
	// fail-closed rollback contract.
	FailNext error
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{seqs: make(map[string]int64)}
}

func streamKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}

func (s *InMemoryStore) Append(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		return err
	}
	key := streamKey(record.EntityType, record.EntityID)
	s.seqs[key]++
	record.Seq = s.seqs[key]
	stored := *record
	stored.Before = record.Before.Clone()
	stored.After = record.After.Clone()
	s.records = append(s.records, stored)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, filter Filter) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, r := range s.records {
		if !matches(r, filter) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Seq < out[j].Seq
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(r Record, f Filter) bool {
	if f.EntityType != "" && r.EntityType != f.EntityType {
		return false
	}
	if f.EntityID != "" && r.EntityID != f.EntityID {
		return false
	}
	if f.Actor != "" && r.Actor != f.Actor {
		return false
	}
	if f.Operation != "" && r.Operation != f.Operation {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Timestamp.After(f.To) {
		return false
	}
	return true
}
