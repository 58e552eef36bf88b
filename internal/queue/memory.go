package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"clinical-triage/internal/triage"
)

// MemoryStore keeps the queue in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]Entry
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[uuid.UUID]Entry)}
}

func (s *MemoryStore) Add(ctx context.Context, e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.entries[e.CaseID]; ok && cur.Status == StatusPending {
		return cur, nil
	}
	e.Status = StatusPending
	s.entries[e.CaseID] = e
	return e, nil
}

func (s *MemoryStore) Get(ctx context.Context, caseID uuid.UUID) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[caseID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) Rank(ctx context.Context, caseID uuid.UUID) (int, error) {
	pending, _ := s.Pending(ctx)
	for i, e := range pending {
		if e.CaseID == caseID {
			return i + 1, nil
		}
	}
	return 0, ErrNotFound
}

func (s *MemoryStore) Pending(ctx context.Context) ([]Entry, error) {
	return s.filter(func(Entry) bool { return true }), nil
}

func (s *MemoryStore) PendingByTier(ctx context.Context, tier triage.Tier, enqueuedBefore time.Time) ([]Entry, error) {
	return s.filter(func(e Entry) bool {
		return e.Urgency == tier && e.EnqueuedAt.Before(enqueuedBefore)
	}), nil
}

func (s *MemoryStore) AssignedTo(ctx context.Context, supervisor string) ([]Entry, error) {
	return s.filter(func(e Entry) bool { return e.Supervisor == supervisor }), nil
}

func (s *MemoryStore) Assign(ctx context.Context, caseID uuid.UUID, supervisor, expected string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[caseID]
	if !ok || e.Status != StatusPending {
		return ErrNotFound
	}
	if e.Supervisor != expected {
		return ErrConflict
	}
	e.Supervisor = supervisor
	s.entries[caseID] = e
	return nil
}

func (s *MemoryStore) Complete(ctx context.Context, caseID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[caseID]; ok {
		e.Status = StatusCompleted
		s.entries[caseID] = e
	}
	return nil
}

// filter returns matching pending entries in queue order.
func (s *MemoryStore) filter(keep func(Entry) bool) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries {
		if e.Status == StatusPending && keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}
