package consultation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository with the same conditional-update
// semantics as the Postgres one. Used by tests and single-node demos.
type MemoryRepository struct {
	mu          sync.Mutex
	items       map[uuid.UUID]Consultation
	escalations map[uuid.UUID][]EscalationRecord
	now         func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		items:       make(map[uuid.UUID]Consultation),
		escalations: make(map[uuid.UUID][]EscalationRecord),
		now:         time.Now,
	}
}

func (r *MemoryRepository) Create(ctx context.Context, c *Consultation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[c.ID]; ok {
		return ErrConflict
	}
	now := r.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = StatusSubmitted
	}
	r.items[c.ID] = clone(*c)
	return nil
}

func (r *MemoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := clone(c)
	return &out, nil
}

func (r *MemoryRepository) Update(ctx context.Context, id uuid.UUID, u Update) error {
	if u.empty() {
		return fmt.Errorf("update consultation %s: no fields set", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.items[id]
	if !ok {
		return ErrNotFound
	}

	if u.IfStatus != nil && c.Status != *u.IfStatus {
		return ErrConflict
	}
	if u.IfLastEscalatedAt != nil && !c.LastEscalatedAt.Equal(*u.IfLastEscalatedAt) {
		return ErrConflict
	}
	if u.IfSecondaryUnused && !c.SecondaryUsedAt.IsZero() {
		return ErrConflict
	}
	if u.IfNotDefaulted && !c.DefaultedAt.IsZero() {
		return ErrConflict
	}
	if u.IfNoticeUnsent && !c.NoticeSentAt.IsZero() {
		return ErrConflict
	}

	if u.Triage != nil {
		t := *u.Triage
		c.Triage = &t
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.Validation != nil {
		v := *u.Validation
		c.Validation = &v
	}
	if u.SecondaryUsedAt != nil {
		c.SecondaryUsedAt = *u.SecondaryUsedAt
	}
	if u.LastEscalatedAt != nil {
		c.LastEscalatedAt = *u.LastEscalatedAt
	}
	if u.DefaultedAt != nil {
		c.DefaultedAt = *u.DefaultedAt
	}
	if u.NoticeSentAt != nil {
		c.NoticeSentAt = *u.NoticeSentAt
	}
	c.UpdatedAt = r.now().UTC()
	r.items[id] = c
	return nil
}

func (r *MemoryRepository) AppendEscalation(ctx context.Context, rec EscalationRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[rec.ConsultationID]; !ok {
		return ErrNotFound
	}
	r.escalations[rec.ConsultationID] = append(r.escalations[rec.ConsultationID], rec)
	return nil
}

func (r *MemoryRepository) Escalations(ctx context.Context, id uuid.UUID) ([]EscalationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]EscalationRecord(nil), r.escalations[id]...), nil
}

func (r *MemoryRepository) PendingNotices(ctx context.Context, limit int) ([]Consultation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Consultation
	for _, c := range r.items {
		if c.NeedsNotice() {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(c Consultation) Consultation {
	if c.Triage != nil {
		t := *c.Triage
		c.Triage = &t
	}
	if c.Validation != nil {
		v := *c.Validation
		c.Validation = &v
	}
	c.Symptoms.AssociatedSymptoms = append([]string(nil), c.Symptoms.AssociatedSymptoms...)
	return c
}
