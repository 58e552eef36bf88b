package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"clinical-triage/internal/triage"
)

var (
	ErrNotFound = errors.New("queue entry not found")
	ErrConflict = errors.New("queue entry changed concurrently")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// DefaultAverageService is the per-position wait estimate when none is configured.
const DefaultAverageService = 15 * time.Minute

// Entry is one case waiting for human validation.
type Entry struct {
	CaseID     uuid.UUID   `json:"case_id"`
	Urgency    triage.Tier `json:"urgency"`
	Priority   int         `json:"priority"`
	Supervisor string      `json:"supervisor,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	Status     Status      `json:"status"`
}

// Priority derives the queue weight from the tier alone.
func Priority(t triage.Tier) int {
	switch t {
	case triage.TierEmergency:
		return 100
	case triage.TierUrgent:
		return 75
	case triage.TierRoutine:
		return 50
	default:
		return 25
	}
}

// less orders pending entries: priority desc, then enqueue time asc, then case ID for stability.
func less(a, b Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.CaseID.String() < b.CaseID.String()
}

// Store is the shared backing store of the validation queue.
// Implementations must be safe for use by several processes at once.
type Store interface {
	// Add inserts a pending entry. If the case is already pending the stored entry is returned unchanged.
	Add(ctx context.Context, e Entry) (Entry, error)
	Get(ctx context.Context, caseID uuid.UUID) (Entry, error)
	// Rank is the 1-based position among pending entries; ErrNotFound if not pending.
	Rank(ctx context.Context, caseID uuid.UUID) (int, error)
	Pending(ctx context.Context) ([]Entry, error)
	PendingByTier(ctx context.Context, tier triage.Tier, enqueuedBefore time.Time) ([]Entry, error)
	AssignedTo(ctx context.Context, supervisor string) ([]Entry, error)
	// Assign moves a pending entry to supervisor only if it is still assigned to expected.
	Assign(ctx context.Context, caseID uuid.UUID, supervisor, expected string) error
	// Complete marks the entry completed. Missing or completed entries are a no-op.
	Complete(ctx context.Context, caseID uuid.UUID) error
}

// Queue is the validation queue used by triage and the escalation scheduler.
type Queue struct {
	store      Store
	now        func() time.Time
	avgService time.Duration
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithAverageService sets the per-position service time used by EstimatedWait.
func WithAverageService(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.avgService = d
		}
	}
}

func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:      store,
		now:        time.Now,
		avgService: DefaultAverageService,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds the case with a priority derived from its tier. Supervisor may be empty.
func (q *Queue) Enqueue(ctx context.Context, caseID uuid.UUID, tier triage.Tier, supervisor string) (Entry, error) {
	e := Entry{
		CaseID:     caseID,
		Urgency:    tier,
		Priority:   Priority(tier),
		Supervisor: supervisor,
		EnqueuedAt: q.now().UTC(),
		Status:     StatusPending,
	}
	stored, err := q.store.Add(ctx, e)
	if err != nil {
		return Entry{}, fmt.Errorf("enqueue %s: %w", caseID, err)
	}
	return stored, nil
}

// Position returns the 1-based rank among pending entries, or -1 if the case is not pending.
func (q *Queue) Position(ctx context.Context, caseID uuid.UUID) (int, error) {
	rank, err := q.store.Rank(ctx, caseID)
	if errors.Is(err, ErrNotFound) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return rank, nil
}

// EstimatedWait is max(0, (position-1) * average service time), rounded to whole minutes.
func (q *Queue) EstimatedWait(ctx context.Context, caseID uuid.UUID) (int, error) {
	pos, err := q.Position(ctx, caseID)
	if err != nil {
		return 0, err
	}
	ahead := pos - 1
	if ahead < 0 {
		ahead = 0
	}
	wait := time.Duration(ahead) * q.avgService
	return int(wait.Round(time.Minute) / time.Minute), nil
}

// Dequeue completes the entry. Idempotent.
func (q *Queue) Dequeue(ctx context.Context, caseID uuid.UUID) error {
	return q.store.Complete(ctx, caseID)
}

// Reassign moves the entry to a new supervisor, whoever holds it now.
func (q *Queue) Reassign(ctx context.Context, caseID uuid.UUID, supervisor string) error {
	e, err := q.store.Get(ctx, caseID)
	if err != nil {
		return err
	}
	return q.store.Assign(ctx, caseID, supervisor, e.Supervisor)
}

// ReassignFrom moves the entry only if it is still held by from.
func (q *Queue) ReassignFrom(ctx context.Context, caseID uuid.UUID, from, to string) error {
	return q.store.Assign(ctx, caseID, to, from)
}

func (q *Queue) Get(ctx context.Context, caseID uuid.UUID) (Entry, error) {
	return q.store.Get(ctx, caseID)
}

func (q *Queue) Pending(ctx context.Context) ([]Entry, error) {
	return q.store.Pending(ctx)
}

// Overdue lists pending entries of tier enqueued more than maxWait ago.
func (q *Queue) Overdue(ctx context.Context, tier triage.Tier, maxWait time.Duration) ([]Entry, error) {
	return q.store.PendingByTier(ctx, tier, q.now().UTC().Add(-maxWait))
}

func (q *Queue) AssignedTo(ctx context.Context, supervisor string) ([]Entry, error) {
	return q.store.AssignedTo(ctx, supervisor)
}
