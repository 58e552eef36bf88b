package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-triage/internal/triage"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 100, Priority(triage.TierEmergency))
	assert.Equal(t, 75, Priority(triage.TierUrgent))
	assert.Equal(t, 50, Priority(triage.TierRoutine))
	assert.Equal(t, 25, Priority(triage.TierSelfCare))
}

func TestMemoryQueue(t *testing.T) {
	runQueueSuite(t, func() Store { return NewMemoryStore() })
}

// runQueueSuite exercises the Queue contract against any Store.
func runQueueSuite(t *testing.T, newStore func() Store) {
	ctx := context.Background()

	t.Run("emergency is never behind urgent", func(t *testing.T) {
		clock := newClock()
		q := New(newStore(), WithClock(clock.Now))

		urgent := uuid.New()
		routine := uuid.New()
		emergency := uuid.New()
		_, err := q.Enqueue(ctx, urgent, triage.TierUrgent, "")
		require.NoError(t, err)
		clock.Advance(time.Minute)
		_, err = q.Enqueue(ctx, routine, triage.TierRoutine, "")
		require.NoError(t, err)
		clock.Advance(time.Minute)
		_, err = q.Enqueue(ctx, emergency, triage.TierEmergency, "")
		require.NoError(t, err)

		pos, err := q.Position(ctx, emergency)
		require.NoError(t, err)
		assert.Equal(t, 1, pos)

		pos, err = q.Position(ctx, urgent)
		require.NoError(t, err)
		assert.Equal(t, 2, pos)

		pos, err = q.Position(ctx, routine)
		require.NoError(t, err)
		assert.Equal(t, 3, pos)

		pending, err := q.Pending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		assert.Equal(t, emergency, pending[0].CaseID)
		assert.Equal(t, routine, pending[2].CaseID)
	})

	t.Run("same tier is first come first served", func(t *testing.T) {
		clock := newClock()
		q := New(newStore(), WithClock(clock.Now))

		first, second := uuid.New(), uuid.New()
		_, err := q.Enqueue(ctx, first, triage.TierUrgent, "")
		require.NoError(t, err)
		clock.Advance(time.Second)
		_, err = q.Enqueue(ctx, second, triage.TierUrgent, "")
		require.NoError(t, err)

		pos, err := q.Position(ctx, second)
		require.NoError(t, err)
		assert.Equal(t, 2, pos)
	})

	t.Run("position of an unknown case is -1", func(t *testing.T) {
		q := New(newStore())

		pos, err := q.Position(ctx, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, -1, pos)

		wait, err := q.EstimatedWait(ctx, uuid.New())
		require.NoError(t, err)
		assert.Equal(t, 0, wait)
	})

	t.Run("estimated wait uses average service time", func(t *testing.T) {
		clock := newClock()
		q := New(newStore(), WithClock(clock.Now), WithAverageService(10*time.Minute))

		var last uuid.UUID
		for i := 0; i < 3; i++ {
			last = uuid.New()
			_, err := q.Enqueue(ctx, last, triage.TierRoutine, "")
			require.NoError(t, err)
			clock.Advance(time.Second)
		}

		wait, err := q.EstimatedWait(ctx, last)
		require.NoError(t, err)
		assert.Equal(t, 20, wait)
	})

	t.Run("estimated wait keeps fractional service minutes", func(t *testing.T) {
		clock := newClock()
		q := New(newStore(), WithClock(clock.Now), WithAverageService(90*time.Second))

		ids := make([]uuid.UUID, 4)
		for i := range ids {
			ids[i] = uuid.New()
			_, err := q.Enqueue(ctx, ids[i], triage.TierRoutine, "")
			require.NoError(t, err)
			clock.Advance(time.Second)
		}

		wait, err := q.EstimatedWait(ctx, ids[1])
		require.NoError(t, err)
		assert.Equal(t, 2, wait)

		wait, err = q.EstimatedWait(ctx, ids[3])
		require.NoError(t, err)
		assert.Equal(t, 5, wait)
	})

	t.Run("enqueue twice keeps the original entry", func(t *testing.T) {
		clock := newClock()
		q := New(newStore(), WithClock(clock.Now))
		id := uuid.New()

		first, err := q.Enqueue(ctx, id, triage.TierUrgent, "dr-a")
		require.NoError(t, err)
		clock.Advance(time.Hour)
		again, err := q.Enqueue(ctx, id, triage.TierUrgent, "dr-b")
		require.NoError(t, err)

		assert.True(t, first.EnqueuedAt.Equal(again.EnqueuedAt))
		assert.Equal(t, "dr-a", again.Supervisor)
	})

	t.Run("dequeue is idempotent", func(t *testing.T) {
		q := New(newStore())
		id := uuid.New()
		_, err := q.Enqueue(ctx, id, triage.TierSelfCare, "")
		require.NoError(t, err)

		require.NoError(t, q.Dequeue(ctx, id))
		require.NoError(t, q.Dequeue(ctx, id))
		require.NoError(t, q.Dequeue(ctx, uuid.New()))

		pos, err := q.Position(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, -1, pos)

		e, err := q.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, e.Status)
	})

	t.Run("reassign and conditional reassign", func(t *testing.T) {
		q := New(newStore())
		id := uuid.New()
		_, err := q.Enqueue(ctx, id, triage.TierUrgent, "dr-a")
		require.NoError(t, err)

		require.NoError(t, q.Reassign(ctx, id, "dr-b"))
		err = q.ReassignFrom(ctx, id, "dr-a", "dr-c")
		assert.ErrorIs(t, err, ErrConflict)

		require.NoError(t, q.ReassignFrom(ctx, id, "dr-b", "dr-c"))

		held, err := q.AssignedTo(ctx, "dr-c")
		require.NoError(t, err)
		require.Len(t, held, 1)
		assert.Equal(t, id, held[0].CaseID)

		held, err = q.AssignedTo(ctx, "dr-a")
		require.NoError(t, err)
		assert.Empty(t, held)
	})

	t.Run("reassigning a completed entry is not found", func(t *testing.T) {
		q := New(newStore())
		id := uuid.New()
		_, err := q.Enqueue(ctx, id, triage.TierUrgent, "dr-a")
		require.NoError(t, err)
		require.NoError(t, q.Dequeue(ctx, id))

		assert.ErrorIs(t, q.Reassign(ctx, id, "dr-b"), ErrNotFound)
		assert.ErrorIs(t, q.Reassign(ctx, uuid.New(), "dr-b"), ErrNotFound)
	})

	t.Run("overdue is per tier and strict", func(t *testing.T) {
		clock := newClock()
		q := New(newStore(), WithClock(clock.Now))

		old := uuid.New()
		_, err := q.Enqueue(ctx, old, triage.TierEmergency, "")
		require.NoError(t, err)
		otherTier := uuid.New()
		_, err = q.Enqueue(ctx, otherTier, triage.TierUrgent, "")
		require.NoError(t, err)

		clock.Advance(5 * time.Minute)
		fresh := uuid.New()
		_, err = q.Enqueue(ctx, fresh, triage.TierEmergency, "")
		require.NoError(t, err)

		overdue, err := q.Overdue(ctx, triage.TierEmergency, 5*time.Minute)
		require.NoError(t, err)
		assert.Empty(t, overdue)

		clock.Advance(time.Second)
		overdue, err = q.Overdue(ctx, triage.TierEmergency, 5*time.Minute)
		require.NoError(t, err)
		require.Len(t, overdue, 1)
		assert.Equal(t, old, overdue[0].CaseID)
	})
}
