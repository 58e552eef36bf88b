package escalation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinical-triage/internal/consultation"
	"clinical-triage/internal/notify"
	"clinical-triage/internal/queue"
	"clinical-triage/internal/triage"
)

const coordinatorTopic = "test.coordinator"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	clock  *fakeClock
	repo   *consultation.MemoryRepository
	queue  *queue.Queue
	roster *StaticRoster
	sink   *notify.Recorder
	sched  *Scheduler
}

func newFixture(t *testing.T, supervisors ...string) *fixture {
	t.Helper()
	f := &fixture{
		clock:  &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		repo:   consultation.NewMemoryRepository(),
		roster: NewStaticRoster(supervisors...),
		sink:   &notify.Recorder{},
	}
	f.queue = queue.New(queue.NewMemoryStore(), queue.WithClock(f.clock.Now))
	f.sched = f.newScheduler(f.queue)
	return f
}

func (f *fixture) newScheduler(q Queue) *Scheduler {
	return NewScheduler(f.repo, q, f.roster, f.sink, DefaultPolicies(),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(f.clock.Now),
		WithWorkers(2),
		WithTopics(Topics{Supervisor: "test.supervisors", Coordinator: coordinatorTopic}),
	)
}

// addCase stores a triaged case awaiting validation and enqueues it.
func (f *fixture) addCase(t *testing.T, tier triage.Tier, holder string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	c := &consultation.Consultation{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		Symptoms:  triage.Symptoms{PrimaryComplaint: "test complaint", Severity: 5},
	}
	require.NoError(t, f.repo.Create(ctx, c))

	lo, _ := tier.Band()
	a := triage.Assessment{Urgency: tier, RuleScore: lo, FinalScore: lo, AssessedAt: f.clock.Now()}
	awaiting := consultation.StatusAwaitingValidation
	require.NoError(t, f.repo.Update(ctx, c.ID, consultation.Update{Triage: &a, Status: &awaiting}))

	_, err := f.queue.Enqueue(ctx, c.ID, tier, holder)
	require.NoError(t, err)
	return c.ID
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *consultation.Consultation {
	t.Helper()
	c, err := f.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *fixture) records(t *testing.T, id uuid.UUID, kind consultation.EscalationKind) []consultation.EscalationRecord {
	t.Helper()
	all, err := f.repo.Escalations(context.Background(), id)
	require.NoError(t, err)
	var out []consultation.EscalationRecord
	for _, r := range all {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func (f *fixture) coordinatorNotices() []notify.Notification {
	var out []notify.Notification
	for _, n := range f.sink.All() {
		if n.Topic == coordinatorTopic {
			out = append(out, n)
		}
	}
	return out
}

func TestEmergencyWithoutBackupDefaultsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.addCase(t, triage.TierEmergency, "")

	f.clock.Advance(5*time.Minute + time.Second)
	require.NoError(t, f.sched.CheckForTimeoutEscalations(ctx))

	c := f.get(t, id)
	assert.Equal(t, consultation.StatusEscalated, c.Status)
	require.NotNil(t, c.Validation)
	assert.True(t, c.Validation.Approved)
	assert.True(t, c.Validation.Automatic)
	assert.Equal(t, consultation.SystemSupervisor, c.Validation.SupervisorID)
	assert.False(t, c.DefaultedAt.IsZero())

	assert.Len(t, f.records(t, id, consultation.KindDefaulted), 1)
	notices := f.coordinatorNotices()
	require.Len(t, notices, 1)
	assert.Equal(t, notify.TypeEscalationRequired, notices[0].Type())
	assert.Equal(t, "emergency", notices[0].Attributes[notify.AttrUrgency])

	pos, err := f.queue.Position(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, -1, pos)

	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.sched.CheckForTimeoutEscalations(ctx))
	require.NoError(t, f.sched.DefaultToHigherCareLevel(ctx, id, "again"))

	assert.Len(t, f.records(t, id, consultation.KindDefaulted), 1)
	assert.Len(t, f.coordinatorNotices(), 1)
}

func TestRoutineWithoutBackupNotifiesOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.addCase(t, triage.TierRoutine, "")

	f.clock.Advance(61 * time.Minute)
	require.NoError(t, f.sched.CheckForTimeoutEscalations(ctx))
	require.NoError(t, f.sched.CheckForTimeoutEscalations(ctx))

	c := f.get(t, id)
	assert.Equal(t, consultation.StatusAwaitingValidation, c.Status)
	assert.Nil(t, c.Validation)
	assert.True(t, c.DefaultedAt.IsZero())

	assert.Len(t, f.sink.Of(notify.TypeEscalationRequired), 1)
	assert.Len(t, f.records(t, id, consultation.KindTimeoutNotified), 1)
	assert.Empty(t, f.records(t, id, consultation.KindDefaulted))

	pos, err := f.queue.Position(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
}

func TestNothingHappensInsideTheWindow(t *testing.T) {
	f := newFixture(t)
	id := f.addCase(t, triage.TierEmergency, "")

	f.clock.Advance(4 * time.Minute)
	require.NoError(t, f.sched.CheckForTimeoutEscalations(context.Background()))

	assert.Equal(t, consultation.StatusAwaitingValidation, f.get(t, id).Status)
	assert.Empty(t, f.sink.All())
}

func TestBackupReassignmentResetsTheWindow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "dr-a", "dr-b")
	id := f.addCase(t, triage.TierUrgent, "dr-a")

	f.clock.Advance(16 * time.Minute)
	require.NoError(t, f.sched.CheckForTimeoutEscalations(ctx))

	e, err := f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "dr-b", e.Supervisor)
	assert.Equal(t, consultation.StatusAwaitingValidation, f.get(t, id).Status)

	recs := f.records(t, id, consultation.KindReassigned)
	require.Len(t, recs, 1)
	assert.Equal(t, "dr-b", recs[0].AssignedTo)

	notices := f.sink.All()
	require.Len(t, notices, 2)
	assert.Equal(t, "dr-a", notices[0].Attributes["supervisor"])
	assert.Equal(t, "dr-b", notices[1].Attributes["supervisor"])

	f.clock.Advance(time.Minute)
	require.NoError(t, f.sched.CheckForTimeoutEscalations(ctx))
	assert.Len(t, f.records(t, id, consultation.KindReassigned), 1)

	f.clock.Advance(15 * time.Minute)
	require.NoError(t, f.sched.CheckForTimeoutEscalations(ctx))
	e, err = f.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "dr-a", e.Supervisor)
	assert.Len(t, f.records(t, id, consultation.KindReassigned), 2)
}

func TestConcurrentSweepsEscalateOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	emergency := f.addCase(t, triage.TierEmergency, "")
	routine := f.addCase(t, triage.TierRoutine, "")

	f.clock.Advance(2 * time.Hour)

	// Separate scheduler instances share the same stores, as separate processes would.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.newScheduler(f.queue).CheckForTimeoutEscalations(ctx))
		}()
	}
	wg.Wait()

	assert.Len(t, f.records(t, emergency, consultation.KindDefaulted), 1)
	assert.Len(t, f.records(t, routine, consultation.KindTimeoutNotified), 1)
	assert.Len(t, f.coordinatorNotices(), 2)
}

type failingQueue struct {
	*queue.Queue
	failTier triage.Tier
}

func (q failingQueue) Overdue(ctx context.Context, tier triage.Tier, maxWait time.Duration) ([]queue.Entry, error) {
	if tier == q.failTier {
		return nil, errors.New("store unavailable")
	}
	return q.Queue.Overdue(ctx, tier, maxWait)
}

func TestTierFailureDoesNotBlockOtherTiers(t *testing.T) {
	f := newFixture(t)
	emergency := f.addCase(t, triage.TierEmergency, "")
	urgent := f.addCase(t, triage.TierUrgent, "")

	f.clock.Advance(time.Hour)
	sched := f.newScheduler(failingQueue{Queue: f.queue, failTier: triage.TierUrgent})
	err := sched.CheckForTimeoutEscalations(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "urgent")
	assert.Equal(t, consultation.StatusEscalated, f.get(t, emergency).Status)
	assert.Equal(t, consultation.StatusAwaitingValidation, f.get(t, urgent).Status)
}

func TestNotificationFailureIsRetriedNextSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.addCase(t, triage.TierSelfCare, "")
	f.clock.Advance(121 * time.Minute)

	f.sink.Err = errors.New("broker down")
	require.Error(t, f.sched.CheckForTimeoutEscalations(ctx))
	assert.True(t, f.get(t, id).LastEscalatedAt.IsZero())

	f.sink.Err = nil
	f.clock.Advance(time.Minute)
	require.NoError(t, f.sched.CheckForTimeoutEscalations(ctx))
	assert.Len(t, f.sink.Of(notify.TypeEscalationRequired), 1)
	assert.False(t, f.get(t, id).LastEscalatedAt.IsZero())
}

func TestStaleEntryIsDequeued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.addCase(t, triage.TierEmergency, "")

	validated := consultation.StatusValidated
	require.NoError(t, f.repo.Update(ctx, id, consultation.Update{
		Status:     &validated,
		Validation: &consultation.Validation{Approved: true, SupervisorID: "dr-a"},
	}))

	f.clock.Advance(time.Hour)
	require.NoError(t, f.sched.CheckForTimeoutEscalations(ctx))

	pos, err := f.queue.Position(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, -1, pos)
	assert.Empty(t, f.sink.All())
	assert.Equal(t, "dr-a", f.get(t, id).Validation.SupervisorID)
}

func TestHandleOverride(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.addCase(t, triage.TierUrgent, "dr-a")
	c := f.get(t, id)

	require.NoError(t, f.sched.HandleOverride(ctx, *c, consultation.Validation{Approved: true, SupervisorID: "dr-a"}))
	assert.Empty(t, f.sink.All())

	err := f.sched.HandleOverride(ctx, *c, consultation.Validation{
		Approved:        false,
		SupervisorID:    "dr-a",
		Reason:          "symptoms suggest sepsis",
		OverrideUrgency: triage.TierEmergency,
	})
	require.NoError(t, err)

	notices := f.sink.Of(notify.TypeEscalationRequired)
	require.Len(t, notices, 1)
	assert.Equal(t, "emergency", notices[0].Attributes["override_urgency"])

	recs := f.records(t, id, consultation.KindOverride)
	require.Len(t, recs, 1)
	assert.Equal(t, "dr-a", recs[0].EscalatedBy)
	assert.Equal(t, "symptoms suggest sepsis", recs[0].Reason)
}

func TestHandleSupervisorUnavailability(t *testing.T) {
	ctx := context.Background()

	t.Run("cases move to a backup", func(t *testing.T) {
		f := newFixture(t, "dr-a", "dr-b")
		first := f.addCase(t, triage.TierRoutine, "dr-a")
		second := f.addCase(t, triage.TierUrgent, "dr-a")

		require.True(t, f.roster.MarkUnavailable("dr-a"))
		require.NoError(t, f.sched.HandleSupervisorUnavailability(ctx, "dr-a"))

		for _, id := range []uuid.UUID{first, second} {
			e, err := f.queue.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, "dr-b", e.Supervisor)
			assert.Len(t, f.records(t, id, consultation.KindSupervisorAbsent), 1)
		}
	})

	t.Run("no backup applies the tier policy", func(t *testing.T) {
		f := newFixture(t, "dr-a")
		emergency := f.addCase(t, triage.TierEmergency, "dr-a")
		routine := f.addCase(t, triage.TierRoutine, "dr-a")

		require.True(t, f.roster.MarkUnavailable("dr-a"))
		require.NoError(t, f.sched.HandleSupervisorUnavailability(ctx, "dr-a"))

		assert.Equal(t, consultation.StatusEscalated, f.get(t, emergency).Status)
		assert.Equal(t, consultation.StatusAwaitingValidation, f.get(t, routine).Status)
		assert.Len(t, f.records(t, routine, consultation.KindTimeoutNotified), 1)
	})
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	sched := NewScheduler(f.repo, f.queue, f.roster, f.sink, DefaultPolicies(),
		slog.New(slog.NewTextHandler(io.Discard, nil)), WithInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestBrokerFailureBehindLogSinkIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.addCase(t, triage.TierRoutine, "")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := &notify.Recorder{Err: errors.New("nats down")}
	sched := NewScheduler(f.repo, f.queue, f.roster,
		notify.NewFanout(logger, notify.NewLogSink(logger), broker),
		DefaultPolicies(), logger,
		WithClock(f.clock.Now),
		WithTopics(Topics{Supervisor: "test.supervisors", Coordinator: coordinatorTopic}),
	)

	f.clock.Advance(61 * time.Minute)
	require.Error(t, sched.CheckForTimeoutEscalations(ctx))
	assert.True(t, f.get(t, id).LastEscalatedAt.IsZero())
	assert.Empty(t, f.records(t, id, consultation.KindTimeoutNotified))

	broker.Err = nil
	f.clock.Advance(time.Minute)
	require.NoError(t, sched.CheckForTimeoutEscalations(ctx))

	assert.Len(t, broker.Of(notify.TypeEscalationRequired), 1)
	assert.Len(t, f.records(t, id, consultation.KindTimeoutNotified), 1)
	assert.False(t, f.get(t, id).LastEscalatedAt.IsZero())
}

func TestDefaultNoticeIsResent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := f.addCase(t, triage.TierEmergency, "")

	f.sink.Err = errors.New("broker down")
	f.clock.Advance(6 * time.Minute)
	require.Error(t, f.sched.CheckForTimeoutEscalations(ctx))

	c := f.get(t, id)
	assert.Equal(t, consultation.StatusEscalated, c.Status)
	assert.True(t, c.NoticeSentAt.IsZero())

	f.sink.Err = nil
	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.sched.CheckForTimeoutEscalations(ctx))

	notices := f.coordinatorNotices()
	require.Len(t, notices, 1)
	assert.Equal(t, "default_to_higher_care", notices[0].Attributes["action"])
	assert.False(t, f.get(t, id).NoticeSentAt.IsZero())
	assert.Len(t, f.records(t, id, consultation.KindDefaulted), 1)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.sched.CheckForTimeoutEscalations(ctx))
	assert.Len(t, f.coordinatorNotices(), 1)
}

func TestOverrideNoticeSurvivesSinkOutage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "dr-a")
	id := f.addCase(t, triage.TierUrgent, "dr-a")

	svc := consultation.NewService(consultation.Deps{
		Repo:      f.repo,
		Queue:     f.queue,
		Escalator: f.sched,
		Sink:      f.sink,
		Topics:    consultation.Topics{Supervisor: "test.supervisors", Coordinator: coordinatorTopic, Patient: "test.patients"},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:       f.clock.Now,
	})

	f.sink.Err = errors.New("broker down")
	c, err := svc.RecordValidation(ctx, id, consultation.Validation{
		Approved:        false,
		SupervisorID:    "dr-a",
		Reason:          "looks like sepsis",
		OverrideUrgency: triage.TierEmergency,
	})
	require.NoError(t, err)
	assert.Equal(t, consultation.StatusOverridden, c.Status)
	assert.True(t, c.NoticeSentAt.IsZero())
	assert.Len(t, f.records(t, id, consultation.KindOverride), 1)

	f.sink.Err = nil
	require.NoError(t, f.sched.CheckForTimeoutEscalations(ctx))
	assert.Empty(t, f.coordinatorNotices(), "a fresh override is left to the request that stored it")

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, f.sched.CheckForTimeoutEscalations(ctx))

	notices := f.coordinatorNotices()
	require.Len(t, notices, 1)
	assert.Equal(t, "supervisor_override", notices[0].Attributes["action"])
	assert.Equal(t, "emergency", notices[0].Attributes["override_urgency"])
	assert.Equal(t, "dr-a", notices[0].Attributes["supervisor"])
	assert.False(t, f.get(t, id).NoticeSentAt.IsZero())

	f.clock.Advance(time.Hour)
	require.NoError(t, f.sched.CheckForTimeoutEscalations(ctx))
	assert.Len(t, f.coordinatorNotices(), 1)
	assert.Len(t, f.records(t, id, consultation.KindOverride), 1)
}
