// Package escalation enforces the human-validation SLA: it finds cases waiting too
// long, moves them to a backup supervisor and, when nobody is available, applies
// the tier's failsafe.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"clinical-triage/internal/consultation"
	"clinical-triage/internal/notify"
	"clinical-triage/internal/queue"
	"clinical-triage/internal/triage"
)

const (
	schedulerActor = "escalation-scheduler"

	defaultInterval = time.Minute
	defaultWorkers  = 4
	noticeBatch     = 100
)

// Queue is the part of the validation queue the scheduler drives.
type Queue interface {
	Overdue(ctx context.Context, tier triage.Tier, maxWait time.Duration) ([]queue.Entry, error)
	AssignedTo(ctx context.Context, supervisor string) ([]queue.Entry, error)
	ReassignFrom(ctx context.Context, caseID uuid.UUID, from, to string) error
	Dequeue(ctx context.Context, caseID uuid.UUID) error
}

// Topics names the notification destinations.
type Topics struct {
	Supervisor  string
	Coordinator string
}

type Scheduler struct {
	repo     consultation.Repository
	queue    Queue
	roster   Supervisors
	sink     notify.Sink
	policies Policies
	topics   Topics
	logger   *slog.Logger

	now      func() time.Time
	interval time.Duration
	workers  int
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithWorkers bounds how many overdue cases of one tier are processed at once.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithTopics(t Topics) Option {
	return func(s *Scheduler) {
		s.topics = t
	}
}

func NewScheduler(repo consultation.Repository, q Queue, roster Supervisors, sink notify.Sink, policies Policies, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo:     repo,
		queue:    q,
		roster:   roster,
		sink:     sink,
		policies: policies,
		topics:   Topics{Supervisor: "triage.supervisors", Coordinator: "triage.coordinator"},
		logger:   logger,
		now:      time.Now,
		interval: defaultInterval,
		workers:  defaultWorkers,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// clock is truncated to microseconds so timestamps survive a Postgres round trip
// and compare equal in conditional updates.
func (s *Scheduler) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Run sweeps every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("escalation scheduler started", "interval", s.interval, "workers", s.workers)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("escalation scheduler stopped")
			return
		case <-ticker.C:
			if err := s.CheckForTimeoutEscalations(ctx); err != nil {
				s.logger.Warn("escalation sweep finished with errors", "error", err)
			}
		}
	}
}

// CheckForTimeoutEscalations sweeps every tier concurrently, then resends coordinator
// notices that earlier attempts failed to deliver. A failing tier does not stop the
// others; all failures are joined into the returned error.
func (s *Scheduler) CheckForTimeoutEscalations(ctx context.Context) error {
	errs := make([]error, len(triage.Tiers)+1)
	var g errgroup.Group
	for i, tier := range triage.Tiers {
		i, tier := i, tier
		g.Go(func() error {
			errs[i] = s.sweepTier(ctx, tier)
			return nil
		})
	}
	_ = g.Wait()
	errs[len(triage.Tiers)] = s.resendNotices(ctx)
	return errors.Join(errs...)
}

func (s *Scheduler) sweepTier(ctx context.Context, tier triage.Tier) error {
	pol := s.policies.For(tier)
	entries, err := s.queue.Overdue(ctx, tier, pol.MaxWait)
	if err != nil {
		s.logger.Warn("overdue query failed", "tier", tier, "error", err)
		return fmt.Errorf("sweep %s: %w", tier, err)
	}
	if len(entries) == 0 {
		return nil
	}
	s.logger.Debug("overdue cases found", "tier", tier, "count", len(entries))

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(s.workers)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			if err := s.escalateOverdue(ctx, e, pol); err != nil {
				s.logger.Warn("escalation failed", "case_id", e.CaseID, "tier", tier, "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Scheduler) escalateOverdue(ctx context.Context, e queue.Entry, pol Policy) error {
	c, err := s.loadPending(ctx, e.CaseID)
	if err != nil || c == nil {
		return err
	}
	// A claimed case gets a fresh window before the next escalation.
	if !c.LastEscalatedAt.IsZero() && s.clock().Sub(c.LastEscalatedAt) < pol.MaxWait {
		return nil
	}
	reason := fmt.Sprintf("%s case not validated within %s", c.Urgency(), pol.MaxWait)
	return s.claimAndEscalate(ctx, c, e.Supervisor, consultation.KindReassigned, reason)
}

// HandleSupervisorUnavailability moves every case held by the supervisor, or applies
// the failsafe where no backup exists.
func (s *Scheduler) HandleSupervisorUnavailability(ctx context.Context, supervisorID string) error {
	entries, err := s.queue.AssignedTo(ctx, supervisorID)
	if err != nil {
		return fmt.Errorf("list cases of %s: %w", supervisorID, err)
	}

	reason := fmt.Sprintf("supervisor %s unavailable", supervisorID)
	var errs []error
	for _, e := range entries {
		c, err := s.loadPending(ctx, e.CaseID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if c == nil {
			continue
		}
		if err := s.claimAndEscalate(ctx, c, supervisorID, consultation.KindSupervisorAbsent, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// loadPending returns the case if it still awaits validation. Entries of missing or
// already resolved cases are dequeued and nil is returned.
func (s *Scheduler) loadPending(ctx context.Context, caseID uuid.UUID) (*consultation.Consultation, error) {
	c, err := s.repo.GetByID(ctx, caseID)
	if errors.Is(err, consultation.ErrNotFound) {
		s.logger.Warn("queue entry without case, dropping", "case_id", caseID)
		return nil, s.queue.Dequeue(ctx, caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("load case %s: %w", caseID, err)
	}
	if c.Status.Resolved() {
		s.logger.Debug("dropping stale queue entry", "case_id", caseID, "status", c.Status)
		return nil, s.queue.Dequeue(ctx, caseID)
	}
	return c, nil
}

// claimAndEscalate stamps last_escalated_at with a conditional write so each case is
// escalated by at most one sweep. If escalation fails before changing anything the
// claim is released and the next sweep retries.
func (s *Scheduler) claimAndEscalate(ctx context.Context, c *consultation.Consultation, holder string, kind consultation.EscalationKind, reason string) error {
	claim := s.clock()
	prev := c.LastEscalatedAt
	status := c.Status
	err := s.repo.Update(ctx, c.ID, consultation.Update{
		LastEscalatedAt:   &claim,
		IfLastEscalatedAt: &prev,
		IfStatus:          &status,
	})
	if errors.Is(err, consultation.ErrConflict) {
		s.logger.Debug("case claimed by another sweep", "case_id", c.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim case %s: %w", c.ID, err)
	}
	c.LastEscalatedAt = claim

	changed, err := s.escalateEpisode(ctx, c, holder, kind, reason)
	if err != nil && !changed {
		s.release(ctx, c.ID, claim, prev)
	}
	return err
}

func (s *Scheduler) release(ctx context.Context, id uuid.UUID, claim, prev time.Time) {
	err := s.repo.Update(ctx, id, consultation.Update{LastEscalatedAt: &prev, IfLastEscalatedAt: &claim})
	if err != nil && !errors.Is(err, consultation.ErrConflict) {
		s.logger.Warn("failed to release escalation claim", "case_id", id, "error", err)
	}
}

// escalateEpisode reassigns to a backup supervisor or, failing that, applies the tier
// policy. changed reports whether case or queue state was modified.
func (s *Scheduler) escalateEpisode(ctx context.Context, c *consultation.Consultation, holder string, kind consultation.EscalationKind, reason string) (changed bool, err error) {
	backup, ok, err := s.roster.FindAvailableBackup(ctx, holder)
	if err != nil {
		return false, fmt.Errorf("find backup supervisor: %w", err)
	}
	if ok {
		return s.reassign(ctx, c, holder, backup, kind, reason)
	}
	if s.policies.For(c.Urgency()).DefaultToHigherCare {
		return s.defaultToHigherCare(ctx, c.ID, reason)
	}
	return s.notifyUnresolved(ctx, c, holder, reason)
}

func (s *Scheduler) reassign(ctx context.Context, c *consultation.Consultation, holder, backup string, kind consultation.EscalationKind, reason string) (bool, error) {
	err := s.queue.ReassignFrom(ctx, c.ID, holder, backup)
	if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrConflict) {
		s.logger.Info("queue entry changed before reassignment", "case_id", c.ID, "error", err)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reassign case %s: %w", c.ID, err)
	}
	s.logger.Info("case reassigned", "case_id", c.ID, "from", holder, "to", backup, "tier", c.Urgency())

	var errs []error
	if err := s.repo.AppendEscalation(ctx, consultation.EscalationRecord{
		ID:              uuid.New(),
		ConsultationID:  c.ID,
		Kind:            kind,
		Reason:          reason,
		EscalatedBy:     schedulerActor,
		AssignedTo:      backup,
		PriorValidation: c.Validation,
		CreatedAt:       s.clock(),
	}); err != nil {
		errs = append(errs, fmt.Errorf("record reassignment: %w", err))
	}

	subject := fmt.Sprintf("Case %s reassigned to %s", c.ID, backup)
	owner := notify.New(s.topics.Supervisor, notify.TypeEscalationRequired, c.Urgency(), c.ID, subject, reason).
		With("role", "previous_owner").
		With("supervisor", holder)
	if holder == "" {
		owner.Topic = s.topics.Coordinator
	}
	assigned := notify.New(s.topics.Supervisor, notify.TypeEscalationRequired, c.Urgency(), c.ID, subject, reason).
		With("role", "backup").
		With("supervisor", backup)
	for _, n := range []notify.Notification{owner, assigned} {
		if _, err := s.sink.Publish(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", n.Attributes["role"], err))
		}
	}
	return true, errors.Join(errs...)
}

// DefaultToHigherCareLevel auto-approves the case as the system supervisor and marks
// it escalated. It acts at most once per case; later calls are no-ops.
func (s *Scheduler) DefaultToHigherCareLevel(ctx context.Context, caseID uuid.UUID, reason string) error {
	_, err := s.defaultToHigherCare(ctx, caseID, reason)
	return err
}

func (s *Scheduler) defaultToHigherCare(ctx context.Context, caseID uuid.UUID, reason string) (bool, error) {
	c, err := s.repo.GetByID(ctx, caseID)
	if err != nil {
		return false, fmt.Errorf("load case %s: %w", caseID, err)
	}
	if !c.DefaultedAt.IsZero() || c.Status != consultation.StatusAwaitingValidation {
		return false, nil
	}

	now := s.clock()
	v := consultation.Validation{
		Approved:     true,
		SupervisorID: consultation.SystemSupervisor,
		Reason:       reason,
		Automatic:    true,
		ValidatedAt:  now,
	}
	escalated := consultation.StatusEscalated
	awaiting := consultation.StatusAwaitingValidation
	err = s.repo.Update(ctx, caseID, consultation.Update{
		Validation:     &v,
		Status:         &escalated,
		DefaultedAt:    &now,
		IfNotDefaulted: true,
		IfStatus:       &awaiting,
	})
	if errors.Is(err, consultation.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("default case %s: %w", caseID, err)
	}
	s.logger.Warn("case defaulted to higher care", "case_id", caseID, "tier", c.Urgency(), "reason", reason)

	var errs []error
	if err := s.queue.Dequeue(ctx, caseID); err != nil {
		errs = append(errs, fmt.Errorf("dequeue: %w", err))
	}
	if err := s.repo.AppendEscalation(ctx, consultation.EscalationRecord{
		ID:              uuid.New(),
		ConsultationID:  caseID,
		Kind:            consultation.KindDefaulted,
		Reason:          reason,
		EscalatedBy:     consultation.SystemSupervisor,
		PriorValidation: c.Validation,
		CreatedAt:       now,
	}); err != nil {
		errs = append(errs, fmt.Errorf("record default: %w", err))
	}

	if err := s.deliverNotice(ctx, caseID, s.defaultNotice(*c, reason)); err != nil {
		errs = append(errs, err)
	}
	return true, errors.Join(errs...)
}

// notifyUnresolved tells the coordinator nobody picked the case up. Nothing is
// recorded unless the notice went out, so a failed publish is retried next sweep.
func (s *Scheduler) notifyUnresolved(ctx context.Context, c *consultation.Consultation, holder, reason string) (bool, error) {
	n := notify.New(s.topics.Coordinator, notify.TypeEscalationRequired, c.Urgency(), c.ID,
		fmt.Sprintf("Case %s needs validation", c.ID),
		fmt.Sprintf("No backup supervisor is available: %s", reason))
	if holder != "" {
		n = n.With("supervisor", holder)
	}
	if _, err := s.sink.Publish(ctx, n); err != nil {
		return false, fmt.Errorf("notify coordinator: %w", err)
	}
	s.logger.Info("escalation notification sent", "case_id", c.ID, "tier", c.Urgency())

	if err := s.repo.AppendEscalation(ctx, consultation.EscalationRecord{
		ID:              uuid.New(),
		ConsultationID:  c.ID,
		Kind:            consultation.KindTimeoutNotified,
		Reason:          reason,
		EscalatedBy:     schedulerActor,
		AssignedTo:      holder,
		PriorValidation: c.Validation,
		CreatedAt:       s.clock(),
	}); err != nil {
		return true, fmt.Errorf("record escalation: %w", err)
	}
	return true, nil
}

// HandleOverride escalates a supervisor rejection. Approvals are ignored.
// c is the case as it was before the rejection was stored.
func (s *Scheduler) HandleOverride(ctx context.Context, c consultation.Consultation, v consultation.Validation) error {
	if v.Approved {
		return nil
	}

	var errs []error
	if err := s.repo.AppendEscalation(ctx, consultation.EscalationRecord{
		ID:              uuid.New(),
		ConsultationID:  c.ID,
		Kind:            consultation.KindOverride,
		Reason:          v.Reason,
		EscalatedBy:     v.SupervisorID,
		PriorValidation: c.Validation,
		CreatedAt:       s.clock(),
	}); err != nil {
		errs = append(errs, fmt.Errorf("record override: %w", err))
	}
	if err := s.deliverNotice(ctx, c.ID, s.overrideNotice(c, v)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Scheduler) overrideNotice(c consultation.Consultation, v consultation.Validation) notify.Notification {
	n := notify.New(s.topics.Coordinator, notify.TypeEscalationRequired, c.Urgency(), c.ID,
		fmt.Sprintf("Triage of case %s rejected by %s", c.ID, v.SupervisorID),
		v.Reason).
		With("supervisor", v.SupervisorID).
		With("action", "supervisor_override")
	if v.OverrideUrgency != "" {
		n = n.With("override_urgency", string(v.OverrideUrgency))
	}
	return n
}

func (s *Scheduler) defaultNotice(c consultation.Consultation, reason string) notify.Notification {
	return notify.New(s.topics.Coordinator, notify.TypeEscalationRequired, c.Urgency(), c.ID,
		fmt.Sprintf("Case %s defaulted to higher care", c.ID),
		fmt.Sprintf("No supervisor validated this %s case. It was automatically approved and escalated: %s", c.Urgency(), reason)).
		With("action", "default_to_higher_care")
}

// deliverNotice publishes a resolution notice and marks it sent.
func (s *Scheduler) deliverNotice(ctx context.Context, caseID uuid.UUID, n notify.Notification) error {
	if _, err := s.sink.Publish(ctx, n); err != nil {
		return fmt.Errorf("notify coordinator: %w", err)
	}
	sent := s.clock()
	err := s.repo.Update(ctx, caseID, consultation.Update{NoticeSentAt: &sent, IfNoticeUnsent: true})
	if err != nil && !errors.Is(err, consultation.ErrConflict) {
		return fmt.Errorf("mark notice sent for %s: %w", caseID, err)
	}
	return nil
}

// resendNotices retries coordinator notices for overrides and defaults that were
// stored but never delivered. Cases resolved within the last interval are left to
// the call that resolved them.
func (s *Scheduler) resendNotices(ctx context.Context) error {
	cases, err := s.repo.PendingNotices(ctx, noticeBatch)
	if err != nil {
		s.logger.Warn("pending notice query failed", "error", err)
		return fmt.Errorf("list pending notices: %w", err)
	}

	now := s.clock()
	var errs []error
	for _, c := range cases {
		if c.Validation == nil || now.Sub(c.Validation.ValidatedAt) < s.interval {
			continue
		}
		if !c.LastEscalatedAt.IsZero() && now.Sub(c.LastEscalatedAt) < s.interval {
			continue
		}
		if err := s.resendNotice(ctx, c, now); err != nil {
			s.logger.Warn("notice resend failed", "case_id", c.ID, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// resendNotice claims the case the same way an escalation does, so concurrent
// sweeps send the notice once.
func (s *Scheduler) resendNotice(ctx context.Context, c consultation.Consultation, claim time.Time) error {
	prev := c.LastEscalatedAt
	status := c.Status
	err := s.repo.Update(ctx, c.ID, consultation.Update{
		LastEscalatedAt:   &claim,
		IfLastEscalatedAt: &prev,
		IfStatus:          &status,
		IfNoticeUnsent:    true,
	})
	if errors.Is(err, consultation.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim case %s: %w", c.ID, err)
	}

	n := s.defaultNotice(c, c.Validation.Reason)
	if c.Status == consultation.StatusOverridden {
		n = s.overrideNotice(c, *c.Validation)
	}
	if err := s.deliverNotice(ctx, c.ID, n); err != nil {
		s.release(ctx, c.ID, claim, prev)
		return err
	}
	s.logger.Info("coordinator notice resent", "case_id", c.ID, "status", c.Status)
	return nil
}
