package consultation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"clinical-triage/internal/notify"
	"clinical-triage/internal/queue"
	"clinical-triage/internal/triage"
)

// ErrInvalidValidation rejects a supervisor decision that is incomplete.
var ErrInvalidValidation = errors.New("invalid validation")

// Assessor is the secondary, model-assisted review of a rule result.
// We define it here to decouple from the specific agent implementation.
type Assessor interface {
	Assess(ctx context.Context, s triage.Symptoms, r triage.RuleEvaluationResult) (*triage.SecondaryAssessment, error)
}

// ValidationQueue is the part of the queue used on the request path.
type ValidationQueue interface {
	Enqueue(ctx context.Context, caseID uuid.UUID, tier triage.Tier, supervisor string) (queue.Entry, error)
	Position(ctx context.Context, caseID uuid.UUID) (int, error)
	EstimatedWait(ctx context.Context, caseID uuid.UUID) (int, error)
	Dequeue(ctx context.Context, caseID uuid.UUID) error
}

// SupervisorFinder picks the first supervisor for a new case.
type SupervisorFinder interface {
	FindAvailableBackup(ctx context.Context, exclude string) (string, bool, error)
}

// OverrideHandler escalates supervisor rejections.
type OverrideHandler interface {
	HandleOverride(ctx context.Context, c Consultation, v Validation) error
}

// ReportService defines the interface for sending reports
type ReportService interface {
	SendCaseReport(ctx context.Context, c Consultation) error
}

type Topics struct {
	Supervisor  string
	Coordinator string
	Patient     string
}

// QueueStatus is what a patient sees while waiting for validation.
type QueueStatus struct {
	CaseID               uuid.UUID   `json:"case_id"`
	Status               Status      `json:"status"`
	Urgency              triage.Tier `json:"urgency"`
	Position             int         `json:"position"`
	EstimatedWaitMinutes int         `json:"estimated_wait_minutes"`
}

type Service interface {
	CreateConsultation(ctx context.Context, patientID uuid.UUID, s triage.Symptoms) (*Consultation, error)
	Triage(ctx context.Context, id uuid.UUID) (*Consultation, error)
	Get(ctx context.Context, id uuid.UUID) (*Consultation, error)
	RecordValidation(ctx context.Context, id uuid.UUID, v Validation) (*Consultation, error)
	QueueStatus(ctx context.Context, id uuid.UUID) (QueueStatus, error)
	Escalations(ctx context.Context, id uuid.UUID) ([]EscalationRecord, error)
}

// Deps groups the collaborators of the consultation service. Assessor, Supervisors
// and Reports are optional.
type Deps struct {
	Repo        Repository
	Engine      *triage.Engine
	Assessor    Assessor
	Queue       ValidationQueue
	Supervisors SupervisorFinder
	Escalator   OverrideHandler
	Reports     ReportService
	Sink        notify.Sink
	Topics      Topics
	Logger      *slog.Logger

	// AssessorTimeout bounds the secondary assessment call.
	AssessorTimeout time.Duration
	Now             func() time.Time
}

type service struct {
	Deps
}

func NewService(d Deps) Service {
	if d.Engine == nil {
		d.Engine = triage.DefaultEngine()
	}
	if d.AssessorTimeout <= 0 {
		d.AssessorTimeout = 20 * time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &service{Deps: d}
}

func (s *service) now() time.Time {
	return s.Now().UTC().Truncate(time.Microsecond)
}

func (s *service) CreateConsultation(ctx context.Context, patientID uuid.UUID, sym triage.Symptoms) (*Consultation, error) {
	if sym.InputMethod == "" {
		sym.InputMethod = triage.InputText
	}
	c := &Consultation{
		ID:        uuid.New(),
		PatientID: patientID,
		Symptoms:  sym,
		Status:    StatusSubmitted,
		CreatedAt: s.now(),
	}
	if err := s.Repo.Create(ctx, c); err != nil {
		return nil, err
	}
	return s.Triage(ctx, c.ID)
}

// Triage runs the rule engine, optionally the secondary assessor, persists the
// assessment and queues the case for human validation. A case that already used
// its secondary assessment keeps it and the assessor is not called again.
func (s *service) Triage(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	c, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status.Resolved() {
		return nil, fmt.Errorf("triage case %s in status %s: %w", id, c.Status, ErrConflict)
	}

	rule := s.Engine.Assess(c.Symptoms)

	var (
		secondary *triage.SecondaryAssessment
		fresh     bool
	)
	if c.Triage != nil && c.Triage.Secondary.Used() {
		secondary = c.Triage.Secondary
	} else if s.Assessor != nil && triage.NeedsAssistance(rule, c.Symptoms) {
		secondary = s.assessSecondary(ctx, c, rule)
		fresh = secondary.Used()
	}

	now := s.now()
	assessment := triage.NewAssessment(rule, secondary, now)
	awaiting := StatusAwaitingValidation
	prev := c.Status
	u := Update{Triage: &assessment, Status: &awaiting, IfStatus: &prev}
	if fresh {
		u.SecondaryUsedAt = &now
		u.IfSecondaryUnused = true
	}

	err = s.Repo.Update(ctx, id, u)
	if errors.Is(err, ErrConflict) && fresh {
		// Another triage of this case stored its assessment first; keep that one.
		stored, gerr := s.Repo.GetByID(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if stored.Status.Resolved() || stored.Triage == nil || !stored.Triage.Secondary.Used() {
			return nil, fmt.Errorf("triage case %s: %w", id, err)
		}
		assessment = triage.NewAssessment(rule, stored.Triage.Secondary, now)
		prev = stored.Status
		err = s.Repo.Update(ctx, id, Update{Triage: &assessment, Status: &awaiting, IfStatus: &prev})
	}
	if err != nil {
		return nil, fmt.Errorf("store triage for %s: %w", id, err)
	}
	c.Triage = &assessment
	c.Status = StatusAwaitingValidation

	s.Logger.Info("case triaged",
		"case_id", id,
		"urgency", assessment.Urgency,
		"rule_score", assessment.RuleScore,
		"final_score", assessment.FinalScore,
		"rules", strings.Join(rule.TriggeredRules, ","),
		"secondary", assessment.Secondary.Used())

	if err := s.enqueue(ctx, c); err != nil {
		return nil, err
	}
	return s.Repo.GetByID(ctx, id)
}

func (s *service) assessSecondary(ctx context.Context, c *Consultation, rule triage.RuleEvaluationResult) *triage.SecondaryAssessment {
	actx, cancel := context.WithTimeout(ctx, s.AssessorTimeout)
	defer cancel()

	a, err := s.Assessor.Assess(actx, c.Symptoms, rule)
	if err != nil {
		s.Logger.Warn("secondary assessment failed, using rule result only", "case_id", c.ID, "error", err)
		return nil
	}
	return a
}

func (s *service) enqueue(ctx context.Context, c *Consultation) error {
	tier := c.Urgency()

	var supervisor string
	if s.Supervisors != nil {
		sup, ok, err := s.Supervisors.FindAvailableBackup(ctx, "")
		if err != nil {
			s.Logger.Warn("supervisor lookup failed, queueing unassigned", "case_id", c.ID, "error", err)
		} else if ok {
			supervisor = sup
		}
	}

	entry, err := s.Queue.Enqueue(ctx, c.ID, tier, supervisor)
	if err != nil {
		return err
	}
	pos, err := s.Queue.Position(ctx, c.ID)
	if err != nil {
		return err
	}
	wait, err := s.Queue.EstimatedWait(ctx, c.ID)
	if err != nil {
		return err
	}

	req := notify.New(s.Topics.Supervisor, notify.TypeValidationRequired, tier, c.ID,
		fmt.Sprintf("Validate %s triage for case %s", tier, c.ID),
		fmt.Sprintf("Complaint: %s. Score %d. %s", c.Symptoms.PrimaryComplaint, c.Triage.FinalScore, c.Triage.Rules.Reasoning))
	if entry.Supervisor != "" {
		req = req.With("supervisor", entry.Supervisor)
	}
	s.publish(ctx, req)

	if tier == triage.TierEmergency {
		s.publish(ctx, notify.New(s.Topics.Coordinator, notify.TypeEmergencyAlert, tier, c.ID,
			fmt.Sprintf("Emergency case %s", c.ID),
			fmt.Sprintf("Complaint: %s. %s", c.Symptoms.PrimaryComplaint, c.Triage.Rules.Reasoning)))
		if s.Reports != nil {
			if err := s.Reports.SendCaseReport(ctx, *c); err != nil {
				s.Logger.Warn("case report not sent", "case_id", c.ID, "error", err)
			}
		}
	}

	s.publish(ctx, notify.New(s.Topics.Patient, notify.TypeQueueStatusUpdate, tier, c.ID,
		"Your case is waiting for review",
		fmt.Sprintf("Position %d, estimated wait %d minutes.", pos, wait)).
		With("patient_id", c.PatientID.String()).
		With("position", strconv.Itoa(pos)).
		With("estimated_wait_minutes", strconv.Itoa(wait)))
	return nil
}

// publish is best effort: the case is already stored and queued, and the escalation
// sweep covers a lost validation request.
func (s *service) publish(ctx context.Context, n notify.Notification) {
	if _, err := s.Sink.Publish(ctx, n); err != nil {
		s.Logger.Warn("notification failed", "type", n.Type(), "topic", n.Topic, "error", err)
	}
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	return s.Repo.GetByID(ctx, id)
}

// RecordValidation stores a supervisor decision. Rejections are handed to the escalator.
// Once the decision is stored the call succeeds even if follow-up delivery fails.
func (s *service) RecordValidation(ctx context.Context, id uuid.UUID, v Validation) (*Consultation, error) {
	if err := checkValidation(v); err != nil {
		return nil, err
	}
	prior, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	awaiting := StatusAwaitingValidation
	if prior.Status != awaiting {
		return nil, fmt.Errorf("validate case %s in status %s: %w", id, prior.Status, ErrConflict)
	}

	v.Automatic = false
	v.ValidatedAt = s.now()
	status := StatusValidated
	if !v.Approved {
		status = StatusOverridden
	}
	if err := s.Repo.Update(ctx, id, Update{Validation: &v, Status: &status, IfStatus: &awaiting}); err != nil {
		return nil, fmt.Errorf("store validation for %s: %w", id, err)
	}
	s.Logger.Info("case validated", "case_id", id, "supervisor", v.SupervisorID, "approved", v.Approved)

	if err := s.Queue.Dequeue(ctx, id); err != nil {
		s.Logger.Warn("dequeue after validation failed", "case_id", id, "error", err)
	}

	outcome := "approved"
	if !v.Approved {
		outcome = "overridden"
	}
	n := notify.New(s.Topics.Patient, notify.TypeValidationCompleted, prior.Urgency(), id,
		"Your case has been reviewed",
		fmt.Sprintf("Triage %s by %s.", outcome, v.SupervisorID)).
		With("patient_id", prior.PatientID.String()).
		With("outcome", outcome)
	if v.OverrideUrgency != "" {
		n = n.With("override_urgency", string(v.OverrideUrgency))
	}
	s.publish(ctx, n)

	// The decision is stored; an undelivered override notice is resent by the
	// escalation sweep.
	if s.Escalator != nil {
		if err := s.Escalator.HandleOverride(ctx, *prior, v); err != nil {
			s.Logger.Warn("override escalation incomplete", "case_id", id, "error", err)
		}
	}
	return s.Repo.GetByID(ctx, id)
}

func checkValidation(v Validation) error {
	if strings.TrimSpace(v.SupervisorID) == "" {
		return fmt.Errorf("%w: supervisor id is required", ErrInvalidValidation)
	}
	if v.SupervisorID == SystemSupervisor {
		return fmt.Errorf("%w: %s is reserved", ErrInvalidValidation, SystemSupervisor)
	}
	if !v.Approved && strings.TrimSpace(v.Reason) == "" {
		return fmt.Errorf("%w: a rejection needs an override reason", ErrInvalidValidation)
	}
	if v.OverrideUrgency != "" && !v.OverrideUrgency.Valid() {
		return fmt.Errorf("%w: unknown urgency %q", ErrInvalidValidation, v.OverrideUrgency)
	}
	return nil
}

func (s *service) QueueStatus(ctx context.Context, id uuid.UUID) (QueueStatus, error) {
	c, err := s.Repo.GetByID(ctx, id)
	if err != nil {
		return QueueStatus{}, err
	}
	pos, err := s.Queue.Position(ctx, id)
	if err != nil {
		return QueueStatus{}, err
	}
	wait, err := s.Queue.EstimatedWait(ctx, id)
	if err != nil {
		return QueueStatus{}, err
	}
	return QueueStatus{
		CaseID:               id,
		Status:               c.Status,
		Urgency:              c.Urgency(),
		Position:             pos,
		EstimatedWaitMinutes: wait,
	}, nil
}

func (s *service) Escalations(ctx context.Context, id uuid.UUID) ([]EscalationRecord, error) {
	if _, err := s.Repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.Repo.Escalations(ctx, id)
}
