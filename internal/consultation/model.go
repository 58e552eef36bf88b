package consultation

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"clinical-triage/internal/triage"
)

var (
	ErrNotFound = errors.New("consultation not found")
	// ErrConflict means an update precondition no longer holds; re-read and decide again.
	ErrConflict = errors.New("consultation changed concurrently")
)

type Status string

const (
	StatusSubmitted          Status = "submitted"
	StatusAwaitingValidation Status = "awaiting_validation"
	StatusValidated          Status = "validated"
	StatusOverridden         Status = "overridden"
	StatusEscalated          Status = "escalated"
)

// Resolved reports whether a human or the failsafe has already decided the case.
func (s Status) Resolved() bool {
	return s == StatusValidated || s == StatusOverridden || s == StatusEscalated
}

// SystemSupervisor marks validations issued by the default-to-higher-care failsafe.
const SystemSupervisor = "system-escalation"

// Validation is a supervisor decision on a triage outcome.
type Validation struct {
	Approved        bool        `json:"approved"`
	SupervisorID    string      `json:"supervisor_id"`
	Reason          string      `json:"reason,omitempty"`
	OverrideUrgency triage.Tier `json:"override_urgency,omitempty"`
	Automatic       bool        `json:"automatic"`
	ValidatedAt     time.Time   `json:"validated_at"`
}

// Consultation is the case aggregate: one symptom submission and everything decided about it.
type Consultation struct {
	ID        uuid.UUID       `json:"id" db:"id"`
	PatientID uuid.UUID       `json:"patient_id" db:"patient_id"`
	Symptoms  triage.Symptoms `json:"symptoms" db:"symptoms"`

	Triage     *triage.Assessment `json:"triage,omitempty" db:"triage"`
	Status     Status             `json:"status" db:"status"`
	Validation *Validation        `json:"validation,omitempty" db:"validation"`

	// Escalation bookkeeping. Zero means never happened.
	SecondaryUsedAt time.Time `json:"secondary_used_at,omitempty" db:"secondary_used_at"`
	LastEscalatedAt time.Time `json:"last_escalated_at,omitempty" db:"last_escalated_at"`
	DefaultedAt     time.Time `json:"defaulted_at,omitempty" db:"defaulted_at"`
	// NoticeSentAt is set once the coordinator has been told about an override or
	// a default to higher care.
	NoticeSentAt time.Time `json:"notice_sent_at,omitempty" db:"notice_sent_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Urgency returns the triaged tier, or routine for cases not triaged yet.
func (c Consultation) Urgency() triage.Tier {
	if c.Triage == nil {
		return triage.TierRoutine
	}
	return c.Triage.Urgency
}

// Update is a named-field partial update with optional compare-and-swap guards.
// Nil fields are left untouched. A pointer to a zero time clears the column.
type Update struct {
	Triage          *triage.Assessment
	Status          *Status
	Validation      *Validation
	SecondaryUsedAt *time.Time
	LastEscalatedAt *time.Time
	DefaultedAt     *time.Time
	NoticeSentAt    *time.Time

	// Guards. The update applies only if every non-nil guard matches the stored value.
	IfStatus          *Status
	IfLastEscalatedAt *time.Time
	IfSecondaryUnused bool
	IfNotDefaulted    bool
	IfNoticeUnsent    bool
}

func (u Update) empty() bool {
	return u.Triage == nil && u.Status == nil && u.Validation == nil &&
		u.SecondaryUsedAt == nil && u.LastEscalatedAt == nil && u.DefaultedAt == nil &&
		u.NoticeSentAt == nil
}

// NeedsNotice reports whether the case was resolved in a way the coordinator must
// hear about and that notice has not been delivered yet.
func (c Consultation) NeedsNotice() bool {
	return (c.Status == StatusOverridden || c.Status == StatusEscalated) && c.NoticeSentAt.IsZero()
}

type EscalationKind string

const (
	KindReassigned       EscalationKind = "reassigned"
	KindTimeoutNotified  EscalationKind = "timeout_notified"
	KindDefaulted        EscalationKind = "defaulted_higher_care"
	KindOverride         EscalationKind = "supervisor_override"
	KindSupervisorAbsent EscalationKind = "supervisor_unavailable"
)

// EscalationRecord is an append-only audit entry. Never mutated after creation.
type EscalationRecord struct {
	ID              uuid.UUID      `json:"id"`
	ConsultationID  uuid.UUID      `json:"consultation_id"`
	Kind            EscalationKind `json:"kind"`
	Reason          string         `json:"reason"`
	EscalatedBy     string         `json:"escalated_by"`
	AssignedTo      string         `json:"assigned_to,omitempty"`
	PriorValidation *Validation    `json:"prior_validation,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}
