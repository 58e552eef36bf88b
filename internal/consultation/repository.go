package consultation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"clinical-triage/internal/triage"
)

// Repository is the durable case store. It is the source of truth shared by every
// process; all mutations are conditional, named-field updates keyed by case ID.
type Repository interface {
	Create(ctx context.Context, c *Consultation) error
	GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error)
	Update(ctx context.Context, id uuid.UUID, u Update) error
	AppendEscalation(ctx context.Context, rec EscalationRecord) error
	Escalations(ctx context.Context, id uuid.UUID) ([]EscalationRecord, error)
	// PendingNotices lists overridden or escalated cases whose coordinator notice
	// has not been delivered, oldest first.
	PendingNotices(ctx context.Context, limit int) ([]Consultation, error)
}

type postgresRepo struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

func NewRepository(db *sql.DB) Repository {
	return &postgresRepo{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db),
	}
}

const consultationColumns = `id, patient_id, symptoms, triage, status, validation,
	secondary_used_at, last_escalated_at, defaulted_at, notice_sent_at, created_at, updated_at`

func (r *postgresRepo) Create(ctx context.Context, c *Consultation) error {
	symptomsJSON, err := json.Marshal(c.Symptoms)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = StatusSubmitted
	}

	_, err = r.sb.Insert("consultations").
		Columns("id", "patient_id", "symptoms", "status", "created_at", "updated_at").
		Values(c.ID, c.PatientID, symptomsJSON, string(c.Status), c.CreatedAt, c.UpdatedAt).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("insert consultation: %w", err)
	}
	return nil
}

func (r *postgresRepo) GetByID(ctx context.Context, id uuid.UUID) (*Consultation, error) {
	query := `SELECT ` + consultationColumns + ` FROM consultations WHERE id = $1`

	c, err := scanConsultation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *postgresRepo) PendingNotices(ctx context.Context, limit int) ([]Consultation, error) {
	q := r.sb.Select(consultationColumns).
		From("consultations").
		Where(sq.Eq{
			"status":         []string{string(StatusOverridden), string(StatusEscalated)},
			"notice_sent_at": nil,
		}).
		OrderBy("updated_at")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	rows, err := q.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query pending notices: %w", err)
	}
	defer rows.Close()

	var out []Consultation
	for rows.Next() {
		c, err := scanConsultation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConsultation(row rowScanner) (*Consultation, error) {
	var (
		c                                       Consultation
		symptomsJSON, triageJSON, valJSON       []byte
		status                                  string
		secondaryAt, escalatedAt, defAt, sentAt sql.NullTime
	)
	err := row.Scan(
		&c.ID,
		&c.PatientID,
		&symptomsJSON,
		&triageJSON,
		&status,
		&valJSON,
		&secondaryAt,
		&escalatedAt,
		&defAt,
		&sentAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Status = Status(status)
	c.SecondaryUsedAt = secondaryAt.Time
	c.LastEscalatedAt = escalatedAt.Time
	c.DefaultedAt = defAt.Time
	c.NoticeSentAt = sentAt.Time

	if err := json.Unmarshal(symptomsJSON, &c.Symptoms); err != nil {
		return nil, fmt.Errorf("failed to unmarshal symptoms: %w", err)
	}
	if len(triageJSON) > 0 {
		var a triage.Assessment
		if err := json.Unmarshal(triageJSON, &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal triage: %w", err)
		}
		c.Triage = &a
	}
	if len(valJSON) > 0 {
		var v Validation
		if err := json.Unmarshal(valJSON, &v); err != nil {
			return nil, fmt.Errorf("failed to unmarshal validation: %w", err)
		}
		c.Validation = &v
	}
	return &c, nil
}

func (r *postgresRepo) Update(ctx context.Context, id uuid.UUID, u Update) error {
	if u.empty() {
		return fmt.Errorf("update consultation %s: no fields set", id)
	}

	set := map[string]interface{}{"updated_at": time.Now().UTC()}
	if u.Triage != nil {
		raw, err := json.Marshal(u.Triage)
		if err != nil {
			return err
		}
		set["triage"] = raw
		set["urgency"] = string(u.Triage.Urgency)
		set["triggered_rules"] = pq.StringArray(u.Triage.Rules.TriggeredRules)
	}
	if u.Status != nil {
		set["status"] = string(*u.Status)
	}
	if u.Validation != nil {
		raw, err := json.Marshal(u.Validation)
		if err != nil {
			return err
		}
		set["validation"] = raw
	}
	if u.SecondaryUsedAt != nil {
		set["secondary_used_at"] = nullTime(*u.SecondaryUsedAt)
	}
	if u.LastEscalatedAt != nil {
		set["last_escalated_at"] = nullTime(*u.LastEscalatedAt)
	}
	if u.DefaultedAt != nil {
		set["defaulted_at"] = nullTime(*u.DefaultedAt)
	}
	if u.NoticeSentAt != nil {
		set["notice_sent_at"] = nullTime(*u.NoticeSentAt)
	}

	where := sq.Eq{"id": id.String()}
	if u.IfStatus != nil {
		where["status"] = string(*u.IfStatus)
	}
	if u.IfLastEscalatedAt != nil {
		where["last_escalated_at"] = nullTime(*u.IfLastEscalatedAt)
	}
	if u.IfSecondaryUnused {
		where["secondary_used_at"] = nil
	}
	if u.IfNotDefaulted {
		where["defaulted_at"] = nil
	}
	if u.IfNoticeUnsent {
		where["notice_sent_at"] = nil
	}

	res, err := r.sb.Update("consultations").SetMap(set).Where(where).ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("update consultation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM consultations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (r *postgresRepo) AppendEscalation(ctx context.Context, rec EscalationRecord) error {
	var prior interface{}
	if rec.PriorValidation != nil {
		raw, err := json.Marshal(rec.PriorValidation)
		if err != nil {
			return err
		}
		prior = raw
	}
	_, err := r.sb.Insert("escalation_records").
		Columns("id", "consultation_id", "kind", "reason", "escalated_by", "assigned_to", "prior_validation", "created_at").
		Values(rec.ID, rec.ConsultationID, string(rec.Kind), rec.Reason, rec.EscalatedBy, rec.AssignedTo, prior, rec.CreatedAt).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("insert escalation record: %w", err)
	}
	return nil
}

func (r *postgresRepo) Escalations(ctx context.Context, id uuid.UUID) ([]EscalationRecord, error) {
	rows, err := r.sb.Select("id", "consultation_id", "kind", "reason", "escalated_by", "assigned_to", "prior_validation", "created_at").
		From("escalation_records").
		Where(sq.Eq{"consultation_id": id.String()}).
		OrderBy("created_at", "seq").
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("query escalation records: %w", err)
	}
	defer rows.Close()

	var out []EscalationRecord
	for rows.Next() {
		var (
			rec   EscalationRecord
			kind  string
			prior []byte
		)
		if err := rows.Scan(&rec.ID, &rec.ConsultationID, &kind, &rec.Reason, &rec.EscalatedBy, &rec.AssignedTo, &prior, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Kind = EscalationKind(kind)
		if len(prior) > 0 {
			var v Validation
			if err := json.Unmarshal(prior, &v); err != nil {
				return nil, fmt.Errorf("failed to unmarshal prior validation: %w", err)
			}
			rec.PriorValidation = &v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
