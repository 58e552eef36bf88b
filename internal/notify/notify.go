// Package notify delivers triage and escalation notifications to outbound channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"clinical-triage/internal/triage"
)

type Type string

const (
	TypeValidationRequired  Type = "validation_required"
	TypeEmergencyAlert      Type = "emergency_alert"
	TypeEscalationRequired  Type = "escalation_required"
	TypeValidationCompleted Type = "validation_completed"
	TypeQueueStatusUpdate   Type = "queue_status_update"
)

// Attribute keys present on every notification.
const (
	AttrType    = "notification_type"
	AttrUrgency = "urgency"
	AttrCaseID  = "case_id"
)

type Notification struct {
	Topic      string            `json:"topic"`
	Subject    string            `json:"subject"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes"`
}

// New builds a notification carrying the mandatory type and urgency attributes.
func New(topic string, typ Type, urgency triage.Tier, caseID uuid.UUID, subject, message string) Notification {
	return Notification{
		Topic:   topic,
		Subject: subject,
		Message: message,
		Attributes: map[string]string{
			AttrType:    string(typ),
			AttrUrgency: string(urgency),
			AttrCaseID:  caseID.String(),
		},
	}
}

// With returns a copy with an extra attribute set.
func (n Notification) With(key, value string) Notification {
	attrs := make(map[string]string, len(n.Attributes)+1)
	for k, v := range n.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	n.Attributes = attrs
	return n
}

func (n Notification) Type() Type { return Type(n.Attributes[AttrType]) }

// Sink publishes a notification and returns the channel's message id.
type Sink interface {
	Publish(ctx context.Context, n Notification) (string, error)
}

// ErrSkipped is returned by a sink that does not carry the notification's topic.
var ErrSkipped = errors.New("topic not handled by sink")

// Fanout publishes to every sink. Delivery fails when any sink that handles the
// topic fails, so callers can retry; sinks that skip the topic are ignored.
// Observers such as LogSink see every message but never count as delivery.
type Fanout struct {
	sinks  []Sink
	logger *slog.Logger
}

// observer marks sinks that record notifications without delivering them.
type observer interface {
	observes()
}

func NewFanout(logger *slog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, logger: logger}
}

func (f *Fanout) Publish(ctx context.Context, n Notification) (string, error) {
	var (
		id, observedID string
		errs           []error
	)
	for _, s := range f.sinks {
		mid, err := s.Publish(ctx, n)
		if _, ok := s.(observer); ok {
			if err != nil {
				f.logger.Warn("notification observer failed", "type", n.Type(), "error", err)
			} else if observedID == "" {
				observedID = mid
			}
			continue
		}
		switch {
		case errors.Is(err, ErrSkipped):
		case err != nil:
			errs = append(errs, err)
		case id == "":
			id = mid
		}
	}
	if len(errs) > 0 {
		return "", fmt.Errorf("publish %s to %s: %w", n.Type(), n.Topic, errors.Join(errs...))
	}
	if id == "" {
		id = observedID
	}
	return id, nil
}

// LogSink writes notifications to the log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, n Notification) (string, error) {
	id := uuid.NewString()
	s.logger.Info("notification",
		"id", id,
		"topic", n.Topic,
		"type", n.Type(),
		"urgency", n.Attributes[AttrUrgency],
		"subject", n.Subject)
	return id, nil
}

func (s *LogSink) observes() {}

// Recorder keeps published notifications in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	// Err, when set, fails every publish.
	Err error
}

func (r *Recorder) Publish(ctx context.Context, n Notification) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Err != nil {
		return "", r.Err
	}
	r.sent = append(r.sent, n)
	return fmt.Sprintf("rec-%d", len(r.sent)), nil
}

func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// Of returns the notifications of one type, in publish order.
func (r *Recorder) Of(typ Type) []Notification {
	var out []Notification
	for _, n := range r.All() {
		if n.Type() == typ {
			out = append(out, n)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
