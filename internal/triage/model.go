package triage

import (
	"fmt"
	"strings"
	"time"
)

// Tier is the clinical urgency level of a case.
type Tier string

const (
	TierEmergency Tier = "emergency"
	TierUrgent    Tier = "urgent"
	TierRoutine   Tier = "routine"
	TierSelfCare  Tier = "self_care"
)

// Tiers lists every tier from most to least urgent.
var Tiers = []Tier{TierEmergency, TierUrgent, TierRoutine, TierSelfCare}

// Rank orders tiers by clinical priority. Higher is more urgent; unknown tiers rank 0.
func (t Tier) Rank() int {
	switch t {
	case TierEmergency:
		return 4
	case TierUrgent:
		return 3
	case TierRoutine:
		return 2
	case TierSelfCare:
		return 1
	default:
		return 0
	}
}

func (t Tier) Valid() bool { return t.Rank() > 0 }

// ParseTier accepts the canonical values plus a few spellings models tend to produce.
func ParseTier(s string) (Tier, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch norm {
	case "emergency":
		return TierEmergency, nil
	case "urgent":
		return TierUrgent, nil
	case "routine":
		return TierRoutine, nil
	case "self_care", "selfcare":
		return TierSelfCare, nil
	}
	return "", fmt.Errorf("unknown urgency tier %q", s)
}

// Band returns the inclusive-exclusive score range [min, max) allowed for the tier.
// Emergency is closed at 100.
func (t Tier) Band() (min, max int) {
	switch t {
	case TierEmergency:
		return 90, 101
	case TierUrgent:
		return 70, 90
	case TierRoutine:
		return 30, 70
	default:
		return 0, 30
	}
}

type InputMethod string

const (
	InputText  InputMethod = "text"
	InputVoice InputMethod = "voice"
	InputForm  InputMethod = "form"
)

// Symptoms is the patient-reported symptom set. Treated as immutable once submitted.
type Symptoms struct {
	PrimaryComplaint   string      `json:"primary_complaint"`
	Duration           string      `json:"duration"`
	Severity           int         `json:"severity"`
	AssociatedSymptoms []string    `json:"associated_symptoms"`
	InputMethod        InputMethod `json:"input_method"`
}

// RuleEvaluationResult is the output of the rule engine.
type RuleEvaluationResult struct {
	Urgency        Tier     `json:"urgency"`
	Score          int      `json:"score"`
	TriggeredRules []string `json:"triggered_rules"`
	Reasoning      string   `json:"reasoning"`
	// Tiers of every triggered rule, aligned with TriggeredRules.
	TriggeredTiers []Tier `json:"triggered_tiers,omitempty"`
}

// SecondaryAssessment is the model-assisted review of a rule result.
// A nil *SecondaryAssessment means no assessment was used for the case.
type SecondaryAssessment struct {
	Confidence         float64   `json:"confidence"`
	Reasoning          string    `json:"reasoning"`
	RecommendedUrgency Tier      `json:"recommended_urgency,omitempty"`
	AgreesWithRules    bool      `json:"agrees_with_rules"`
	Model              string    `json:"model"`
	Timestamp          time.Time `json:"timestamp"`
}

// Used reports whether a secondary assessment contributed to the case.
func (s *SecondaryAssessment) Used() bool { return s != nil }

// Assessment is the final triage outcome stored on a case.
type Assessment struct {
	Urgency    Tier                 `json:"urgency"`
	RuleScore  int                  `json:"rule_score"`
	FinalScore int                  `json:"final_score"`
	Rules      RuleEvaluationResult `json:"rules"`
	Secondary  *SecondaryAssessment `json:"secondary_assessment,omitempty"`
	AssessedAt time.Time            `json:"assessed_at"`
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
