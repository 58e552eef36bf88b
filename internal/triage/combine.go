package triage

import (
	"math"
	"time"
)

const (
	ruleWeight      = 0.7
	secondaryWeight = 0.3
)

// Combine merges the rule result with an optional secondary assessment.
// The tier always stays rule-based; a used assessment only blends into the score.
func Combine(rule RuleEvaluationResult, secondary *SecondaryAssessment) (Tier, int) {
	if !secondary.Used() {
		return rule.Urgency, rule.Score
	}
	confidence := math.Max(0, math.Min(1, secondary.Confidence))
	blended := float64(rule.Score)*ruleWeight + confidence*100*secondaryWeight
	return rule.Urgency, clamp(int(math.Round(blended)), 0, 100)
}

// NewAssessment builds the stored triage outcome from its parts.
func NewAssessment(rule RuleEvaluationResult, secondary *SecondaryAssessment, at time.Time) Assessment {
	tier, score := Combine(rule, secondary)
	return Assessment{
		Urgency:    tier,
		RuleScore:  rule.Score,
		FinalScore: score,
		Rules:      rule,
		Secondary:  secondary,
		AssessedAt: at,
	}
}
