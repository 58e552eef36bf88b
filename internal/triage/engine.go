package triage

import (
	"fmt"
	"strings"
)

const (
	defaultScore     = 50
	defaultReasoning = "No specific rule triggered; defaulting to a routine assessment."
)

// Engine evaluates symptoms against an immutable rule table.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	rules []Rule
}

// NewEngine validates and copies the rule table.
func NewEngine(rules []Rule) (*Engine, error) {
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d: missing id", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("rule %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if !r.Tier.Valid() {
			return nil, fmt.Errorf("rule %s: invalid tier %q", r.ID, r.Tier)
		}
		if lo, hi := r.Tier.Band(); r.Score < lo || r.Score >= hi {
			return nil, fmt.Errorf("rule %s: score %d outside %s band [%d,%d)", r.ID, r.Score, r.Tier, lo, hi)
		}
		if r.Match == nil {
			return nil, fmt.Errorf("rule %s: missing predicate", r.ID)
		}
	}
	return &Engine{rules: append([]Rule(nil), rules...)}, nil
}

// DefaultEngine builds an engine over DefaultRules.
func DefaultEngine() *Engine {
	e, err := NewEngine(DefaultRules())
	if err != nil {
		panic(err)
	}
	return e
}

// Assess runs every rule and resolves tier, score and reasoning.
// The tier comes from the highest-priority triggered rule while the score is the
// maximum across all triggered rules.
func (e *Engine) Assess(s Symptoms) RuleEvaluationResult {
	facts := NewFacts(s)

	var triggered []Rule
	for _, r := range e.rules {
		if r.Match(facts) {
			triggered = append(triggered, r)
		}
	}

	if len(triggered) == 0 {
		return RuleEvaluationResult{
			Urgency:        TierRoutine,
			Score:          defaultScore,
			TriggeredRules: []string{},
			Reasoning:      defaultReasoning,
		}
	}

	primary := triggered[0]
	score := 0
	ids := make([]string, 0, len(triggered))
	tiers := make([]Tier, 0, len(triggered))
	for _, r := range triggered {
		ids = append(ids, r.ID)
		tiers = append(tiers, r.Tier)
		if r.Score > score {
			score = r.Score
		}
		if r.Tier.Rank() > primary.Tier.Rank() ||
			(r.Tier == primary.Tier && r.Score > primary.Score) {
			primary = r
		}
	}

	reasoning := primary.Reasoning
	if len(triggered) > 1 {
		names := make([]string, 0, len(triggered))
		for _, r := range triggered {
			names = append(names, r.Name)
		}
		reasoning = fmt.Sprintf("Multiple indicators (%s). Primary: %s",
			strings.Join(names, ", "), primary.Reasoning)
	}

	return RuleEvaluationResult{
		Urgency:        primary.Tier,
		Score:          clamp(score, 0, 100),
		TriggeredRules: ids,
		TriggeredTiers: tiers,
		Reasoning:      reasoning,
	}
}
