package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssessScenarios(t *testing.T) {
	engine := DefaultEngine()

	t.Run("severe chest pain is an emergency", func(t *testing.T) {
		res := engine.Assess(Symptoms{
			PrimaryComplaint:   "severe chest pain",
			Severity:           9,
			AssociatedSymptoms: []string{"shortness of breath"},
		})

		assert.Equal(t, TierEmergency, res.Urgency)
		assert.GreaterOrEqual(t, res.Score, 90)
		assert.Contains(t, res.TriggeredRules, "chest_pain_severe")
		assert.Contains(t, res.Reasoning, "Multiple indicators")
	})

	t.Run("routine check-up is self-care", func(t *testing.T) {
		res := engine.Assess(Symptoms{PrimaryComplaint: "routine check-up", Severity: 1})

		assert.Equal(t, TierSelfCare, res.Urgency)
		assert.Less(t, res.Score, 30)
	})

	t.Run("no rule triggers the routine default", func(t *testing.T) {
		res := engine.Assess(Symptoms{PrimaryComplaint: "itchy elbow", Severity: 3})

		assert.Equal(t, TierRoutine, res.Urgency)
		assert.Equal(t, 50, res.Score)
		assert.Empty(t, res.TriggeredRules)
		assert.Equal(t, defaultReasoning, res.Reasoning)
	})

	t.Run("single rule reasoning is verbatim", func(t *testing.T) {
		res := engine.Assess(Symptoms{PrimaryComplaint: "slurred speech", Severity: 3})

		require.Equal(t, []string{"stroke_signs"}, res.TriggeredRules)
		assert.Equal(t, TierEmergency, res.Urgency)
		assert.Equal(t, 98, res.Score)
		assert.NotContains(t, res.Reasoning, "Multiple indicators")
	})
}

func TestAssessInputAnomalies(t *testing.T) {
	engine := DefaultEngine()

	tests := []struct {
		name     string
		symptoms Symptoms
		tier     Tier
	}{
		{"severity above range is clamped", Symptoms{PrimaryComplaint: "headache", Severity: 42}, TierEmergency},
		{"negative severity is clamped", Symptoms{PrimaryComplaint: "headache", Severity: -5}, TierSelfCare},
		{"empty complaint still evaluates", Symptoms{Severity: 5}, TierRoutine},
		{"blank associated symptoms are dropped", Symptoms{PrimaryComplaint: "rash", Severity: 3, AssociatedSymptoms: []string{" ", ""}}, TierRoutine},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := engine.Assess(tt.symptoms)
			assert.Equal(t, tt.tier, res.Urgency)
			assertBandAligned(t, res)
		})
	}
}

func TestAssessMultipleRulesTakeMaxScoreAndTopTier(t *testing.T) {
	rules := []Rule{
		{ID: "urgent_high", Name: "Urgent high", Tier: TierUrgent, Score: 89, Reasoning: "urgent", Match: func(Facts) bool { return true }},
		{ID: "emergency_low", Name: "Emergency low", Tier: TierEmergency, Score: 90, Reasoning: "emergency", Match: func(Facts) bool { return true }},
		{ID: "routine", Name: "Routine", Tier: TierRoutine, Score: 60, Reasoning: "routine", Match: func(Facts) bool { return true }},
	}
	engine, err := NewEngine(rules)
	require.NoError(t, err)

	res := engine.Assess(Symptoms{PrimaryComplaint: "anything"})

	assert.Equal(t, TierEmergency, res.Urgency)
	assert.Equal(t, 90, res.Score)
	assert.Equal(t, []string{"urgent_high", "emergency_low", "routine"}, res.TriggeredRules)
	assert.Equal(t, "Multiple indicators (Urgent high, Emergency low, Routine). Primary: emergency", res.Reasoning)
}

func TestAssessIsDeterministic(t *testing.T) {
	engine := DefaultEngine()
	for _, s := range sampleSymptoms() {
		assert.Equal(t, engine.Assess(s), engine.Assess(s))
	}
}

func TestAssessBandsAlignForSamples(t *testing.T) {
	engine := DefaultEngine()
	for _, s := range sampleSymptoms() {
		for sev := -2; sev <= 12; sev++ {
			s.Severity = sev
			res := engine.Assess(s)
			assert.True(t, res.Urgency.Valid())
			assertBandAligned(t, res)
		}
	}
}

func TestNewEngineRejectsBadRules(t *testing.T) {
	match := func(Facts) bool { return true }

	tests := []struct {
		name  string
		rules []Rule
	}{
		{"missing id", []Rule{{Tier: TierUrgent, Score: 75, Match: match}}},
		{"duplicate id", []Rule{{ID: "a", Tier: TierUrgent, Score: 75, Match: match}, {ID: "a", Tier: TierUrgent, Score: 75, Match: match}}},
		{"score outside band", []Rule{{ID: "a", Tier: TierUrgent, Score: 95, Match: match}}},
		{"unknown tier", []Rule{{ID: "a", Tier: "critical", Score: 95, Match: match}}},
		{"nil predicate", []Rule{{ID: "a", Tier: TierRoutine, Score: 50}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.rules)
			assert.Error(t, err)
		})
	}
}

func assertBandAligned(t *testing.T, res RuleEvaluationResult) {
	t.Helper()
	lo, hi := res.Urgency.Band()
	assert.GreaterOrEqual(t, res.Score, lo, "score below %s band", res.Urgency)
	assert.Less(t, res.Score, hi, "score above %s band", res.Urgency)
	assert.GreaterOrEqual(t, res.Score, 0)
	assert.LessOrEqual(t, res.Score, 100)
}

func sampleSymptoms() []Symptoms {
	return []Symptoms{
		{PrimaryComplaint: "severe chest pain", AssociatedSymptoms: []string{"shortness of breath"}},
		{PrimaryComplaint: "routine check-up"},
		{PrimaryComplaint: "stomach pain", AssociatedSymptoms: []string{"vomiting", "fever"}},
		{PrimaryComplaint: "runny nose and cough", Duration: "3 days"},
		{PrimaryComplaint: "back pain", Duration: "two months"},
		{PrimaryComplaint: "not feeling well"},
		{PrimaryComplaint: ""},
		{PrimaryComplaint: "fever", AssociatedSymptoms: []string{"headache", "chills", "fatigue", "rash"}},
		{PrimaryComplaint: "passed out at work"},
	}
}
