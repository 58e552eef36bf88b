package triage

import "strings"

// Facts is the normalized view of Symptoms that rule predicates read:
// lower-cased text, trimmed associated symptoms and severity clamped to [0, 10].
type Facts struct {
	Complaint  string
	Duration   string
	Severity   int
	Associated []string
}

// NewFacts normalizes raw symptoms. Malformed fields are clamped or dropped, never rejected.
func NewFacts(s Symptoms) Facts {
	f := Facts{
		Complaint: strings.ToLower(strings.TrimSpace(s.PrimaryComplaint)),
		Duration:  strings.ToLower(strings.TrimSpace(s.Duration)),
		Severity:  clamp(s.Severity, 0, 10),
	}
	for _, a := range s.AssociatedSymptoms {
		a = strings.ToLower(strings.TrimSpace(a))
		if a != "" {
			f.Associated = append(f.Associated, a)
		}
	}
	return f
}

// ComplaintHas reports whether the primary complaint contains any keyword.
func (f Facts) ComplaintHas(keywords ...string) bool {
	return containsAny(f.Complaint, keywords)
}

// Mentions reports whether the complaint or any associated symptom contains a keyword.
func (f Facts) Mentions(keywords ...string) bool {
	if containsAny(f.Complaint, keywords) {
		return true
	}
	for _, a := range f.Associated {
		if containsAny(a, keywords) {
			return true
		}
	}
	return false
}

func (f Facts) DurationHas(keywords ...string) bool {
	return containsAny(f.Duration, keywords)
}

func containsAny(text string, keywords []string) bool {
	if text == "" {
		return false
	}
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// Rule is one entry of the clinical rule table.
type Rule struct {
	ID        string
	Name      string
	Tier      Tier
	Score     int
	Reasoning string
	Match     func(Facts) bool
}

var (
	chestPainTerms     = []string{"chest pain", "chest pressure", "chest tightness", "pain in chest", "crushing chest", "pain in my chest"}
	breathingTerms     = []string{"shortness of breath", "short of breath", "difficulty breathing", "trouble breathing", "can't breathe", "cannot breathe", "breathless"}
	strokeTerms        = []string{"face drooping", "slurred speech", "numbness on one side", "weakness on one side", "stroke", "sudden confusion"}
	consciousnessTerms = []string{"unconscious", "unresponsive", "passed out", "fainted", "fainting", "seizure"}
	bleedingTerms      = []string{"severe bleeding", "heavy bleeding", "won't stop bleeding", "uncontrolled bleeding", "coughing blood", "vomiting blood"}
	anaphylaxisTerms   = []string{"anaphylaxis", "throat swelling", "swollen throat", "severe allergic", "tongue swelling"}
	headacheTerms      = []string{"worst headache", "thunderclap headache", "sudden severe headache"}
	abdominalTerms     = []string{"abdominal pain", "stomach pain", "belly pain"}
	vomitingTerms      = []string{"vomiting", "throwing up"}
	feverTerms         = []string{"fever", "high temperature"}
	respiratoryTerms   = []string{"cold", "runny nose", "sore throat", "cough", "sneezing", "congestion"}
	checkupTerms       = []string{"check-up", "checkup", "check up", "routine", "follow-up", "follow up", "refill", "prescription"}
	chronicTerms       = []string{"week", "month", "year"}
)

// DefaultRules returns a fresh copy of the built-in clinical rule table.
// Scores sit inside the band of their tier so max-score resolution keeps the band aligned.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "chest_pain_severe", Name: "Severe chest pain", Tier: TierEmergency, Score: 95,
			Reasoning: "Severe chest pain may indicate an acute cardiac event and needs immediate evaluation.",
			Match:     func(f Facts) bool { return f.ComplaintHas(chestPainTerms...) && f.Severity >= 8 },
		},
		{
			ID: "stroke_signs", Name: "Stroke warning signs", Tier: TierEmergency, Score: 98,
			Reasoning: "Focal neurological signs suggest a possible stroke; time to treatment is critical.",
			Match:     func(f Facts) bool { return f.Mentions(strokeTerms...) },
		},
		{
			ID: "loss_of_consciousness", Name: "Loss of consciousness or seizure", Tier: TierEmergency, Score: 96,
			Reasoning: "Loss of consciousness or seizure activity requires emergency assessment.",
			Match:     func(f Facts) bool { return f.Mentions(consciousnessTerms...) },
		},
		{
			ID: "anaphylaxis", Name: "Possible anaphylaxis", Tier: TierEmergency, Score: 97,
			Reasoning: "Airway swelling or severe allergic reaction can progress to airway compromise.",
			Match:     func(f Facts) bool { return f.Mentions(anaphylaxisTerms...) },
		},
		{
			ID: "severe_bleeding", Name: "Severe bleeding", Tier: TierEmergency, Score: 94,
			Reasoning: "Uncontrolled or internal bleeding needs emergency care.",
			Match:     func(f Facts) bool { return f.Mentions(bleedingTerms...) },
		},
		{
			ID: "thunderclap_headache", Name: "Sudden worst-ever headache", Tier: TierEmergency, Score: 93,
			Reasoning: "A sudden worst-ever headache can indicate intracranial bleeding.",
			Match:     func(f Facts) bool { return f.Mentions(headacheTerms...) },
		},
		{
			ID: "breathing_difficulty_severe", Name: "Severe breathing difficulty", Tier: TierEmergency, Score: 92,
			Reasoning: "Marked breathing difficulty at high severity may indicate respiratory failure.",
			Match:     func(f Facts) bool { return f.Mentions(breathingTerms...) && f.Severity >= 7 },
		},
		{
			ID: "extreme_severity", Name: "Extreme reported severity", Tier: TierEmergency, Score: 90,
			Reasoning: "Patient-reported severity of 9 or above warrants emergency review.",
			Match:     func(f Facts) bool { return f.Severity >= 9 },
		},
		{
			ID: "chest_pain", Name: "Chest pain", Tier: TierUrgent, Score: 85,
			Reasoning: "Chest pain should be evaluated promptly to rule out cardiac causes.",
			Match:     func(f Facts) bool { return f.ComplaintHas(chestPainTerms...) && f.Severity < 8 },
		},
		{
			ID: "breathing_difficulty", Name: "Breathing difficulty", Tier: TierUrgent, Score: 80,
			Reasoning: "Breathing difficulty needs prompt clinical review.",
			Match:     func(f Facts) bool { return f.Mentions(breathingTerms...) && f.Severity < 7 },
		},
		{
			ID: "abdominal_pain_vomiting", Name: "Abdominal pain with vomiting", Tier: TierUrgent, Score: 78,
			Reasoning: "Abdominal pain with vomiting can indicate an acute abdominal condition.",
			Match:     func(f Facts) bool { return f.Mentions(abdominalTerms...) && f.Mentions(vomitingTerms...) },
		},
		{
			ID: "high_fever", Name: "High fever", Tier: TierUrgent, Score: 75,
			Reasoning: "Fever with high reported severity may indicate a serious infection.",
			Match:     func(f Facts) bool { return f.Mentions(feverTerms...) && f.Severity >= 6 },
		},
		{
			ID: "severe_pain", Name: "Severe pain", Tier: TierUrgent, Score: 72,
			Reasoning: "Severe pain should be assessed the same day.",
			Match:     func(f Facts) bool { return f.Severity >= 7 && f.Severity <= 8 },
		},
		{
			ID: "persistent_symptoms", Name: "Persistent symptoms", Tier: TierRoutine, Score: 55,
			Reasoning: "Symptoms lasting weeks or longer should be reviewed at a routine appointment.",
			Match:     func(f Facts) bool { return f.DurationHas(chronicTerms...) && f.Severity >= 3 },
		},
		{
			ID: "moderate_symptoms", Name: "Moderate symptoms", Tier: TierRoutine, Score: 50,
			Reasoning: "Moderate symptoms are suitable for a routine appointment.",
			Match:     func(f Facts) bool { return f.Severity >= 4 && f.Severity <= 6 },
		},
		{
			ID: "low_grade_fever", Name: "Low-grade fever", Tier: TierRoutine, Score: 45,
			Reasoning: "Fever at low reported severity can usually be reviewed routinely.",
			Match:     func(f Facts) bool { return f.Mentions(feverTerms...) && f.Severity < 6 },
		},
		{
			ID: "minor_complaint", Name: "Minor complaint", Tier: TierSelfCare, Score: 25,
			Reasoning: "Low severity symptoms can typically be managed with self-care.",
			Match:     func(f Facts) bool { return f.Severity <= 2 },
		},
		{
			ID: "mild_respiratory", Name: "Mild respiratory symptoms", Tier: TierSelfCare, Score: 20,
			Reasoning: "Mild cold-like symptoms usually resolve with rest and fluids.",
			Match:     func(f Facts) bool { return f.ComplaintHas(respiratoryTerms...) && f.Severity <= 3 },
		},
		{
			ID: "routine_checkup", Name: "Routine check-up", Tier: TierSelfCare, Score: 15,
			Reasoning: "Routine check-ups and refills do not require urgent care.",
			Match:     func(f Facts) bool { return f.ComplaintHas(checkupTerms...) && f.Severity <= 3 },
		},
	}
}
