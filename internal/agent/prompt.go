package agent

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"clinical-triage/internal/triage"
)

const systemPrompt = "You are a clinical triage reviewer. You check a rule-based urgency assessment " +
	"and reply with a single JSON object only."

const promptTemplate = `Review the rule-based triage below.

Case:
%s

Reply with JSON of the form:
{"confidence": <0-100>, "clinical_reasoning": "<text>", "recommended_urgency": "emergency|urgent|routine|self_care", "agrees_with_rules": <true|false>}`

type promptCase struct {
	PrimaryComplaint   string   `json:"primary_complaint"`
	Duration           string   `json:"duration,omitempty"`
	Severity           int      `json:"severity"`
	AssociatedSymptoms []string `json:"associated_symptoms"`
	RuleUrgency        string   `json:"rule_urgency"`
	RuleScore          int      `json:"rule_score"`
	TriggeredRules     []string `json:"triggered_rules"`
	RuleReasoning      string   `json:"rule_reasoning"`
}

func buildPrompt(s triage.Symptoms, r triage.RuleEvaluationResult) (string, error) {
	assoc := s.AssociatedSymptoms
	if assoc == nil {
		assoc = []string{}
	}
	rules := r.TriggeredRules
	if rules == nil {
		rules = []string{}
	}
	raw, err := json.MarshalIndent(promptCase{
		PrimaryComplaint:   s.PrimaryComplaint,
		Duration:           s.Duration,
		Severity:           s.Severity,
		AssociatedSymptoms: assoc,
		RuleUrgency:        string(r.Urgency),
		RuleScore:          r.Score,
		TriggeredRules:     rules,
		RuleReasoning:      r.Reasoning,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal prompt case: %w", err)
	}
	return fmt.Sprintf(promptTemplate, raw), nil
}

type modelAnswer struct {
	Confidence         *float64 `json:"confidence"`
	ClinicalReasoning  string   `json:"clinical_reasoning"`
	RecommendedUrgency string   `json:"recommended_urgency"`
	AgreesWithRules    *bool    `json:"agrees_with_rules"`
}

var codeBlock = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// parseAssessment never fails: unreadable answers become the fallback assessment.
func parseAssessment(content string, ruleTier triage.Tier) triage.SecondaryAssessment {
	fallback := triage.SecondaryAssessment{
		Confidence:         fallbackConfidence,
		Reasoning:          fallbackReasoning,
		RecommendedUrgency: ruleTier,
		AgreesWithRules:    true,
	}

	obj := extractObject(content)
	if obj == "" {
		return fallback
	}
	var ans modelAnswer
	if err := json.Unmarshal([]byte(obj), &ans); err != nil || ans.Confidence == nil {
		return fallback
	}

	conf := *ans.Confidence / 100
	if math.IsNaN(conf) {
		return fallback
	}
	conf = math.Max(0, math.Min(1, conf))

	tier, err := triage.ParseTier(ans.RecommendedUrgency)
	if err != nil {
		tier = ruleTier
	}
	agrees := tier == ruleTier
	if ans.AgreesWithRules != nil {
		agrees = *ans.AgreesWithRules
	}
	reasoning := strings.TrimSpace(ans.ClinicalReasoning)
	if reasoning == "" {
		reasoning = "No reasoning provided by the model."
	}

	return triage.SecondaryAssessment{
		Confidence:         conf,
		Reasoning:          reasoning,
		RecommendedUrgency: tier,
		AgreesWithRules:    agrees,
	}
}

// extractObject finds the first JSON object in the content, inside a code fence or bare.
func extractObject(content string) string {
	if m := codeBlock.FindStringSubmatch(content); len(m) > 1 {
		content = m[1]
	}
	start := strings.Index(content, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(content); i++ {
		ch := content[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return content[start : i+1]
			}
		}
	}
	return ""
}
