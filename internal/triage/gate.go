package triage

import "strings"

const (
	uncertainLow       = 40
	uncertainHigh      = 60
	maxClearAssociated = 3
	clearEmergency     = 95
	clearSelfCare      = 25
)

var vagueComplaints = []string{
	"not feeling well",
	"not feeling good",
	"something wrong",
	"something is wrong",
	"something's wrong",
	"feel off",
	"feeling off",
	"feel weird",
	"feel strange",
	"feel bad",
	"unwell",
	"not right",
	"don't know",
	"general discomfort",
}

// NeedsAssistance decides whether a rule result warrants a secondary assessment.
//
// Clear-cut extremes (Emergency at 95+ or Self-care at 25 or below) never do.
// Otherwise any of these is enough: triggered rules span more than one tier, the
// score is in the uncertain band [40, 60], more than three associated symptoms, or
// a vague primary complaint.
func NeedsAssistance(r RuleEvaluationResult, s Symptoms) bool {
	if (r.Urgency == TierEmergency && r.Score >= clearEmergency) ||
		(r.Urgency == TierSelfCare && r.Score <= clearSelfCare) {
		return false
	}
	if r.Score >= uncertainLow && r.Score <= uncertainHigh {
		return true
	}
	if spansTiers(r.TriggeredTiers) {
		return true
	}
	facts := NewFacts(s)
	if len(facts.Associated) > maxClearAssociated {
		return true
	}
	return isVague(facts.Complaint)
}

func spansTiers(tiers []Tier) bool {
	for _, t := range tiers {
		if t != tiers[0] {
			return true
		}
	}
	return false
}

func isVague(complaint string) bool {
	if strings.TrimSpace(complaint) == "" {
		return true
	}
	return containsAny(complaint, vagueComplaints)
}
