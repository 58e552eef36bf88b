package escalation

import (
	"fmt"
	"time"

	"clinical-triage/internal/triage"
)

// Policy is the SLA for one urgency tier.
type Policy struct {
	MaxWait             time.Duration
	DefaultToHigherCare bool
}

// Policies maps every tier to its SLA.
type Policies map[triage.Tier]Policy

func DefaultPolicies() Policies {
	return Policies{
		triage.TierEmergency: {MaxWait: 5 * time.Minute, DefaultToHigherCare: true},
		triage.TierUrgent:    {MaxWait: 15 * time.Minute, DefaultToHigherCare: true},
		triage.TierRoutine:   {MaxWait: 60 * time.Minute, DefaultToHigherCare: false},
		triage.TierSelfCare:  {MaxWait: 120 * time.Minute, DefaultToHigherCare: false},
	}
}

// For returns the tier's policy. Unknown tiers get the routine policy.
func (p Policies) For(t triage.Tier) Policy {
	if pol, ok := p[t]; ok {
		return pol
	}
	return p[triage.TierRoutine]
}

// Validate requires a positive wait for every tier and the failsafe on the two highest tiers.
func (p Policies) Validate() error {
	for _, t := range triage.Tiers {
		pol, ok := p[t]
		if !ok {
			return fmt.Errorf("escalation policy for %s is missing", t)
		}
		if pol.MaxWait <= 0 {
			return fmt.Errorf("escalation policy for %s: max wait must be positive", t)
		}
	}
	for _, t := range []triage.Tier{triage.TierEmergency, triage.TierUrgent} {
		if !p[t].DefaultToHigherCare {
			return fmt.Errorf("escalation policy for %s must default to higher care", t)
		}
	}
	return nil
}
