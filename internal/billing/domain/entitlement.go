package domain

// Pseudo-plans reported when the user has no subscription.
const (
	PlanTrial        = "trial"
	PlanTrialExpired = "trial_expired"
)

// Decision is the answer to "may this user use this feature now".
type Decision struct {
	Allowed      bool
	CurrentUsage int
	Limit        int
	Remaining    int
	Plan         string
	Degraded     bool
}

// Evaluate derives a decision from usage and a limit.
func Evaluate(plan string, usage, limit int) Decision {
	if limit == Unlimited {
		return Decision{Allowed: true, CurrentUsage: usage, Limit: Unlimited, Remaining: Unlimited, Plan: plan}
	}
	return Decision{
		Allowed:      usage < limit,
		CurrentUsage: usage,
		Limit:        limit,
		Remaining:    max(limit-usage, 0),
		Plan:         plan,
	}
}

// Remaining computes what is left of limit, honouring Unlimited.
func Remaining(used, limit int) int {
	if limit == Unlimited {
		return Unlimited
	}
	return max(limit-used, 0)
}
