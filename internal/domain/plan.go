package domain

import "strings"

// SubscriptionPlan is an account's subscription tier.
type SubscriptionPlan string

const (
	PlanFree       SubscriptionPlan = "FREE"
	PlanStarter    SubscriptionPlan = "STARTER"
	PlanPro        SubscriptionPlan = "PRO"
	PlanAgency     SubscriptionPlan = "AGENCY"
	PlanEnterprise SubscriptionPlan = "ENTERPRISE"
)

// AllPlans lists every subscription plan in ascending tier order.
func AllPlans() []SubscriptionPlan {
	return []SubscriptionPlan{PlanFree, PlanStarter, PlanPro, PlanAgency, PlanEnterprise}
}

// ParseSubscriptionPlan converts a stored plan string to a SubscriptionPlan.
// Unrecognized values map to the free tier so a malformed account record can
// never unlock unlimited auditing.
func ParseSubscriptionPlan(s string) SubscriptionPlan {
	switch strings.ToUpper(s) {
	case "STARTER":
		return PlanStarter
	case "PRO":
		return PlanPro
	case "AGENCY":
		return PlanAgency
	case "ENTERPRISE":
		return PlanEnterprise
	default:
		return PlanFree
	}
}
