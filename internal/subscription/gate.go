// Package subscription implements the plan quota gate for page audits.
package subscription

import "github.com/north-cloud/audit-orchestrator/internal/domain"

// Unlimited marks a plan with no page cap.
const Unlimited = -1

// pageLimits maps each plan to the maximum number of pages it may audit
// per domain audit.
var pageLimits = map[domain.SubscriptionPlan]int{
	domain.PlanFree:       10,
	domain.PlanStarter:    100,
	domain.PlanPro:        500,
	domain.PlanAgency:     2500,
	domain.PlanEnterprise: Unlimited,
}

// PageLimit returns the per-domain-audit page cap for a plan.
// Unknown plans get the free-tier cap.
func PageLimit(plan domain.SubscriptionPlan) int {
	if limit, ok := pageLimits[plan]; ok {
		return limit
	}
	return pageLimits[domain.PlanFree]
}

// HasExceededPageLimit reports whether an account on the given plan, with
// auditedPageCount pages already audited under the current domain audit, has
// reached its cap. Pure and deterministic: for a plan with limit N it is
// false for counts below N and true from N up.
func HasExceededPageLimit(plan domain.SubscriptionPlan, auditedPageCount int) bool {
	limit := PageLimit(plan)
	if limit == Unlimited {
		return false
	}
	return auditedPageCount >= limit
}
