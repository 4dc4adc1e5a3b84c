package engine

import "revclaw/internal/plan"

// Scope names carried in agent token claims.
const (
	ScopeContractsApply  = "contracts:apply"
	ScopeCouponsClaim    = "coupons:claim"
	ScopeProjectsWrite   = "projects:write"
	ScopeProjectsPublish = "projects:publish"
	ScopeRewardsWrite    = "rewards:write"
	ScopeTemplatesWrite  = "coupons:template_write"
	ScopeInvitationsSend = "invitations:send"
)

// requiredScopes derives the scope set from the plan content, so a token
// scoped for promo work cannot execute a launch plan and a launch token
// without publish rights cannot flip a project public.
func requiredScopes(p plan.Payload) []string {
	switch v := p.(type) {
	case plan.MarketerPromoPlan, plan.MarketerBatchPromoPlan:
		return []string{ScopeContractsApply, ScopeCouponsClaim}
	case plan.ProjectLaunchPlan:
		scopes := []string{ScopeProjectsWrite}
		if len(v.Rewards) > 0 {
			scopes = append(scopes, ScopeRewardsWrite)
		}
		if len(v.CouponTemplates) > 0 {
			scopes = append(scopes, ScopeTemplatesWrite)
		}
		if v.Publish != nil && v.Publish.Enabled {
			scopes = append(scopes, ScopeProjectsPublish)
		}
		if v.Invitations != nil && v.Invitations.Enabled {
			scopes = append(scopes, ScopeInvitationsSend)
		}
		return scopes
	}
	return nil
}

// missingScope returns the first required scope the actor lacks.
func missingScope(required, held []string) string {
	have := make(map[string]bool, len(held))
	for _, s := range held {
		have[s] = true
	}
	for _, s := range required {
		if !have[s] {
			return s
		}
	}
	return ""
}
