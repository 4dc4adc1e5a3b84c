package plan

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the plan payload variants.
type Kind string

const (
	KindMarketerPromo      Kind = "MARKETER_PROMO_PLAN"
	KindMarketerBatchPromo Kind = "MARKETER_BATCH_PROMO_PLAN"
	KindProjectLaunch      Kind = "PROJECT_LAUNCH_PLAN"
)

// Payload is the closed union of plan payloads. Dispatch on PlanKind and
// type-switch; adding a kind means extending Decode and every switch.
type Payload interface {
	PlanKind() Kind
}

// ApplicationTerms are the commission terms a marketer applies with.
type ApplicationTerms struct {
	CommissionPercent float64 `json:"commission_percent"`
	RefundWindowDays  int     `json:"refund_window_days"`
	Message           string  `json:"message,omitempty"`
}

// PromoItem is one project the marketer wants to promote.
type PromoItem struct {
	ProjectID        string           `json:"project_id"`
	Application      ApplicationTerms `json:"application"`
	CouponTemplateID string           `json:"coupon_template_id"`
	SuggestedCode    string           `json:"suggested_code,omitempty"`
	Angle            string           `json:"angle,omitempty"`
	Notes            string           `json:"notes,omitempty"`
}

type MarketerPromoPlan struct {
	Item PromoItem `json:"item"`
}

func (MarketerPromoPlan) PlanKind() Kind { return KindMarketerPromo }

type MarketerBatchPromoPlan struct {
	Items []PromoItem `json:"items"`
}

func (MarketerBatchPromoPlan) PlanKind() Kind { return KindMarketerBatchPromo }

// ProjectDraft describes the project a launch plan creates.
type ProjectDraft struct {
	Name        string `json:"name"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	Website     string `json:"website,omitempty"`
}

// RewardSpec declares a milestone reward. Type-specific constraints are
// checked by the reward step, not the schema, so a single bad reward is
// recorded per-reward instead of failing the whole plan.
type RewardSpec struct {
	ClientRef            string   `json:"client_ref"`
	MilestoneType        string   `json:"milestone_type"`
	MilestoneValue       int      `json:"milestone_value"`
	RewardType           string   `json:"reward_type"`
	RewardPercentOff     *float64 `json:"reward_percent_off,omitempty"`
	RewardDurationMonths *int     `json:"reward_duration_months,omitempty"`
	RewardAmountCents    *int64   `json:"reward_amount_cents,omitempty"`
	RewardDescription    string   `json:"reward_description,omitempty"`
	AvailabilityType     string   `json:"availability_type,omitempty"`
	AvailabilityLimit    *int     `json:"availability_limit,omitempty"`
}

type TemplateSpec struct {
	ClientRef      string  `json:"client_ref"`
	Name           string  `json:"name"`
	PercentOff     float64 `json:"percent_off"`
	Duration       string  `json:"duration,omitempty"`
	DurationMonths *int    `json:"duration_months,omitempty"`
	MaxRedemptions *int    `json:"max_redemptions,omitempty"`
	ExpiresAt      string  `json:"expires_at,omitempty"`
}

type InvitationSpec struct {
	Enabled bool   `json:"enabled"`
	Limit   int    `json:"limit,omitempty"`
	Message string `json:"message,omitempty"`
}

type PublishSpec struct {
	Enabled bool `json:"enabled"`
}

type ProjectLaunchPlan struct {
	Project         ProjectDraft    `json:"project"`
	Rewards         []RewardSpec    `json:"rewards,omitempty"`
	CouponTemplates []TemplateSpec  `json:"coupon_templates,omitempty"`
	Invitations     *InvitationSpec `json:"invitations,omitempty"`
	Publish         *PublishSpec    `json:"publish,omitempty"`
}

func (ProjectLaunchPlan) PlanKind() Kind { return KindProjectLaunch }

// Decode validates raw JSON against the plan schema and returns the typed
// payload. Schema violations come back as a *ValidationError listing every
// violated field.
func Decode(raw []byte) (Payload, error) {
	if err := validate(raw); err != nil {
		return nil, err
	}
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode plan kind: %w", err)
	}
	switch head.Kind {
	case KindMarketerPromo:
		var p MarketerPromoPlan
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Kind, err)
		}
		return p, nil
	case KindMarketerBatchPromo:
		var p MarketerBatchPromoPlan
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Kind, err)
		}
		return p, nil
	case KindProjectLaunch:
		var p ProjectLaunchPlan
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Kind, err)
		}
		return p, nil
	default:
		// Unreachable after schema validation; kept for safety.
		return nil, fmt.Errorf("unknown plan kind %q", head.Kind)
	}
}

// Items returns the promo items of a promo plan in execution order.
func Items(p Payload) []PromoItem {
	switch v := p.(type) {
	case MarketerPromoPlan:
		return []PromoItem{v.Item}
	case MarketerBatchPromoPlan:
		return v.Items
	default:
		return nil
	}
}
