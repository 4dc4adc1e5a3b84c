package domain

type Project struct {
	ID              string  `json:"id"`
	InstallationID  string  `json:"installation_id"`
	OwnerID         string  `json:"owner_id"`
	Name            string  `json:"name"`
	Category        string  `json:"category,omitempty"`
	Description     string  `json:"description,omitempty"`
	Website         string  `json:"website,omitempty"`
	Visibility      string  `json:"visibility" enum:"private,public"`
	StripeAccountID *string `json:"stripe_account_id,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type Plan struct {
	ID             string  `json:"id"`
	InstallationID string  `json:"installation_id"`
	UserID         string  `json:"user_id"`
	Kind           string  `json:"kind"`
	Status         string  `json:"status" enum:"DRAFT,APPROVED,EXECUTING,EXECUTED,CANCELED"`
	Hash           string  `json:"hash"`
	JSON           string  `json:"json"`
	ExecutionJSON  *string `json:"execution_json,omitempty"`
	ExecutedAt     *string `json:"executed_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type Intent struct {
	ID             string  `json:"id"`
	InstallationID string  `json:"installation_id"`
	Kind           string  `json:"kind"`
	PayloadJSON    string  `json:"payload_json"`
	Status         string  `json:"status" enum:"PENDING,EXECUTED"`
	ResultJSON     *string `json:"result_json,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	ExecutedAt     *string `json:"executed_at,omitempty" format:"date-time"`
}

type Contract struct {
	ID                string  `json:"id"`
	ProjectID         string  `json:"project_id"`
	UserID            string  `json:"user_id"`
	Status            string  `json:"status" enum:"PENDING,APPROVED,REJECTED"`
	CommissionPercent float64 `json:"commission_percent"`
	RefundWindowDays  int     `json:"refund_window_days"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type CouponTemplate struct {
	ID                 string   `json:"id"`
	ProjectID          string   `json:"project_id"`
	ClientRef          *string  `json:"client_ref,omitempty"`
	Name               string   `json:"name"`
	PercentOff         float64  `json:"percent_off"`
	Duration           string   `json:"duration" enum:"once,repeating"`
	DurationMonths     *int     `json:"duration_months,omitempty"`
	MaxRedemptions     *int     `json:"max_redemptions,omitempty"`
	ExpiresAt          *string  `json:"expires_at,omitempty" format:"date-time"`
	Status             string   `json:"status" enum:"ACTIVE,INACTIVE"`
	AllowedMarketerIDs []string `json:"allowed_marketer_ids,omitempty"`
	ProviderCouponID   string   `json:"provider_coupon_id"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
}

type Coupon struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	TemplateID      string  `json:"template_id"`
	UserID          string  `json:"user_id"`
	Code            string  `json:"code"`
	PercentOff      float64 `json:"percent_off"`
	ProviderPromoID string  `json:"provider_promo_id"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type ShortLink struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	Code      string `json:"code"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Reward struct {
	ID                   string   `json:"id"`
	ProjectID            string   `json:"project_id"`
	ClientRef            *string  `json:"client_ref,omitempty"`
	MilestoneType        string   `json:"milestone_type"`
	MilestoneValue       int      `json:"milestone_value"`
	RewardType           string   `json:"reward_type" enum:"DISCOUNT_COUPON,FREE_SUBSCRIPTION,PLAN_UPGRADE,ACCESS_PERK,MONEY"`
	RewardPercentOff     *float64 `json:"reward_percent_off,omitempty"`
	RewardDurationMonths *int     `json:"reward_duration_months,omitempty"`
	RewardAmountCents    *int64   `json:"reward_amount_cents,omitempty"`
	RewardDescription    *string  `json:"reward_description,omitempty"`
	AvailabilityType     string   `json:"availability_type" enum:"UNLIMITED,FIRST_N"`
	AvailabilityLimit    *int     `json:"availability_limit,omitempty"`
	Status               string   `json:"status" enum:"DRAFT,ACTIVE,PAUSED"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
}

type Invitation struct {
	ID         string `json:"id"`
	ProjectID  string `json:"project_id"`
	MarketerID string `json:"marketer_id"`
	Status     string `json:"status" enum:"PENDING,ACCEPTED,DECLINED"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Conversation struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	FounderID      string `json:"founder_id"`
	MarketerID     string `json:"marketer_id"`
	LastActivityAt string `json:"last_activity_at" format:"date-time"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Body           string `json:"body"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type MarketerProfile struct {
	UserID      string   `json:"user_id"`
	DisplayName string   `json:"display_name"`
	Specialties []string `json:"specialties,omitempty"`
	FocusArea   string   `json:"focus_area,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type Event struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	Type           string `json:"type"`
	InstallationID string `json:"installation_id"`
	ActorUserID    string `json:"actor_user_id"`
	AgentID        string `json:"agent_id,omitempty"`
	IntentID       string `json:"intent_id,omitempty"`
	SubjectKind    string `json:"subject_kind"`
	SubjectID      string `json:"subject_id,omitempty"`
	Initiator      string `json:"initiator"`
	Payload        string `json:"payload_json"`
}
