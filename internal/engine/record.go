package engine

import "encoding/json"

// Step statuses. A step is appended at most once per (kind, key); the
// execution record is the idempotency log that makes re-runs safe.
const (
	StepOK      = "ok"
	StepPending = "pending"
	StepError   = "error"
	StepSkipped = "skipped"
	StepBlocked = "blocked"
)

// Step kinds.
const (
	StepApplicationSubmit = "application.submit"
	StepCouponGenerate    = "coupon.generate"
	StepAttributionLink   = "attribution.link"
	StepPromoDraft        = "promo.draft"
	StepProjectCreate     = "project.create"
	StepRewardCreate      = "reward.create"
	StepStripeConnect     = "stripe.connect"
	StepTemplateCreate    = "couponTemplate.create"
	StepProjectPublish    = "project.publish"
	StepInvitationsSend   = "invitations.send"
)

// Next actions reported per promo item, in blocking order.
const (
	NextAwaitContract = "await_contract_approval"
	NextAwaitStripe   = "await_founder_stripe_connect"
	NextReady         = "ready_to_promote"
)

// StepResult is one entry in the append-only execution log. Key
// disambiguates repeated kinds (a reward's client_ref, an invitation
// batch, a template ref). Only the fields relevant to the kind are set.
type StepResult struct {
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Key    string `json:"key,omitempty"`
	Error  string `json:"error,omitempty"`

	ContractID     string `json:"contract_id,omitempty"`
	ContractStatus string `json:"contract_status,omitempty"`
	CouponID       string `json:"coupon_id,omitempty"`
	Code           string `json:"code,omitempty"`
	LinkURL        string `json:"link_url,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
	RewardID       string `json:"reward_id,omitempty"`
	TemplateID     string `json:"template_id,omitempty"`
	ConnectURL     string `json:"connect_url,omitempty"`
	Invitations    int    `json:"invitations,omitempty"`
	Skipped        int    `json:"skipped,omitempty"`
	Conversation   string `json:"conversation_id,omitempty"`
}

// CouponInfo is the claimed coupon surfaced on a promo item.
type CouponInfo struct {
	Code       string  `json:"code"`
	PercentOff float64 `json:"percent_off"`
}

// AttributionInfo is the marketer's tracked link for a project.
type AttributionInfo struct {
	Code string `json:"code"`
	URL  string `json:"url"`
}

// PromoDraft is ready-to-post copy, one variant per channel. Recommended
// names the channel matching the plan's angle, defaulting to "short".
type PromoDraft struct {
	Channels    map[string]string `json:"channels"`
	Recommended string            `json:"recommended"`
}

// ItemExecution is the per-project record inside a promo execution.
type ItemExecution struct {
	ProjectID   string           `json:"project_id"`
	Steps       []StepResult     `json:"steps"`
	Next        string           `json:"next,omitempty"`
	Coupon      *CouponInfo      `json:"coupon,omitempty"`
	Attribution *AttributionInfo `json:"attribution,omitempty"`
	Promo       *PromoDraft      `json:"promo,omitempty"`

	seen map[string]int
}

// BatchSummary counts items by outcome.
type BatchSummary struct {
	Total   int `json:"total"`
	Ready   int `json:"ready"`
	Pending int `json:"pending"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// BatchExecution is the stored record for promo plans. A single-item
// promo plan uses the same shape with one item.
type BatchExecution struct {
	StartedAt string          `json:"started_at"`
	Items     []ItemExecution `json:"items"`
	Summary   BatchSummary    `json:"summary"`
	Next      string          `json:"next,omitempty"`
}

// LaunchExecution is the stored record for launch plans. Pending lists
// the step kinds still blocked on the founder connecting payouts.
type LaunchExecution struct {
	StartedAt string       `json:"started_at"`
	ProjectID string       `json:"project_id,omitempty"`
	Steps     []StepResult `json:"steps"`
	Pending   []string     `json:"pending,omitempty"`

	seen map[string]int
}

func stepKey(kind, key string) string { return kind + "\x00" + key }

func indexSteps(steps []StepResult) map[string]int {
	seen := make(map[string]int, len(steps))
	for i := range steps {
		seen[stepKey(steps[i].Kind, steps[i].Key)] = i
	}
	return seen
}

func stepDone(steps []StepResult, seen map[string]int, kind, key string) bool {
	i, ok := seen[stepKey(kind, key)]
	return ok && steps[i].Status == StepOK
}

// appendStep records a step, replacing any earlier non-ok entry for the
// same (kind, key) so retries do not pile up duplicate log lines.
func appendStep(steps []StepResult, seen map[string]int, s StepResult) []StepResult {
	k := stepKey(s.Kind, s.Key)
	if i, ok := seen[k]; ok && steps[i].Status != StepOK {
		steps[i] = s
		return steps
	}
	seen[k] = len(steps)
	return append(steps, s)
}

func (it *ItemExecution) index() { it.seen = indexSteps(it.Steps) }

// Done reports whether the step already completed in a prior run.
func (it *ItemExecution) Done(kind, key string) bool {
	return stepDone(it.Steps, it.seen, kind, key)
}

func (it *ItemExecution) Append(s StepResult) {
	if it.seen == nil {
		it.seen = make(map[string]int)
	}
	it.Steps = appendStep(it.Steps, it.seen, s)
}

func (le *LaunchExecution) index() { le.seen = indexSteps(le.Steps) }

func (le *LaunchExecution) Done(kind, key string) bool {
	return stepDone(le.Steps, le.seen, kind, key)
}

func (le *LaunchExecution) Append(s StepResult) {
	if le.seen == nil {
		le.seen = make(map[string]int)
	}
	le.Steps = appendStep(le.Steps, le.seen, s)
}

// Blocked reports whether the launch is waiting on the founder.
func (le *LaunchExecution) Blocked() bool { return len(le.Pending) > 0 }

// Recompute refreshes the summary and the batch-level next action from
// item terminal states. The batch action is the most blocking item
// action: a contract wait outranks a payout wait, which outranks ready.
func (b *BatchExecution) Recompute() {
	sum := BatchSummary{Total: len(b.Items)}
	awaitContract, awaitStripe := false, false
	for i := range b.Items {
		switch b.Items[i].Next {
		case NextReady:
			sum.Ready++
		case NextAwaitContract:
			sum.Pending++
			awaitContract = true
		case NextAwaitStripe:
			sum.Pending++
			awaitStripe = true
		case "":
			if itemSkipped(&b.Items[i]) {
				sum.Skipped++
			} else {
				sum.Errors++
			}
		default:
			sum.Pending++
		}
	}
	b.Summary = sum
	switch {
	case awaitContract:
		b.Next = NextAwaitContract
	case awaitStripe:
		b.Next = NextAwaitStripe
	default:
		b.Next = NextReady
	}
}

func itemSkipped(it *ItemExecution) bool {
	for i := range it.Steps {
		if it.Steps[i].Status == StepSkipped {
			return true
		}
	}
	return false
}

// Settled reports whether every item reached a terminal state, meaning
// nothing is left for a re-run to advance.
func (b *BatchExecution) Settled() bool {
	for i := range b.Items {
		switch b.Items[i].Next {
		case NextAwaitContract, NextAwaitStripe:
			return false
		}
	}
	return true
}

// ParseBatch restores a stored batch record and rebuilds step indexes.
func ParseBatch(raw string) (*BatchExecution, error) {
	var b BatchExecution
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return nil, err
	}
	for i := range b.Items {
		b.Items[i].index()
	}
	return &b, nil
}

// ParseLaunch restores a stored launch record and rebuilds step indexes.
func ParseLaunch(raw string) (*LaunchExecution, error) {
	var le LaunchExecution
	if err := json.Unmarshal([]byte(raw), &le); err != nil {
		return nil, err
	}
	le.index()
	return &le, nil
}
