package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"revclaw/internal/domain"
	"revclaw/internal/events"
	"revclaw/internal/payment"
	"revclaw/internal/plan"
	"revclaw/internal/repo"
)

// executeLaunch runs a project launch plan: create the project, invite
// marketers, declare rewards, then the payout-gated tail of coupon
// templates and publish. The gate is the one place a launch blocks:
// everything before it completes on the first attempt, and once the
// founder connects a payout account a re-run finishes the rest. A
// blocked launch keeps the plan EXECUTING because its project already
// exists.
func (e *Engine) executeLaunch(ctx context.Context, p domain.Plan, intentID string, actor Actor, payload plan.ProjectLaunchPlan) (*ExecuteResult, error) {
	record, err := e.loadLaunch(p)
	if err != nil {
		return nil, err
	}
	meta := events.Meta{
		InstallationID: actor.InstallationID,
		ActorUserID:    actor.UserID,
		AgentID:        actor.AgentID,
		IntentID:       intentID,
	}

	persistAndFail := func(err error) (*ExecuteResult, error) {
		if raw, mErr := marshalRecord(record); mErr == nil {
			_ = e.Repo.UpdatePlanExecution(ctx, p.ID, raw, "EXECUTING", e.now(), nil)
		}
		return nil, err
	}

	project, err := e.stepProjectCreate(ctx, record, payload.Project, actor, meta)
	if err != nil {
		return persistAndFail(err)
	}

	if payload.Invitations != nil && payload.Invitations.Enabled {
		if err := e.stepInvitations(ctx, record, project, *payload.Invitations, actor, meta); err != nil {
			return persistAndFail(err)
		}
	}

	for _, spec := range payload.Rewards {
		if err := e.stepRewardCreate(ctx, record, project, spec, meta); err != nil {
			return persistAndFail(err)
		}
	}

	record.Pending = nil
	needsGate := len(payload.CouponTemplates) > 0 || (payload.Publish != nil && payload.Publish.Enabled)
	if needsGate && (project.StripeAccountID == nil || *project.StripeAccountID == "") {
		record.Append(StepResult{
			Kind:       StepStripeConnect,
			Status:     StepBlocked,
			ConnectURL: e.Config.Stripe.ConnectURL,
		})
		record.Pending = []string{"stripe_connect"}
	} else {
		if needsGate {
			record.Append(StepResult{Kind: StepStripeConnect, Status: StepOK})
		}
		for _, spec := range payload.CouponTemplates {
			if err := e.stepTemplateCreate(ctx, record, project, spec, meta); err != nil {
				return persistAndFail(err)
			}
		}
		if payload.Publish != nil && payload.Publish.Enabled {
			if err := e.stepPublish(ctx, record, project, meta); err != nil {
				return persistAndFail(err)
			}
		}
	}

	status, err := e.finish(ctx, p.ID, intentID, record, !record.Blocked(), true)
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{PlanID: p.ID, Status: status, Launch: record}, nil
}

func (e *Engine) loadLaunch(p domain.Plan) (*LaunchExecution, error) {
	if p.ExecutionJSON != nil {
		record, err := ParseLaunch(*p.ExecutionJSON)
		if err != nil {
			return nil, fmt.Errorf("stored execution record for plan %s is corrupt: %w", p.ID, err)
		}
		return record, nil
	}
	record := &LaunchExecution{StartedAt: e.now()}
	record.index()
	return record, nil
}

// stepProjectCreate creates the project once and returns it on every
// subsequent attempt. The record's ProjectID is the idempotency anchor.
func (e *Engine) stepProjectCreate(ctx context.Context, record *LaunchExecution, draft plan.ProjectDraft, actor Actor, meta events.Meta) (domain.Project, error) {
	if record.ProjectID != "" {
		return e.Repo.GetProject(ctx, record.ProjectID)
	}
	project := domain.Project{
		ID:             uuid.NewString(),
		InstallationID: actor.InstallationID,
		OwnerID:        actor.UserID,
		Name:           draft.Name,
		Category:       draft.Category,
		Description:    draft.Description,
		Website:        draft.Website,
		Visibility:     "private",
		CreatedAt:      e.now(),
	}
	meta.SubjectKind, meta.SubjectID = "project", project.ID
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertProjectTx(ctx, tx, project); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "project.created", meta, events.EventPayload{
			"name":     project.Name,
			"category": project.Category,
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	record.ProjectID = project.ID
	record.Append(StepResult{Kind: StepProjectCreate, Status: StepOK, ProjectID: project.ID})
	return project, nil
}

// stepRewardCreate declares one milestone reward, keyed by client_ref.
// Shape problems the schema cannot express (a money reward without an
// amount, say) are recorded against the reward and do not block the rest
// of the launch.
func (e *Engine) stepRewardCreate(ctx context.Context, record *LaunchExecution, project domain.Project, spec plan.RewardSpec, meta events.Meta) error {
	if record.Done(StepRewardCreate, spec.ClientRef) {
		return nil
	}
	if msg := rewardSpecProblem(spec); msg != "" {
		record.Append(StepResult{Kind: StepRewardCreate, Status: StepError, Key: spec.ClientRef, Error: msg})
		return nil
	}
	existing, err := e.Repo.GetRewardByRef(ctx, project.ID, spec.ClientRef)
	if err == nil {
		record.Append(StepResult{Kind: StepRewardCreate, Status: StepOK, Key: spec.ClientRef, RewardID: existing.ID})
		return nil
	}
	if err != repo.ErrNotFound {
		return err
	}

	availability := spec.AvailabilityType
	if availability == "" {
		availability = "UNLIMITED"
	}
	clientRef := spec.ClientRef
	reward := domain.Reward{
		ID:                   uuid.NewString(),
		ProjectID:            project.ID,
		ClientRef:            &clientRef,
		MilestoneType:        spec.MilestoneType,
		MilestoneValue:       spec.MilestoneValue,
		RewardType:           spec.RewardType,
		RewardPercentOff:     spec.RewardPercentOff,
		RewardDurationMonths: spec.RewardDurationMonths,
		RewardAmountCents:    spec.RewardAmountCents,
		AvailabilityType:     availability,
		AvailabilityLimit:    spec.AvailabilityLimit,
		Status:               "DRAFT",
		CreatedAt:            e.now(),
	}
	if spec.RewardDescription != "" {
		desc := spec.RewardDescription
		reward.RewardDescription = &desc
	}
	meta.SubjectKind, meta.SubjectID = "reward", reward.ID
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertRewardTx(ctx, tx, reward); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "reward.created", meta, events.EventPayload{
			"project_id":  project.ID,
			"client_ref":  spec.ClientRef,
			"reward_type": spec.RewardType,
		})
	})
	if err != nil {
		if repo.IsUniqueViolation(err) {
			record.Append(StepResult{Kind: StepRewardCreate, Status: StepOK, Key: spec.ClientRef})
			return nil
		}
		return err
	}
	record.Append(StepResult{Kind: StepRewardCreate, Status: StepOK, Key: spec.ClientRef, RewardID: reward.ID})
	return nil
}

func rewardSpecProblem(spec plan.RewardSpec) string {
	switch spec.RewardType {
	case "DISCOUNT_COUPON":
		if spec.RewardPercentOff == nil || *spec.RewardPercentOff <= 0 || *spec.RewardPercentOff > 100 {
			return "discount rewards need reward_percent_off between 0 and 100"
		}
	case "FREE_SUBSCRIPTION", "PLAN_UPGRADE":
		if spec.RewardDurationMonths == nil || *spec.RewardDurationMonths <= 0 {
			return "subscription rewards need a positive reward_duration_months"
		}
	case "MONEY":
		if spec.RewardAmountCents == nil || *spec.RewardAmountCents <= 0 {
			return "money rewards need a positive reward_amount_cents"
		}
	case "ACCESS_PERK":
		if spec.RewardDescription == "" {
			return "perk rewards need a reward_description"
		}
	}
	if spec.AvailabilityType == "FIRST_N" && (spec.AvailabilityLimit == nil || *spec.AvailabilityLimit <= 0) {
		return "first-n availability needs a positive availability_limit"
	}
	return ""
}

// stepTemplateCreate registers a coupon template with the payment
// provider and stores it, keyed by client_ref.
func (e *Engine) stepTemplateCreate(ctx context.Context, record *LaunchExecution, project domain.Project, spec plan.TemplateSpec, meta events.Meta) error {
	if record.Done(StepTemplateCreate, spec.ClientRef) {
		return nil
	}
	existing, err := e.Repo.GetCouponTemplateByRef(ctx, project.ID, spec.ClientRef)
	if err == nil {
		record.Append(StepResult{Kind: StepTemplateCreate, Status: StepOK, Key: spec.ClientRef, TemplateID: existing.ID})
		return nil
	}
	if err != repo.ErrNotFound {
		return err
	}

	duration := spec.Duration
	if duration == "" {
		duration = "once"
	}
	params := paymentCouponParams(spec, duration)
	providerCoupon, err := e.Payments.CreateCoupon(ctx, *project.StripeAccountID, params)
	if err != nil {
		return err
	}
	clientRef := spec.ClientRef
	tpl := domain.CouponTemplate{
		ID:               uuid.NewString(),
		ProjectID:        project.ID,
		ClientRef:        &clientRef,
		Name:             spec.Name,
		PercentOff:       spec.PercentOff,
		Duration:         duration,
		DurationMonths:   spec.DurationMonths,
		MaxRedemptions:   spec.MaxRedemptions,
		Status:           "ACTIVE",
		ProviderCouponID: providerCoupon.ID,
		CreatedAt:        e.now(),
	}
	if spec.ExpiresAt != "" {
		expires := spec.ExpiresAt
		tpl.ExpiresAt = &expires
	}
	meta.SubjectKind, meta.SubjectID = "coupon_template", tpl.ID
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertCouponTemplateTx(ctx, tx, tpl); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "template.created", meta, events.EventPayload{
			"project_id":  project.ID,
			"client_ref":  spec.ClientRef,
			"percent_off": spec.PercentOff,
		})
	})
	if err != nil {
		if repo.IsUniqueViolation(err) {
			record.Append(StepResult{Kind: StepTemplateCreate, Status: StepOK, Key: spec.ClientRef})
			return nil
		}
		return err
	}
	record.Append(StepResult{Kind: StepTemplateCreate, Status: StepOK, Key: spec.ClientRef, TemplateID: tpl.ID})
	return nil
}

func paymentCouponParams(spec plan.TemplateSpec, duration string) payment.CouponParams {
	params := payment.CouponParams{
		Name:       spec.Name,
		PercentOff: spec.PercentOff,
		Duration:   duration,
	}
	if spec.DurationMonths != nil {
		params.DurationMonths = *spec.DurationMonths
	}
	if spec.MaxRedemptions != nil {
		params.MaxRedemptions = *spec.MaxRedemptions
	}
	if spec.ExpiresAt != "" {
		if t, err := time.Parse(time.RFC3339, spec.ExpiresAt); err == nil {
			params.RedeemBy = &t
		}
	}
	return params
}

func (e *Engine) stepPublish(ctx context.Context, record *LaunchExecution, project domain.Project, meta events.Meta) error {
	if record.Done(StepProjectPublish, "") {
		return nil
	}
	if project.Visibility == "public" {
		record.Append(StepResult{Kind: StepProjectPublish, Status: StepOK, ProjectID: project.ID})
		return nil
	}
	meta.SubjectKind, meta.SubjectID = "project", project.ID
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.SetProjectVisibilityTx(ctx, tx, project.ID, "public"); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "project.published", meta, events.EventPayload{
			"name": project.Name,
		})
	})
	if err != nil {
		return err
	}
	record.Append(StepResult{Kind: StepProjectPublish, Status: StepOK, ProjectID: project.ID})
	return nil
}

// stepInvitations picks the best-matching marketers and opens a
// conversation with each. Matching needs a category, so an uncategorized
// project skips the step. Candidates already invited to the project or
// already under contract are skipped, so re-runs never double-invite.
func (e *Engine) stepInvitations(ctx context.Context, record *LaunchExecution, project domain.Project, spec plan.InvitationSpec, actor Actor, meta events.Meta) error {
	if record.Done(StepInvitationsSend, "") {
		return nil
	}
	if project.Category == "" {
		record.Append(StepResult{Kind: StepInvitationsSend, Status: StepSkipped, Error: "project has no category to match marketers against"})
		return nil
	}
	limit := spec.Limit
	if limit == 0 {
		limit = e.Config.Invitations.DefaultLimit
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 20 {
		limit = 20
	}

	candidates, err := e.Repo.ListMarketerProfiles(ctx, e.Config.Invitations.MaxCandidates)
	if err != nil {
		return err
	}
	picked := rankMarketers(candidates, project, limit)

	sent, skipped := 0, 0
	for _, m := range picked {
		if _, err := e.Repo.GetContract(ctx, project.ID, m.UserID); err == nil {
			skipped++
			continue
		} else if err != repo.ErrNotFound {
			return err
		}
		already, err := e.Repo.HasInvitation(ctx, project.ID, m.UserID)
		if err != nil {
			return err
		}
		if already {
			skipped++
			continue
		}
		if err := e.invite(ctx, project, m, spec.Message, actor, meta); err != nil {
			if repo.IsUniqueViolation(err) {
				skipped++
				continue
			}
			return err
		}
		sent++
	}
	record.Append(StepResult{Kind: StepInvitationsSend, Status: StepOK, Invitations: sent, Skipped: skipped})
	return nil
}

// invite posts the invitation message into the marketer's conversation
// thread for the project, creating the thread only when none exists yet,
// and records the invitation row.
func (e *Engine) invite(ctx context.Context, project domain.Project, m domain.MarketerProfile, message string, actor Actor, meta events.Meta) error {
	now := e.now()
	conv, err := e.Repo.GetConversation(ctx, project.ID, m.UserID)
	freshThread := false
	if err == repo.ErrNotFound {
		freshThread = true
		conv = domain.Conversation{
			ID:             uuid.NewString(),
			ProjectID:      project.ID,
			FounderID:      project.OwnerID,
			MarketerID:     m.UserID,
			LastActivityAt: now,
			CreatedAt:      now,
		}
	} else if err != nil {
		return err
	}
	if message == "" {
		message = fmt.Sprintf("Hi %s, we just launched %s and think it could be a fit for you. Interested in promoting it?", m.DisplayName, project.Name)
	}
	inv := domain.Invitation{
		ID:         uuid.NewString(),
		ProjectID:  project.ID,
		MarketerID: m.UserID,
		Status:     "PENDING",
		CreatedAt:  now,
	}
	meta.SubjectKind, meta.SubjectID = "invitation", inv.ID
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if freshThread {
			if err := e.Repo.InsertConversationTx(ctx, tx, conv); err != nil {
				return err
			}
		} else if err := e.Repo.TouchConversationTx(ctx, tx, conv.ID, now); err != nil {
			return err
		}
		msg := domain.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			SenderID:       project.OwnerID,
			Body:           message,
			CreatedAt:      now,
		}
		if err := e.Repo.InsertMessageTx(ctx, tx, msg); err != nil {
			return err
		}
		if err := e.Repo.InsertInvitationTx(ctx, tx, inv); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, "invitation.sent", meta, events.EventPayload{
			"project_id":  project.ID,
			"marketer_id": m.UserID,
		})
	})
}

// rankMarketers scores candidates against the project's category: a
// specialty matching the category exactly or by substring either way
// counts 3, a focus-area match counts 1. Ties keep candidate order,
// which is profile creation order.
func rankMarketers(candidates []domain.MarketerProfile, project domain.Project, limit int) []domain.MarketerProfile {
	type scored struct {
		profile domain.MarketerProfile
		score   int
		order   int
	}
	ranked := make([]scored, 0, len(candidates))
	category := strings.ToLower(project.Category)
	for i, m := range candidates {
		score := 0
		if category != "" {
			for _, s := range m.Specialties {
				sl := strings.ToLower(s)
				if sl != "" && (strings.Contains(sl, category) || strings.Contains(category, sl)) {
					score += 3
					break
				}
			}
			if m.FocusArea != "" && strings.Contains(category, strings.ToLower(m.FocusArea)) {
				score++
			}
		}
		ranked = append(ranked, scored{profile: m, score: score, order: i})
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		if ranked[a].score != ranked[b].score {
			return ranked[a].score > ranked[b].score
		}
		return ranked[a].order < ranked[b].order
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]domain.MarketerProfile, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.profile)
	}
	return out
}
