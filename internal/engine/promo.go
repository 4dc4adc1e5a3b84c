package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"revclaw/internal/domain"
	"revclaw/internal/events"
	"revclaw/internal/payment"
	"revclaw/internal/plan"
	"revclaw/internal/repo"
)

// executePromo advances every item of a promo plan as far as it can go.
// Items block independently: one project waiting on contract approval
// does not hold up another that is ready to promote. Infrastructure
// failures (database, payment provider) abort the attempt instead of
// being recorded against the item, after persisting progress so far.
func (e *Engine) executePromo(ctx context.Context, p domain.Plan, intentID string, actor Actor, items []plan.PromoItem) (*ExecuteResult, error) {
	record, err := e.loadBatch(p, items)
	if err != nil {
		return nil, err
	}
	meta := events.Meta{
		InstallationID: actor.InstallationID,
		ActorUserID:    actor.UserID,
		AgentID:        actor.AgentID,
		IntentID:       intentID,
	}

	for i := range items {
		it := &record.Items[i]
		if it.Next == NextReady || itemSkipped(it) {
			continue
		}
		if err := e.advanceItem(ctx, it, items[i], actor, meta); err != nil {
			record.Recompute()
			if raw, mErr := marshalRecord(record); mErr == nil {
				_ = e.Repo.UpdatePlanExecution(ctx, p.ID, raw, "APPROVED", e.now(), nil)
			}
			return nil, err
		}
	}

	record.Recompute()
	status, err := e.finish(ctx, p.ID, intentID, record, record.Settled(), false)
	if err != nil {
		return nil, err
	}
	return &ExecuteResult{PlanID: p.ID, Status: status, Batch: record}, nil
}

// loadBatch restores the prior record or seeds a fresh one with one item
// per plan item. Plan content is hash-bound, so item order is stable
// across attempts.
func (e *Engine) loadBatch(p domain.Plan, items []plan.PromoItem) (*BatchExecution, error) {
	if p.ExecutionJSON != nil {
		record, err := ParseBatch(*p.ExecutionJSON)
		if err != nil {
			return nil, fmt.Errorf("stored execution record for plan %s is corrupt: %w", p.ID, err)
		}
		if len(record.Items) == len(items) {
			return record, nil
		}
	}
	record := &BatchExecution{StartedAt: e.now()}
	for _, it := range items {
		record.Items = append(record.Items, ItemExecution{ProjectID: it.ProjectID})
	}
	for i := range record.Items {
		record.Items[i].index()
	}
	return record, nil
}

func (e *Engine) advanceItem(ctx context.Context, rec *ItemExecution, item plan.PromoItem, actor Actor, meta events.Meta) error {
	project, err := e.Repo.GetProject(ctx, item.ProjectID)
	if err == repo.ErrNotFound {
		rec.Append(StepResult{Kind: StepApplicationSubmit, Status: StepError, Error: "project not found"})
		rec.Next = ""
		return nil
	}
	if err != nil {
		return err
	}
	if project.Visibility != "public" {
		rec.Append(StepResult{Kind: StepApplicationSubmit, Status: StepError, Error: "project is not open for marketers"})
		rec.Next = ""
		return nil
	}

	done, err := e.stepApplication(ctx, rec, project, item, actor, meta)
	if err != nil || !done {
		return err
	}
	done, err = e.stepCoupon(ctx, rec, project, item, actor, meta)
	if err != nil || !done {
		return err
	}
	done, err = e.stepAttribution(ctx, rec, project, actor, meta)
	if err != nil || !done {
		return err
	}
	e.stepDraft(rec, project, item)
	return nil
}

// stepApplication submits the marketer's contract application, or reads
// the state of one submitted earlier. A fresh submission is an "ok"
// step (the submit itself succeeded) carrying the contract's PENDING
// status; the item still parks until the founder approves. It returns
// false while the item is blocked on that review.
func (e *Engine) stepApplication(ctx context.Context, rec *ItemExecution, project domain.Project, item plan.PromoItem, actor Actor, meta events.Meta) (bool, error) {
	c, err := e.Repo.GetContract(ctx, project.ID, actor.UserID)
	if err == repo.ErrNotFound {
		c = domain.Contract{
			ID:                uuid.NewString(),
			ProjectID:         project.ID,
			UserID:            actor.UserID,
			Status:            "PENDING",
			CommissionPercent: item.Application.CommissionPercent,
			RefundWindowDays:  item.Application.RefundWindowDays,
			CreatedAt:         e.now(),
		}
		meta.SubjectKind, meta.SubjectID = "contract", c.ID
		err = e.inTx(ctx, func(tx *sql.Tx) error {
			if err := e.Repo.InsertContractTx(ctx, tx, c); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, "contract.applied", meta, events.EventPayload{
				"project_id":         project.ID,
				"commission_percent": item.Application.CommissionPercent,
				"refund_window_days": item.Application.RefundWindowDays,
			})
		})
		if err != nil {
			if repo.IsUniqueViolation(err) {
				// Concurrent attempt got there first; re-read next run.
				rec.Append(StepResult{Kind: StepApplicationSubmit, Status: StepPending})
				rec.Next = NextAwaitContract
				return false, nil
			}
			return false, err
		}
		rec.Append(StepResult{Kind: StepApplicationSubmit, Status: StepOK, ContractID: c.ID, ContractStatus: c.Status})
		rec.Next = NextAwaitContract
		return false, nil
	}
	if err != nil {
		return false, err
	}
	switch c.Status {
	case "APPROVED":
		if !rec.Done(StepApplicationSubmit, "") {
			rec.Append(StepResult{Kind: StepApplicationSubmit, Status: StepOK, ContractID: c.ID, ContractStatus: c.Status})
		}
		return true, nil
	case "REJECTED":
		rec.Append(StepResult{Kind: StepApplicationSubmit, Status: StepSkipped, ContractID: c.ID, ContractStatus: c.Status, Error: "application was rejected"})
		rec.Next = ""
		return false, nil
	default:
		if !rec.Done(StepApplicationSubmit, "") {
			rec.Append(StepResult{Kind: StepApplicationSubmit, Status: StepPending, ContractID: c.ID, ContractStatus: c.Status})
		}
		rec.Next = NextAwaitContract
		return false, nil
	}
}

// stepCoupon claims a personal promotion code from the project's coupon
// template. Claiming is once per (project, template, marketer); a code
// minted in an earlier run is reused, never minted again.
func (e *Engine) stepCoupon(ctx context.Context, rec *ItemExecution, project domain.Project, item plan.PromoItem, actor Actor, meta events.Meta) (bool, error) {
	if project.StripeAccountID == nil || *project.StripeAccountID == "" {
		rec.Append(StepResult{Kind: StepCouponGenerate, Status: StepPending, Error: "founder has not connected payouts"})
		rec.Next = NextAwaitStripe
		return false, nil
	}

	tpl, err := e.Repo.GetCouponTemplate(ctx, item.CouponTemplateID)
	if err == repo.ErrNotFound || (err == nil && tpl.ProjectID != project.ID) {
		rec.Append(StepResult{Kind: StepCouponGenerate, Status: StepError, Error: "coupon template not found for this project"})
		rec.Next = ""
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if tpl.Status != "ACTIVE" {
		rec.Append(StepResult{Kind: StepCouponGenerate, Status: StepError, Error: "coupon template is inactive"})
		rec.Next = ""
		return false, nil
	}
	if len(tpl.AllowedMarketerIDs) > 0 && !contains(tpl.AllowedMarketerIDs, actor.UserID) {
		rec.Append(StepResult{Kind: StepCouponGenerate, Status: StepError, Error: "marketer is not allowed on this coupon template"})
		rec.Next = ""
		return false, nil
	}

	existing, err := e.Repo.GetCoupon(ctx, project.ID, tpl.ID, actor.UserID)
	if err == nil {
		rec.Append(StepResult{Kind: StepCouponGenerate, Status: StepOK, CouponID: existing.ID, Code: existing.Code})
		rec.Coupon = &CouponInfo{Code: existing.Code, PercentOff: existing.PercentOff}
		return true, nil
	}
	if err != repo.ErrNotFound {
		return false, err
	}

	var created domain.Coupon
	code, err := createWithRetry(item.SuggestedCode, func(err error) bool {
		return payment.CodeTaken(err) || repo.IsUniqueViolation(err)
	}, func(code string) error {
		promo, err := e.Payments.CreatePromotionCode(ctx, *project.StripeAccountID, payment.PromoCodeParams{
			CouponID: tpl.ProviderCouponID,
			Code:     code,
		})
		if err != nil {
			return err
		}
		created = domain.Coupon{
			ID:              uuid.NewString(),
			ProjectID:       project.ID,
			TemplateID:      tpl.ID,
			UserID:          actor.UserID,
			Code:            promo.Code,
			PercentOff:      tpl.PercentOff,
			ProviderPromoID: promo.ID,
			CreatedAt:       e.now(),
		}
		meta.SubjectKind, meta.SubjectID = "coupon", created.ID
		return e.inTx(ctx, func(tx *sql.Tx) error {
			if err := e.Repo.InsertCouponTx(ctx, tx, created); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, "coupon.claimed", meta, events.EventPayload{
				"project_id":  project.ID,
				"template_id": tpl.ID,
				"code":        promo.Code,
			})
		})
	})
	if err != nil {
		// Provider failures and exhausted code retries are this item's
		// problem, not the request's. The rest of the batch continues.
		var pe *payment.APIError
		if errors.As(err, &pe) || errors.Is(err, errCodeExhausted) {
			rec.Append(StepResult{Kind: StepCouponGenerate, Status: StepError, Error: err.Error()})
			rec.Next = ""
			return false, nil
		}
		return false, err
	}
	rec.Append(StepResult{Kind: StepCouponGenerate, Status: StepOK, CouponID: created.ID, Code: code})
	rec.Coupon = &CouponInfo{Code: code, PercentOff: tpl.PercentOff}
	return true, nil
}

// stepAttribution ensures the marketer has a tracked short link for the
// project. One link per (project, marketer), shared across plans.
func (e *Engine) stepAttribution(ctx context.Context, rec *ItemExecution, project domain.Project, actor Actor, meta events.Meta) (bool, error) {
	link, err := e.Repo.GetShortLink(ctx, project.ID, actor.UserID)
	if err == nil {
		url := e.linkURL(link.Code)
		rec.Append(StepResult{Kind: StepAttributionLink, Status: StepOK, Code: link.Code, LinkURL: url})
		rec.Attribution = &AttributionInfo{Code: link.Code, URL: url}
		return true, nil
	}
	if err != repo.ErrNotFound {
		return false, err
	}

	var created domain.ShortLink
	code, err := createRandomCode(attributionCodeLen, repo.IsUniqueViolation, func(code string) error {
		created = domain.ShortLink{
			ID:        uuid.NewString(),
			ProjectID: project.ID,
			UserID:    actor.UserID,
			Code:      code,
			CreatedAt: e.now(),
		}
		meta.SubjectKind, meta.SubjectID = "short_link", created.ID
		return e.inTx(ctx, func(tx *sql.Tx) error {
			if err := e.Repo.InsertShortLinkTx(ctx, tx, created); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, "link.created", meta, events.EventPayload{
				"project_id": project.ID,
				"code":       code,
			})
		})
	})
	if err != nil {
		if errors.Is(err, errCodeExhausted) {
			rec.Append(StepResult{Kind: StepAttributionLink, Status: StepError, Error: err.Error()})
			rec.Next = ""
			return false, nil
		}
		return false, err
	}
	url := e.linkURL(code)
	rec.Append(StepResult{Kind: StepAttributionLink, Status: StepOK, Code: code, LinkURL: url})
	rec.Attribution = &AttributionInfo{Code: code, URL: url}
	return true, nil
}

func (e *Engine) linkURL(code string) string {
	return strings.TrimRight(e.Config.Promo.LinkBase, "/") + "/" + code
}

var promoChannels = []string{"short", "twitter", "linkedin", "reddit", "email"}

// stepDraft assembles ready-to-post copy for each channel and marks the
// item ready. Pure assembly, no side effects, so it is safe to redo.
func (e *Engine) stepDraft(rec *ItemExecution, project domain.Project, item plan.PromoItem) {
	coupon, link := "", ""
	if rec.Coupon != nil {
		coupon = rec.Coupon.Code
	}
	if rec.Attribution != nil {
		link = rec.Attribution.URL
	}
	channels := make(map[string]string, len(promoChannels))
	for _, ch := range promoChannels {
		channels[ch] = promoCopy(ch, project, item, coupon, link)
	}
	recommended := "short"
	if _, ok := channels[item.Angle]; ok && item.Angle != "" {
		recommended = item.Angle
	}
	rec.Promo = &PromoDraft{Channels: channels, Recommended: recommended}
	rec.Append(StepResult{Kind: StepPromoDraft, Status: StepOK})
	rec.Next = NextReady
}

func promoCopy(channel string, project domain.Project, item plan.PromoItem, coupon, link string) string {
	percent := ""
	if item.Notes != "" {
		percent = " " + item.Notes
	}
	switch channel {
	case "twitter":
		return fmt.Sprintf("Trying out %s and it's been great.%s Use code %s for a discount: %s", project.Name, percent, coupon, link)
	case "linkedin":
		return fmt.Sprintf("I've been working with %s recently. %s If you want to try it, code %s gets you a discount: %s", project.Name, project.Description, coupon, link)
	case "reddit":
		return fmt.Sprintf("Been using %s for a while now.%s Happy to answer questions. Discount code %s if you want to try it: %s", project.Name, percent, coupon, link)
	case "email":
		return fmt.Sprintf("Hi,\n\nI wanted to share %s with you. %s\n\nUse code %s at checkout for a discount: %s\n", project.Name, project.Description, coupon, link)
	default:
		return fmt.Sprintf("%s: use code %s at %s", project.Name, coupon, link)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
