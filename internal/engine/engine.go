// Package engine executes approved plans. Execution is idempotent and
// resumable: every side effect is logged as a step keyed by (kind, key),
// and re-running a plan replays completed steps from the log instead of
// repeating them.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"revclaw/internal/config"
	"revclaw/internal/domain"
	"revclaw/internal/events"
	"revclaw/internal/intent"
	"revclaw/internal/payment"
	"revclaw/internal/plan"
	"revclaw/internal/repo"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Intents  intent.Service
	Payments payment.Client
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, payments payment.Client, cfg *config.Config) *Engine {
	now := time.Now
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db, Now: now},
		Intents:  intent.Service{DB: db, Now: now},
		Payments: payments,
		Config:   cfg,
		Now:      now,
	}
}

// Actor is the authenticated caller, decoded from the agent token.
type Actor struct {
	UserID         string
	InstallationID string
	AgentID        string
	Scopes         []string
}

// ExecuteResult is the outcome of an execution attempt. Exactly one of
// Batch or Launch is set, matching the plan kind.
type ExecuteResult struct {
	PlanID          string
	Status          string
	AlreadyExecuted bool
	Batch           *BatchExecution
	Launch          *LaunchExecution
}

func (e *Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

// ExecutePlan runs one execution attempt of the plan. Preconditions are
// checked in a fixed order so clients get stable error codes: existence,
// then ownership, then plan status, then content hash, then the intent,
// then schema and scopes. An EXECUTED plan short-circuits into a replay
// of the stored record before the intent is touched.
func (e *Engine) ExecutePlan(ctx context.Context, planID, intentID string, actor Actor) (*ExecuteResult, error) {
	p, err := e.Repo.GetPlan(ctx, planID)
	if err == repo.ErrNotFound {
		return nil, &NotFoundError{Resource: "plan", ID: planID}
	}
	if err != nil {
		return nil, err
	}
	if p.InstallationID != actor.InstallationID || p.UserID != actor.UserID {
		return nil, &ForbiddenError{Message: "plan belongs to a different owner"}
	}

	if p.Status == "EXECUTED" {
		return e.replay(p)
	}
	switch p.Status {
	case "DRAFT":
		return nil, &StateError{Code: "plan_not_approved", Message: "plan has not been approved"}
	case "CANCELED":
		return nil, &StateError{Code: "plan_canceled", Message: "plan has been canceled"}
	case "APPROVED", "EXECUTING":
	default:
		return nil, &StateError{Code: "plan_invalid_status", Message: fmt.Sprintf("plan is in unexpected status %s", p.Status)}
	}

	hash, err := plan.Hash([]byte(p.JSON))
	if err != nil {
		return nil, err
	}
	if hash != p.Hash {
		return nil, &StateError{Code: "plan_hash_mismatch", Message: "plan content changed after approval"}
	}

	canonical, err := plan.Canonical([]byte(p.JSON))
	if err != nil {
		return nil, err
	}
	check, err := e.Intents.Verify(ctx, intentID, actor.InstallationID, intent.KindPlanExecute, plan.Fingerprint{
		PlanID:   p.ID,
		PlanHash: p.Hash,
		PlanJSON: json.RawMessage(canonical),
	})
	if err != nil {
		return nil, err
	}
	if !check.Valid {
		return nil, &IntentError{Code: check.Code, Message: check.Message}
	}

	payload, err := plan.Decode([]byte(p.JSON))
	if err != nil {
		return nil, err
	}
	if scope := missingScope(requiredScopes(payload), actor.Scopes); scope != "" {
		return nil, &ForbiddenScopeError{Scope: scope}
	}

	if p.Status == "APPROVED" {
		if err := e.Repo.SetPlanStatus(ctx, p.ID, "APPROVED", "EXECUTING", e.now()); err != nil && err != repo.ErrNotFound {
			return nil, err
		}
	}

	switch v := payload.(type) {
	case plan.MarketerPromoPlan, plan.MarketerBatchPromoPlan:
		return e.executePromo(ctx, p, intentID, actor, plan.Items(payload))
	case plan.ProjectLaunchPlan:
		return e.executeLaunch(ctx, p, intentID, actor, v)
	default:
		return nil, fmt.Errorf("no executor for plan kind %s", payload.PlanKind())
	}
}

// replay returns the record stored when the plan finished. The intent is
// not consulted; an executed plan answers the same regardless of which
// intent accompanies the retry.
func (e *Engine) replay(p domain.Plan) (*ExecuteResult, error) {
	res := &ExecuteResult{PlanID: p.ID, Status: p.Status, AlreadyExecuted: true}
	if p.ExecutionJSON == nil {
		return res, nil
	}
	switch plan.Kind(p.Kind) {
	case plan.KindProjectLaunch:
		le, err := ParseLaunch(*p.ExecutionJSON)
		if err != nil {
			return nil, fmt.Errorf("stored execution record for plan %s is corrupt: %w", p.ID, err)
		}
		res.Launch = le
	default:
		b, err := ParseBatch(*p.ExecutionJSON)
		if err != nil {
			return nil, fmt.Errorf("stored execution record for plan %s is corrupt: %w", p.ID, err)
		}
		res.Batch = b
	}
	return res, nil
}

// finish persists the execution record and, when the plan settled, flips
// it to EXECUTED and consumes the intent. Partial promo progress drops
// the plan back to APPROVED so a later attempt can pick it up; a blocked
// launch keeps EXECUTING because its project already exists.
func (e *Engine) finish(ctx context.Context, planID, intentID string, record any, settled bool, blockedStaysExecuting bool) (string, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	nowStr := e.now()
	if settled {
		// The record is persisted before the intent is consumed. If the
		// intent write fails, the plan is already EXECUTED and replays
		// cleanly; the reverse order would burn the only authorization
		// while leaving the plan incomplete.
		executedAt := nowStr
		if err := e.Repo.UpdatePlanExecution(ctx, planID, string(raw), "EXECUTED", nowStr, &executedAt); err != nil {
			return "", err
		}
		if err := e.consumeIntent(ctx, intentID, string(raw)); err != nil {
			return "", err
		}
		return "EXECUTED", nil
	}
	status := "APPROVED"
	if blockedStaysExecuting {
		status = "EXECUTING"
	}
	if err := e.Repo.UpdatePlanExecution(ctx, planID, string(raw), status, nowStr, nil); err != nil {
		return "", err
	}
	return status, nil
}

func (e *Engine) consumeIntent(ctx context.Context, intentID, resultJSON string) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		return e.Intents.MarkExecuted(ctx, tx, intentID, resultJSON)
	})
}

func (e *Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func marshalRecord(record any) (string, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
