package server

import (
	"encoding/json"

	"revclaw/internal/domain"
	"revclaw/internal/engine"
)

// PlanResponse is a plan row with its payload inlined as JSON.
type PlanResponse struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Hash       string          `json:"hash"`
	Plan       json.RawMessage `json:"plan"`
	ExecutedAt *string         `json:"executed_at,omitempty"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

func planResponse(p domain.Plan) PlanResponse {
	return PlanResponse{
		ID:         p.ID,
		Kind:       p.Kind,
		Status:     p.Status,
		Hash:       p.Hash,
		Plan:       json.RawMessage(p.JSON),
		ExecutedAt: p.ExecutedAt,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}
}

// ExecuteResponse wraps every execution outcome in the data envelope.
// Data is the per-kind payload; Error and Execution are set only on an
// idempotent replay of an already-executed plan.
type ExecuteResponse struct {
	Data      any    `json:"data" jsonschema:"type=object,additionalProperties=true"`
	Error     string `json:"error,omitempty"`
	Execution any    `json:"execution,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// BatchData is the data payload for promo plans: the batch record with
// the plan identity alongside.
type BatchData struct {
	PlanID string `json:"plan_id"`
	Status string `json:"status"`
	*engine.BatchExecution
}

// LaunchData is the data payload for launch plans.
type LaunchData struct {
	PlanID     string                  `json:"plan_id"`
	ProjectID  string                  `json:"project_id,omitempty"`
	Status     string                  `json:"status"`
	Execution  *engine.LaunchExecution `json:"execution"`
	NextAction *NextAction             `json:"next_action,omitempty"`
}

// NextAction tells the caller what unblocks a stalled execution.
type NextAction struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

const replayMessage = "Plan already executed"

func executeResponse(res *engine.ExecuteResult) ExecuteResponse {
	var out ExecuteResponse
	switch {
	case res.Batch != nil:
		out.Data = BatchData{PlanID: res.PlanID, Status: res.Status, BatchExecution: res.Batch}
		if res.AlreadyExecuted {
			out.Execution = res.Batch
		}
	case res.Launch != nil:
		data := LaunchData{
			PlanID:    res.PlanID,
			ProjectID: res.Launch.ProjectID,
			Status:    res.Status,
			Execution: res.Launch,
		}
		if res.Launch.Blocked() {
			action := &NextAction{Type: "stripe_connect"}
			for _, s := range res.Launch.Steps {
				if s.Kind == engine.StepStripeConnect && s.ConnectURL != "" {
					action.URL = s.ConnectURL
				}
			}
			data.NextAction = action
		}
		out.Data = data
		if res.AlreadyExecuted {
			out.Execution = res.Launch
		}
	default:
		out.Data = map[string]string{"plan_id": res.PlanID, "status": res.Status}
	}
	if res.AlreadyExecuted {
		out.Error = replayMessage
	}
	return out
}
