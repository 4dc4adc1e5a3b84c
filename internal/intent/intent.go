// Package intent authorizes plan executions. An intent is a single-use
// grant issued ahead of time; executing a plan consumes it.
package intent

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"revclaw/internal/domain"
	"revclaw/internal/plan"
	"revclaw/internal/repo"
)

// KindPlanExecute is the only intent kind the engine consumes today.
const KindPlanExecute = "PLAN_EXECUTE"

// Verification failure codes, surfaced verbatim in API error responses.
const (
	CodeNotFound          = "intent_not_found"
	CodeWrongKind         = "intent_wrong_kind"
	CodeWrongInstallation = "intent_wrong_installation"
	CodeAlreadyExecuted   = "intent_already_executed"
	CodePayloadMismatch   = "intent_payload_mismatch"
)

type Service struct {
	DB  *sql.DB
	Now func() time.Time
}

// Result is the outcome of a Verify call. When Valid is false, Code holds
// one of the Code* constants.
type Result struct {
	Valid   bool
	Code    string
	Message string
}

func invalid(code, message string) Result {
	return Result{Code: code, Message: message}
}

func (s Service) get(ctx context.Context, id string) (domain.Intent, error) {
	var it domain.Intent
	err := s.DB.QueryRowContext(ctx, `SELECT id,installation_id,kind,payload_json,status,result_json,created_at,executed_at FROM intents WHERE id=?`, id).
		Scan(&it.ID, &it.InstallationID, &it.Kind, &it.PayloadJSON, &it.Status, &it.ResultJSON, &it.CreatedAt, &it.ExecutedAt)
	if err == sql.ErrNoRows {
		return it, repo.ErrNotFound
	}
	return it, err
}

// Verify checks that the intent exists, belongs to the caller's
// installation, is of the expected kind, is still pending, and was issued
// for exactly the plan content being executed. Comparison is over the
// canonical fingerprint encoding, so key order in the stored payload does
// not matter.
func (s Service) Verify(ctx context.Context, id, installationID, kind string, expected plan.Fingerprint) (Result, error) {
	it, err := s.get(ctx, id)
	if err == repo.ErrNotFound {
		return invalid(CodeNotFound, "intent not found"), nil
	}
	if err != nil {
		return Result{}, err
	}
	if it.InstallationID != installationID {
		// Do not leak existence of another installation's intent.
		return invalid(CodeWrongInstallation, "intent not found"), nil
	}
	if it.Kind != kind {
		return invalid(CodeWrongKind, "intent was issued for a different operation"), nil
	}
	if it.Status != "PENDING" {
		return invalid(CodeAlreadyExecuted, "intent has already been consumed"), nil
	}
	want, err := expected.Encode()
	if err != nil {
		return Result{}, err
	}
	got, err := plan.Canonical([]byte(it.PayloadJSON))
	if err != nil {
		return Result{}, err
	}
	if got != want {
		return invalid(CodePayloadMismatch, "intent payload does not match the plan being executed"), nil
	}
	return Result{Valid: true}, nil
}

// MarkExecuted consumes the intent. The status guard makes consumption
// at-most-once even under concurrent executions of the same plan.
func (s Service) MarkExecuted(ctx context.Context, tx *sql.Tx, id, resultJSON string) error {
	res, err := tx.ExecContext(ctx, `UPDATE intents SET status='EXECUTED', result_json=?, executed_at=? WHERE id=? AND status='PENDING'`,
		resultJSON, s.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// Issue creates a pending intent for the given fingerprint. Used by the
// CLI and by tests; in production intents arrive from the control plane.
func (s Service) Issue(ctx context.Context, installationID, kind string, fp plan.Fingerprint) (string, error) {
	payload, err := fp.Encode()
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	_, err = s.DB.ExecContext(ctx, `INSERT INTO intents(id,installation_id,kind,payload_json,status,created_at) VALUES (?,?,?,?,'PENDING',?)`,
		id, installationID, kind, payload, s.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", err
	}
	return id, nil
}
