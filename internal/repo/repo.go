package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"revclaw/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- projects ---

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,installation_id,owner_id,name,category,description,website,visibility,stripe_account_id,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.InstallationID, p.OwnerID, p.Name, nullable(p.Category), nullable(p.Description), nullable(p.Website), p.Visibility, p.StripeAccountID, p.CreatedAt)
	return err
}

func (r Repo) InsertProject(ctx context.Context, p domain.Project) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO projects(id,installation_id,owner_id,name,category,description,website,visibility,stripe_account_id,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.InstallationID, p.OwnerID, p.Name, nullable(p.Category), nullable(p.Description), nullable(p.Website), p.Visibility, p.StripeAccountID, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var category, description, website sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,installation_id,owner_id,name,category,description,website,visibility,stripe_account_id,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.InstallationID, &p.OwnerID, &p.Name, &category, &description, &website, &p.Visibility, &p.StripeAccountID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Category = category.String
	p.Description = description.String
	p.Website = website.String
	return p, nil
}

func (r Repo) SetProjectVisibilityTx(ctx context.Context, tx *sql.Tx, id, visibility string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET visibility=? WHERE id=?`, visibility, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetProjectStripeAccount(ctx context.Context, id, accountID string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET stripe_account_id=? WHERE id=?`, accountID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- plans ---

func scanPlan(row *sql.Row) (domain.Plan, error) {
	var p domain.Plan
	err := row.Scan(&p.ID, &p.InstallationID, &p.UserID, &p.Kind, &p.Status, &p.Hash, &p.JSON, &p.ExecutionJSON, &p.ExecutedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertPlan(ctx context.Context, p domain.Plan) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO plans(id,installation_id,user_id,kind,status,hash,json,execution_json,executed_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.InstallationID, p.UserID, p.Kind, p.Status, p.Hash, p.JSON, p.ExecutionJSON, p.ExecutedAt, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	return scanPlan(r.DB.QueryRowContext(ctx, `SELECT id,installation_id,user_id,kind,status,hash,json,execution_json,executed_at,created_at,updated_at FROM plans WHERE id=?`, id))
}

func (r Repo) ListPlans(ctx context.Context, installationID string) ([]domain.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,installation_id,user_id,kind,status,hash,json,execution_json,executed_at,created_at,updated_at FROM plans WHERE installation_id=? ORDER BY created_at DESC`, installationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		var p domain.Plan
		if err := rows.Scan(&p.ID, &p.InstallationID, &p.UserID, &p.Kind, &p.Status, &p.Hash, &p.JSON, &p.ExecutionJSON, &p.ExecutedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListAllPlans(ctx context.Context) ([]domain.Plan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,installation_id,user_id,kind,status,hash,json,execution_json,executed_at,created_at,updated_at FROM plans ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		var p domain.Plan
		if err := rows.Scan(&p.ID, &p.InstallationID, &p.UserID, &p.Kind, &p.Status, &p.Hash, &p.JSON, &p.ExecutionJSON, &p.ExecutedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetPlanStatus transitions a plan between lifecycle states. The from-status
// guard makes the APPROVED->EXECUTING handoff visible to concurrent callers.
func (r Repo) SetPlanStatus(ctx context.Context, id, from, to, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE plans SET status=?, updated_at=? WHERE id=? AND status=?`, to, updatedAt, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpdatePlanStatus(ctx context.Context, id, status, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE plans SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ApprovePlan(ctx context.Context, id, hash, updatedAt string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE plans SET status='APPROVED', hash=?, updated_at=? WHERE id=? AND status IN ('DRAFT','APPROVED')`, hash, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePlanExecution is the single write boundary for execution progress:
// the engine reads, appends step results in memory, and writes back here.
func (r Repo) UpdatePlanExecution(ctx context.Context, id, executionJSON, status, updatedAt string, executedAt *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE plans SET execution_json=?, status=?, executed_at=?, updated_at=? WHERE id=?`,
		executionJSON, status, executedAt, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- events (webhook feed) ---

func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(installation_id,''),actor_user_id,COALESCE(agent_id,''),COALESCE(intent_id,''),subject_kind,COALESCE(subject_id,''),initiator,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.InstallationID, &e.ActorUserID, &e.AgentID, &e.IntentID, &e.SubjectKind, &e.SubjectID, &e.Initiator, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, n int) ([]domain.Event, error) {
	if n <= 0 {
		n = 20
	}
	var maxID int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&maxID); err != nil {
		return nil, err
	}
	after := maxID - int64(n)
	if after < 0 {
		after = 0
	}
	return r.EventsAfter(ctx, n, after)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// IsUniqueViolation reports whether err is a uniqueness-constraint failure.
// modernc.org/sqlite surfaces constraint failures as plain errors; the
// message is the stable contract here.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
