package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"revclaw/internal/domain"
)

// --- rewards ---

const rewardColumns = `id,project_id,client_ref,milestone_type,milestone_value,reward_type,reward_percent_off,reward_duration_months,reward_amount_cents,reward_description,availability_type,availability_limit,status,created_at`

func scanReward(scan func(dest ...any) error) (domain.Reward, error) {
	var w domain.Reward
	err := scan(&w.ID, &w.ProjectID, &w.ClientRef, &w.MilestoneType, &w.MilestoneValue, &w.RewardType, &w.RewardPercentOff, &w.RewardDurationMonths, &w.RewardAmountCents, &w.RewardDescription, &w.AvailabilityType, &w.AvailabilityLimit, &w.Status, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) GetRewardByRef(ctx context.Context, projectID, clientRef string) (domain.Reward, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE project_id=? AND client_ref=?`, projectID, clientRef)
	return scanReward(row.Scan)
}

func (r Repo) InsertRewardTx(ctx context.Context, tx *sql.Tx, w domain.Reward) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO rewards(`+rewardColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, w.ClientRef, w.MilestoneType, w.MilestoneValue, w.RewardType, w.RewardPercentOff, w.RewardDurationMonths, w.RewardAmountCents, w.RewardDescription, w.AvailabilityType, w.AvailabilityLimit, w.Status, w.CreatedAt)
	return err
}

func (r Repo) ListRewards(ctx context.Context, projectID string) ([]domain.Reward, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE project_id=? ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Reward
	for rows.Next() {
		w, err := scanReward(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- invitations ---

func (r Repo) HasInvitation(ctx context.Context, projectID, marketerID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM invitations WHERE project_id=? AND marketer_id=?`, projectID, marketerID).Scan(&n)
	return n > 0, err
}

func (r Repo) InsertInvitationTx(ctx context.Context, tx *sql.Tx, inv domain.Invitation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO invitations(id,project_id,marketer_id,status,created_at) VALUES (?,?,?,?,?)`,
		inv.ID, inv.ProjectID, inv.MarketerID, inv.Status, inv.CreatedAt)
	return err
}

func (r Repo) CountInvitations(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM invitations WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

// --- conversations ---

func (r Repo) GetConversation(ctx context.Context, projectID, marketerID string) (domain.Conversation, error) {
	var c domain.Conversation
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,founder_id,marketer_id,last_activity_at,created_at FROM conversations WHERE project_id=? AND marketer_id=?`, projectID, marketerID).
		Scan(&c.ID, &c.ProjectID, &c.FounderID, &c.MarketerID, &c.LastActivityAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertConversationTx(ctx context.Context, tx *sql.Tx, c domain.Conversation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO conversations(id,project_id,founder_id,marketer_id,last_activity_at,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.FounderID, c.MarketerID, c.LastActivityAt, c.CreatedAt)
	return err
}

func (r Repo) TouchConversationTx(ctx context.Context, tx *sql.Tx, id, at string) error {
	_, err := tx.ExecContext(ctx, `UPDATE conversations SET last_activity_at=? WHERE id=?`, at, id)
	return err
}

func (r Repo) InsertMessageTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(id,conversation_id,sender_id,body,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.ConversationID, m.SenderID, m.Body, m.CreatedAt)
	return err
}

// --- marketer profiles ---

func (r Repo) ListMarketerProfiles(ctx context.Context, limit int) ([]domain.MarketerProfile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT user_id,display_name,specialties,focus_area,created_at FROM marketer_profiles ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.MarketerProfile
	for rows.Next() {
		var p domain.MarketerProfile
		var specialties, focusArea sql.NullString
		if err := rows.Scan(&p.UserID, &p.DisplayName, &specialties, &focusArea, &p.CreatedAt); err != nil {
			return nil, err
		}
		if specialties.Valid && specialties.String != "" {
			if err := json.Unmarshal([]byte(specialties.String), &p.Specialties); err != nil {
				return nil, err
			}
		}
		p.FocusArea = focusArea.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r Repo) InsertMarketerProfile(ctx context.Context, p domain.MarketerProfile) error {
	var specialties any
	if len(p.Specialties) > 0 {
		b, err := json.Marshal(p.Specialties)
		if err != nil {
			return err
		}
		specialties = string(b)
	}
	var focusArea any
	if p.FocusArea != "" {
		focusArea = p.FocusArea
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO marketer_profiles(user_id,display_name,specialties,focus_area,created_at) VALUES (?,?,?,?,?)`,
		p.UserID, p.DisplayName, specialties, focusArea, p.CreatedAt)
	return err
}
