package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"revclaw/internal/domain"
)

// --- contracts ---

func (r Repo) GetContract(ctx context.Context, projectID, userID string) (domain.Contract, error) {
	var c domain.Contract
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,user_id,status,commission_percent,refund_window_days,created_at FROM contracts WHERE project_id=? AND user_id=?`, projectID, userID).
		Scan(&c.ID, &c.ProjectID, &c.UserID, &c.Status, &c.CommissionPercent, &c.RefundWindowDays, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertContractTx(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO contracts(id,project_id,user_id,status,commission_percent,refund_window_days,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.UserID, c.Status, c.CommissionPercent, c.RefundWindowDays, c.CreatedAt)
	return err
}

func (r Repo) InsertContract(ctx context.Context, c domain.Contract) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO contracts(id,project_id,user_id,status,commission_percent,refund_window_days,created_at) VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.UserID, c.Status, c.CommissionPercent, c.RefundWindowDays, c.CreatedAt)
	return err
}

func (r Repo) SetContractStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE contracts SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- coupon templates ---

func scanTemplate(scan func(dest ...any) error) (domain.CouponTemplate, error) {
	var t domain.CouponTemplate
	var allowed sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.ClientRef, &t.Name, &t.PercentOff, &t.Duration, &t.DurationMonths, &t.MaxRedemptions, &t.ExpiresAt, &t.Status, &allowed, &t.ProviderCouponID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if allowed.Valid && allowed.String != "" {
		if err := json.Unmarshal([]byte(allowed.String), &t.AllowedMarketerIDs); err != nil {
			return t, err
		}
	}
	return t, nil
}

const templateColumns = `id,project_id,client_ref,name,percent_off,duration,duration_months,max_redemptions,expires_at,status,allowed_marketers,provider_coupon_id,created_at`

func (r Repo) GetCouponTemplate(ctx context.Context, id string) (domain.CouponTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM coupon_templates WHERE id=?`, id)
	return scanTemplate(row.Scan)
}

func (r Repo) GetCouponTemplateByRef(ctx context.Context, projectID, clientRef string) (domain.CouponTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM coupon_templates WHERE project_id=? AND client_ref=?`, projectID, clientRef)
	return scanTemplate(row.Scan)
}

func (r Repo) InsertCouponTemplateTx(ctx context.Context, tx *sql.Tx, t domain.CouponTemplate) error {
	var allowed any
	if len(t.AllowedMarketerIDs) > 0 {
		b, err := json.Marshal(t.AllowedMarketerIDs)
		if err != nil {
			return err
		}
		allowed = string(b)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO coupon_templates(id,project_id,client_ref,name,percent_off,duration,duration_months,max_redemptions,expires_at,status,allowed_marketers,provider_coupon_id,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.ClientRef, t.Name, t.PercentOff, t.Duration, t.DurationMonths, t.MaxRedemptions, t.ExpiresAt, t.Status, allowed, t.ProviderCouponID, t.CreatedAt)
	return err
}

func (r Repo) InsertCouponTemplate(ctx context.Context, t domain.CouponTemplate) error {
	tx, err := r.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertCouponTemplateTx(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// --- coupons ---

func (r Repo) GetCoupon(ctx context.Context, projectID, templateID, userID string) (domain.Coupon, error) {
	var c domain.Coupon
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,template_id,user_id,code,percent_off,provider_promo_id,created_at FROM coupons WHERE project_id=? AND template_id=? AND user_id=?`, projectID, templateID, userID).
		Scan(&c.ID, &c.ProjectID, &c.TemplateID, &c.UserID, &c.Code, &c.PercentOff, &c.ProviderPromoID, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertCouponTx(ctx context.Context, tx *sql.Tx, c domain.Coupon) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO coupons(id,project_id,template_id,user_id,code,percent_off,provider_promo_id,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.TemplateID, c.UserID, c.Code, c.PercentOff, c.ProviderPromoID, c.CreatedAt)
	return err
}

func (r Repo) CountCoupons(ctx context.Context, projectID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM coupons WHERE project_id=?`, projectID).Scan(&n)
	return n, err
}

// --- short links ---

func (r Repo) GetShortLink(ctx context.Context, projectID, userID string) (domain.ShortLink, error) {
	var l domain.ShortLink
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,user_id,code,created_at FROM short_links WHERE project_id=? AND user_id=?`, projectID, userID).
		Scan(&l.ID, &l.ProjectID, &l.UserID, &l.Code, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

func (r Repo) InsertShortLinkTx(ctx context.Context, tx *sql.Tx, l domain.ShortLink) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO short_links(id,project_id,user_id,code,created_at) VALUES (?,?,?,?,?)`,
		l.ID, l.ProjectID, l.UserID, l.Code, l.CreatedAt)
	return err
}
