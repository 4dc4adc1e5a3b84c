package intent_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"revclaw/internal/db"
	"revclaw/internal/intent"
	"revclaw/internal/migrate"
	"revclaw/internal/plan"
	"revclaw/internal/repo"
)

func newService(t *testing.T) (intent.Service, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	svc := intent.Service{DB: conn, Now: func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}}
	return svc, conn
}

func fingerprint(planJSON string) plan.Fingerprint {
	return plan.Fingerprint{PlanID: "plan-1", PlanHash: "hash-1", PlanJSON: json.RawMessage(planJSON)}
}

func TestIssueThenVerify(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	fp := fingerprint(`{"kind": "MARKETER_PROMO_PLAN", "item": {"project_id": "p"}}`)

	id, err := svc.Issue(ctx, "inst-1", intent.KindPlanExecute, fp)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	// Key order in the presented fingerprint must not matter.
	reordered := fingerprint(`{"item": {"project_id": "p"}, "kind": "MARKETER_PROMO_PLAN"}`)
	res, err := svc.Verify(ctx, id, "inst-1", intent.KindPlanExecute, reordered)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid {
		t.Fatalf("result = %+v, want valid", res)
	}
}

func TestVerifyFailures(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	fp := fingerprint(`{"kind": "MARKETER_PROMO_PLAN"}`)
	id, err := svc.Issue(ctx, "inst-1", intent.KindPlanExecute, fp)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	cases := []struct {
		name         string
		id           string
		installation string
		kind         string
		fp           plan.Fingerprint
		code         string
	}{
		{"unknown id", "nope", "inst-1", intent.KindPlanExecute, fp, intent.CodeNotFound},
		{"other installation", id, "inst-2", intent.KindPlanExecute, fp, intent.CodeWrongInstallation},
		{"wrong kind", id, "inst-1", "plan.cancel", fp, intent.CodeWrongKind},
		{"payload mismatch", id, "inst-1", intent.KindPlanExecute, fingerprint(`{"kind": "PROJECT_LAUNCH_PLAN"}`), intent.CodePayloadMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := svc.Verify(ctx, tc.id, tc.installation, tc.kind, tc.fp)
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if res.Valid || res.Code != tc.code {
				t.Fatalf("result = %+v, want code %s", res, tc.code)
			}
		})
	}

	// The wrong-installation answer must read the same as a missing intent.
	res, err := svc.Verify(ctx, id, "inst-2", intent.KindPlanExecute, fp)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Message != "intent not found" {
		t.Fatalf("message = %q, leaks existence", res.Message)
	}
}

func TestMarkExecutedAtMostOnce(t *testing.T) {
	svc, conn := newService(t)
	ctx := context.Background()
	fp := fingerprint(`{"kind": "MARKETER_PROMO_PLAN"}`)
	id, err := svc.Issue(ctx, "inst-1", intent.KindPlanExecute, fp)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	consume := func() error {
		tx, err := conn.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback()
		if err := svc.MarkExecuted(ctx, tx, id, `{"ok": true}`); err != nil {
			return err
		}
		return tx.Commit()
	}

	if err := consume(); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := consume(); err != repo.ErrNotFound {
		t.Fatalf("second consume err = %v, want ErrNotFound", err)
	}

	res, err := svc.Verify(ctx, id, "inst-1", intent.KindPlanExecute, fp)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.Code != intent.CodeAlreadyExecuted {
		t.Fatalf("result = %+v, want %s", res, intent.CodeAlreadyExecuted)
	}
}
