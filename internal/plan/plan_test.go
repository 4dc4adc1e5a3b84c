package plan_test

import (
	"errors"
	"strings"
	"testing"

	"revclaw/internal/plan"
)

func TestDecodePromoPlan(t *testing.T) {
	raw := []byte(`{
		"kind": "MARKETER_PROMO_PLAN",
		"item": {
			"project_id": "proj-1",
			"application": {"commission_percent": 20, "refund_window_days": 14},
			"coupon_template_id": "tpl-1",
			"suggested_code": "TRYIT",
			"angle": "reddit"
		}
	}`)
	payload, err := plan.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p, ok := payload.(plan.MarketerPromoPlan)
	if !ok {
		t.Fatalf("payload type %T", payload)
	}
	if p.Item.ProjectID != "proj-1" || p.Item.Application.CommissionPercent != 20 {
		t.Fatalf("item = %+v", p.Item)
	}
	items := plan.Items(payload)
	if len(items) != 1 || items[0].Angle != "reddit" {
		t.Fatalf("items = %+v", items)
	}
}

func TestDecodeBatchPromoPlan(t *testing.T) {
	raw := []byte(`{
		"kind": "MARKETER_BATCH_PROMO_PLAN",
		"items": [
			{"project_id": "a", "application": {"commission_percent": 10, "refund_window_days": 0}, "coupon_template_id": "t1"},
			{"project_id": "b", "application": {"commission_percent": 15, "refund_window_days": 30}, "coupon_template_id": "t2"}
		]
	}`)
	payload, err := plan.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := len(plan.Items(payload)); got != 2 {
		t.Fatalf("items = %d, want 2", got)
	}
}

func TestDecodeLaunchPlan(t *testing.T) {
	raw := []byte(`{
		"kind": "PROJECT_LAUNCH_PLAN",
		"project": {"name": "Acme", "category": "devtools"},
		"rewards": [{"client_ref": "r1", "milestone_type": "signups", "milestone_value": 5, "reward_type": "MONEY", "reward_amount_cents": 1000}],
		"coupon_templates": [{"client_ref": "t1", "name": "Intro", "percent_off": 15}],
		"publish": {"enabled": true}
	}`)
	payload, err := plan.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	p, ok := payload.(plan.ProjectLaunchPlan)
	if !ok {
		t.Fatalf("payload type %T", payload)
	}
	if p.Project.Name != "Acme" || len(p.Rewards) != 1 || p.Publish == nil || !p.Publish.Enabled {
		t.Fatalf("payload = %+v", p)
	}
	if p.Invitations != nil {
		t.Fatalf("invitations should be absent")
	}
}

func TestDecodeViolations(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		path string
	}{
		{
			name: "unknown kind",
			raw:  `{"kind": "SOMETHING_ELSE"}`,
			path: "/kind",
		},
		{
			name: "commission over 100",
			raw:  `{"kind": "MARKETER_PROMO_PLAN", "item": {"project_id": "p", "application": {"commission_percent": 150, "refund_window_days": 0}, "coupon_template_id": "t"}}`,
			path: "/item/application/commission_percent",
		},
		{
			name: "missing template id",
			raw:  `{"kind": "MARKETER_PROMO_PLAN", "item": {"project_id": "p", "application": {"commission_percent": 10, "refund_window_days": 0}}}`,
			path: "/item",
		},
		{
			name: "empty project name",
			raw:  `{"kind": "PROJECT_LAUNCH_PLAN", "project": {"name": ""}}`,
			path: "/project/name",
		},
		{
			name: "bad angle",
			raw:  `{"kind": "MARKETER_PROMO_PLAN", "item": {"project_id": "p", "application": {"commission_percent": 10, "refund_window_days": 0}, "coupon_template_id": "t", "angle": "tiktok"}}`,
			path: "/item/angle",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := plan.Decode([]byte(tc.raw))
			var ve *plan.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want validation error", err)
			}
			found := false
			for _, v := range ve.Violations {
				if strings.HasPrefix(v.Path, tc.path) {
					found = true
				}
			}
			if !found {
				t.Fatalf("no violation at %s, got %+v", tc.path, ve.Violations)
			}
		})
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := plan.Decode([]byte(`{"kind":`))
	var ve *plan.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestHashIgnoresKeyOrder(t *testing.T) {
	a, err := plan.Hash([]byte(`{"kind": "MARKETER_PROMO_PLAN", "item": {"project_id": "p", "coupon_template_id": "t"}}`))
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	b, err := plan.Hash([]byte(`{"item": {"coupon_template_id": "t", "project_id": "p"}, "kind": "MARKETER_PROMO_PLAN"}`))
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if a != b {
		t.Fatalf("hashes differ: %s vs %s", a, b)
	}
	c, err := plan.Hash([]byte(`{"kind": "MARKETER_PROMO_PLAN", "item": {"project_id": "other", "coupon_template_id": "t"}}`))
	if err != nil {
		t.Fatalf("hash c: %v", err)
	}
	if a == c {
		t.Fatalf("different content hashed equal")
	}
}

func TestFingerprintEncodeStable(t *testing.T) {
	fp := plan.Fingerprint{PlanID: "p1", PlanHash: "h1", PlanJSON: []byte(`{"b": 2, "a": 1}`)}
	first, err := fp.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fp.PlanJSON = []byte(`{"a": 1, "b": 2}`)
	second, err := fp.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if first != second {
		t.Fatalf("encodings differ:\n%s\n%s", first, second)
	}
}
