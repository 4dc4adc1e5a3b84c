package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"revclaw/internal/config"
	"revclaw/internal/db"
	"revclaw/internal/domain"
	"revclaw/internal/engine"
	"revclaw/internal/intent"
	"revclaw/internal/migrate"
	"revclaw/internal/payment"
	"revclaw/internal/plan"
)

const testSecret = "test-secret"

type stubPayments struct{}

func (stubPayments) CreateCoupon(ctx context.Context, account string, p payment.CouponParams) (payment.Coupon, error) {
	return payment.Coupon{ID: "cp_test", Name: p.Name, PercentOff: p.PercentOff, Duration: p.Duration}, nil
}

func (stubPayments) CreatePromotionCode(ctx context.Context, account string, p payment.PromoCodeParams) (payment.PromotionCode, error) {
	return payment.PromotionCode{ID: "promo_test", Code: p.Code}, nil
}

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.RateLimits = map[string]config.RateLimit{
		"plan_execute": {RequestsPerMinute: 60, Burst: 3},
	}
	e := engine.New(conn, stubPayments{}, cfg)
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func mintToken(t *testing.T, userID, installationID string, scopes []string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		InstallationID: installationID,
		AgentID:        "agent-test",
		Scopes:         scopes,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func authHeaders(token string, extra map[string]string) map[string]string {
	headers := map[string]string{"Authorization": "Bearer " + token}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return envelope.Error.Code
}

const serverPromoPlan = `{
  "kind": "MARKETER_PROMO_PLAN",
  "item": {
    "project_id": "proj-1",
    "application": {"commission_percent": 20, "refund_window_days": 14},
    "coupon_template_id": "tpl-1"
  }
}`

// seedExecutablePlan inserts a public project with payouts connected, an
// approved contract for the marketer, the coupon template, an approved
// plan, and a matching intent.
func seedExecutablePlan(t *testing.T, srv *testServer, installationID, userID string) (planID, intentID string) {
	t.Helper()
	ctx := context.Background()
	e := srv.Engine
	now := time.Now().UTC().Format(time.RFC3339)
	account := "acct_test"
	if err := e.Repo.InsertProject(ctx, domain.Project{
		ID: "proj-1", InstallationID: installationID, OwnerID: "founder-1",
		Name: "Acme", Category: "devtools", Visibility: "public",
		StripeAccountID: &account, CreatedAt: now,
	}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	if err := e.Repo.InsertCouponTemplate(ctx, domain.CouponTemplate{
		ID: "tpl-1", ProjectID: "proj-1", Name: "Intro", PercentOff: 20,
		Duration: "once", Status: "ACTIVE", ProviderCouponID: "cp_seed", CreatedAt: now,
	}); err != nil {
		t.Fatalf("seed template: %v", err)
	}
	if err := e.Repo.InsertContract(ctx, domain.Contract{
		ID: "ct-1", ProjectID: "proj-1", UserID: userID, Status: "APPROVED",
		CommissionPercent: 20, RefundWindowDays: 14, CreatedAt: now,
	}); err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	hash, err := plan.Hash([]byte(serverPromoPlan))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	planID = "plan-1"
	if err := e.Repo.InsertPlan(ctx, domain.Plan{
		ID: planID, InstallationID: installationID, UserID: userID,
		Kind: "MARKETER_PROMO_PLAN", Status: "APPROVED", Hash: hash,
		JSON: serverPromoPlan, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed plan: %v", err)
	}
	canonical, err := plan.Canonical([]byte(serverPromoPlan))
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	intentID, err = e.Intents.Issue(ctx, installationID, intent.KindPlanExecute, plan.Fingerprint{
		PlanID: planID, PlanHash: hash, PlanJSON: json.RawMessage(canonical),
	})
	if err != nil {
		t.Fatalf("issue intent: %v", err)
	}
	return planID, intentID
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/plans", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %s", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/plans", nil, map[string]string{
		"Authorization": "Bearer not-a-jwt",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_credentials" {
		t.Fatalf("code = %s", code)
	}
}

func TestExecutePlanEndToEnd(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	planID, intentID := seedExecutablePlan(t, srv, "inst-1", "marketer-1")
	token := mintToken(t, "marketer-1", "inst-1", []string{engine.ScopeContractsApply, engine.ScopeCouponsClaim})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plans/"+planID+"/execute", nil,
		authHeaders(token, map[string]string{IntentHeader: intentID}))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}
	var out struct {
		Data struct {
			PlanID string `json:"plan_id"`
			Status string `json:"status"`
			engine.BatchExecution
		} `json:"data"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Data.Status != "EXECUTED" || out.Error != "" {
		t.Fatalf("response = %s", string(data))
	}
	if out.Data.StartedAt == "" || len(out.Data.Items) != 1 {
		t.Fatalf("data = %+v", out.Data)
	}
	if out.Data.Items[0].Next != "ready_to_promote" {
		t.Fatalf("item = %+v", out.Data.Items[0])
	}
	if out.Data.Next != "ready_to_promote" {
		t.Fatalf("batch next = %q", out.Data.Next)
	}

	// A retry replays from the record.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plans/"+planID+"/execute", nil,
		authHeaders(token, map[string]string{IntentHeader: intentID}))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("replay status %d: %s", res.StatusCode, string(data))
	}
	var replay struct {
		Data      json.RawMessage `json:"data"`
		Error     string          `json:"error"`
		Execution json.RawMessage `json:"execution"`
	}
	if err := json.Unmarshal(data, &replay); err != nil {
		t.Fatalf("unmarshal replay: %v", err)
	}
	if replay.Error != "Plan already executed" {
		t.Fatalf("replay error = %q", replay.Error)
	}
	if len(replay.Execution) == 0 {
		t.Fatalf("replay = %s", string(data))
	}
}

func TestExecuteRequiresIntentHeader(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	planID, _ := seedExecutablePlan(t, srv, "inst-1", "marketer-1")
	token := mintToken(t, "marketer-1", "inst-1", []string{engine.ScopeContractsApply, engine.ScopeCouponsClaim})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plans/"+planID+"/execute", nil,
		authHeaders(token, nil))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "missing_intent_header" {
		t.Fatalf("code = %s", code)
	}
}

func TestExecuteErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	planID, intentID := seedExecutablePlan(t, srv, "inst-1", "marketer-1")

	t.Run("unknown intent is 403", func(t *testing.T) {
		token := mintToken(t, "marketer-1", "inst-1", []string{engine.ScopeContractsApply, engine.ScopeCouponsClaim})
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plans/"+planID+"/execute", nil,
			authHeaders(token, map[string]string{IntentHeader: "no-such-intent"}))
		if res.StatusCode != http.StatusForbidden {
			t.Fatalf("status %d: %s", res.StatusCode, string(data))
		}
		if code := errorCode(t, data); code != "intent_not_found" {
			t.Fatalf("code = %s", code)
		}
	})

	t.Run("missing scope is 403", func(t *testing.T) {
		token := mintToken(t, "marketer-1", "inst-1", []string{engine.ScopeContractsApply})
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plans/"+planID+"/execute", nil,
			authHeaders(token, map[string]string{IntentHeader: intentID}))
		if res.StatusCode != http.StatusForbidden {
			t.Fatalf("status %d: %s", res.StatusCode, string(data))
		}
		if code := errorCode(t, data); code != "forbidden_scope" {
			t.Fatalf("code = %s", code)
		}
	})

	t.Run("other installation is 403", func(t *testing.T) {
		token := mintToken(t, "marketer-1", "inst-2", []string{engine.ScopeContractsApply, engine.ScopeCouponsClaim})
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plans/"+planID+"/execute", nil,
			authHeaders(token, map[string]string{IntentHeader: "irrelevant"}))
		if res.StatusCode != http.StatusForbidden {
			t.Fatalf("status %d: %s", res.StatusCode, string(data))
		}
		if code := errorCode(t, data); code != "forbidden" {
			t.Fatalf("code = %s", code)
		}
	})

	t.Run("canceled plan is 400", func(t *testing.T) {
		if err := srv.Engine.Repo.UpdatePlanStatus(context.Background(), planID, "CANCELED", time.Now().UTC().Format(time.RFC3339)); err != nil {
			t.Fatalf("cancel plan: %v", err)
		}
		token := mintToken(t, "marketer-1", "inst-1", []string{engine.ScopeContractsApply, engine.ScopeCouponsClaim})
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plans/"+planID+"/execute", nil,
			authHeaders(token, map[string]string{IntentHeader: intentID}))
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("status %d: %s", res.StatusCode, string(data))
		}
		if code := errorCode(t, data); code != "plan_canceled" {
			t.Fatalf("code = %s", code)
		}
	})
}

func TestExecuteRateLimited(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token := mintToken(t, "marketer-1", "inst-1", nil)

	// Burst is 3; the fourth request in the same minute must be refused.
	var last *http.Response
	var lastBody []byte
	for i := 0; i < 4; i++ {
		last, lastBody = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/plans/nope/execute", nil,
			authHeaders(token, map[string]string{IntentHeader: "irrelevant"}))
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status %d: %s", last.StatusCode, string(lastBody))
	}
	if code := errorCode(t, lastBody); code != "rate_limited" {
		t.Fatalf("code = %s", code)
	}
	var envelope struct {
		Error struct {
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(lastBody, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := envelope.Error.Details["retry_after_seconds"]; !ok {
		t.Fatalf("details = %+v, want retry_after_seconds", envelope.Error.Details)
	}
	if ra := last.Header.Get("Retry-After"); ra == "" {
		t.Fatal("missing Retry-After header")
	} else if n, err := strconv.Atoi(ra); err != nil || n < 1 {
		t.Fatalf("Retry-After = %q", ra)
	}
}

func TestGetPlanScopedToInstallation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	planID, _ := seedExecutablePlan(t, srv, "inst-1", "marketer-1")

	own := mintToken(t, "marketer-1", "inst-1", nil)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/plans/"+planID, nil, authHeaders(own, nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var fetched PlanResponse
	if err := json.Unmarshal(data, &fetched); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fetched.ID != planID || fetched.Status != "APPROVED" {
		t.Fatalf("plan = %+v", fetched)
	}

	other := mintToken(t, "someone", "inst-2", nil)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/plans/"+planID, nil, authHeaders(other, nil))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-installation status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/plans", nil, authHeaders(other, nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var listed []PlanResponse
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("list = %+v, want empty for other installation", listed)
	}
}

func TestExecuteResponseShapes(t *testing.T) {
	batch := &engine.BatchExecution{StartedAt: "2026-03-01T12:00:00Z"}
	batch.Items = append(batch.Items, engine.ItemExecution{ProjectID: "proj-1", Next: "ready_to_promote"})
	batch.Recompute()

	t.Run("batch", func(t *testing.T) {
		out := executeResponse(&engine.ExecuteResult{PlanID: "plan-1", Status: "EXECUTED", Batch: batch})
		if out.Error != "" || out.Execution != nil {
			t.Fatalf("out = %+v", out)
		}
		data, ok := out.Data.(BatchData)
		if !ok {
			t.Fatalf("data = %T", out.Data)
		}
		if data.PlanID != "plan-1" || data.StartedAt == "" || len(data.Items) != 1 {
			t.Fatalf("data = %+v", data)
		}
	})

	t.Run("blocked launch", func(t *testing.T) {
		launch := &engine.LaunchExecution{
			StartedAt: "2026-03-01T12:00:00Z",
			ProjectID: "proj-9",
			Pending:   []string{"stripe_connect"},
		}
		launch.Steps = append(launch.Steps,
			engine.StepResult{Kind: engine.StepProjectCreate, Status: engine.StepOK, ProjectID: "proj-9"},
			engine.StepResult{Kind: engine.StepStripeConnect, Status: engine.StepBlocked, ConnectURL: "https://connect.example/start"},
		)
		out := executeResponse(&engine.ExecuteResult{PlanID: "plan-2", Status: "EXECUTING", Launch: launch})
		data, ok := out.Data.(LaunchData)
		if !ok {
			t.Fatalf("data = %T", out.Data)
		}
		if data.ProjectID != "proj-9" || data.Execution == nil {
			t.Fatalf("data = %+v", data)
		}
		if data.NextAction == nil || data.NextAction.Type != "stripe_connect" || data.NextAction.URL != "https://connect.example/start" {
			t.Fatalf("next_action = %+v", data.NextAction)
		}
	})

	t.Run("replay", func(t *testing.T) {
		out := executeResponse(&engine.ExecuteResult{PlanID: "plan-1", Status: "EXECUTED", AlreadyExecuted: true, Batch: batch})
		if out.Error != "Plan already executed" {
			t.Fatalf("error = %q", out.Error)
		}
		if out.Execution == nil {
			t.Fatalf("out = %+v", out)
		}
	})
}
