package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/PirosB3/token-vesting-service/modules/vesting/infrastructure/persistence"
	"github.com/PirosB3/token-vesting-service/modules/vesting/services"
)

const (
	hEmployer = "7b0c2f3a-8d1e-4f5a-9b6c-0d1e2f3a4b5c"
	hEmployee = "c2a7e8d9-0b1c-4d2e-8f3a-5b6c7d8e9f0a"
	hAsset    = "VEST"
)

type handlerFixture struct {
	handler http.Handler
	store   *persistence.GrantMemoryStore
	now     uint64
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	t.Setenv("AUTHZ_MODE", "enforce")
	t.Setenv("AUTHZ_MODEL_PATH", "")
	t.Setenv("AUTHZ_POLICY_PATH", "")
	t.Setenv("ALLOWLIST_PATH", "")
	t.Setenv("VESTING_POLICY_PATH", "")

	store := persistence.NewGrantMemoryStore(nil)
	store.Ledger().Deposit(hEmployer, hAsset, 5000)

	// Empty rule set: every grant admits.
	policy, err := services.ParseGrantPolicyYAML([]byte("version: 1\nrules: []\n"))
	if err != nil {
		t.Fatalf("parse policy: %v", err)
	}

	f := &handlerFixture{store: store, now: 1050}
	h, err := NewHandlerWithOptions(HandlerOptions{
		GrantStore: store,
		Policy:     policy,
		Now:        func() uint64 { return f.now },
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	f.handler = h
	return f
}

func (f *handlerFixture) do(method, path, principal, role, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if principal != "" {
		r.Header.Set("X-Principal-Id", principal)
		r.Header.Set("X-Principal-Role", role)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, r)
	return rec
}

func handlerCreateBody() string {
	return fmt.Sprintf(`{
		"employer_uuid": %q,
		"employee_uuid": %q,
		"asset": %q,
		"schedule": {
			"cliff_seconds": 0,
			"duration_seconds": 100,
			"seconds_per_slice": 10,
			"start_unix": 1000,
			"total_amount": 1000
		}
	}`, hEmployer, hEmployee, hAsset)
}

func handlerPairBody() string {
	return fmt.Sprintf(`{"employer_uuid": %q, "employee_uuid": %q}`, hEmployer, hEmployee)
}

func TestHandlerHealthzNeedsNoIdentity(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/healthz", "", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "ok\n" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestHandlerRejectsAnonymousAPI(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/vesting/api/grants", "", "", handlerCreateBody())
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var env struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Code != "unauthorized" {
		t.Fatalf("code = %q", env.Code)
	}
}

func TestHandlerForbidsUnknownRole(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/vesting/api/grants", hEmployer, "intern", handlerCreateBody())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerGrantLifecycle(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/vesting/api/grants", hEmployer, "employer", handlerCreateBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodGet, "/vesting/api/grants?employer_uuid="+hEmployer+"&employee_uuid="+hEmployee, hEmployee, "employee", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var view struct {
		VestedAmount  uint64 `json:"vested_amount"`
		Releasable    uint64 `json:"releasable_amount"`
		EscrowBalance uint64 `json:"escrow_balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.VestedAmount != 500 || view.Releasable != 500 || view.EscrowBalance != 1000 {
		t.Fatalf("view = %+v", view)
	}

	rec = f.do(http.MethodPost, "/vesting/api/grants/withdraw", hEmployee, "employee", handlerPairBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("withdraw status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var wres struct {
		Released uint64 `json:"released_amount"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &wres); err != nil {
		t.Fatalf("decode withdraw: %v", err)
	}
	if wres.Released != 500 {
		t.Fatalf("released = %d, want 500", wres.Released)
	}

	rec = f.do(http.MethodPost, "/vesting/api/grants/revoke", hEmployer, "employer", handlerPairBody())
	if rec.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var rres struct {
		Paid     uint64 `json:"paid_to_employee"`
		Returned uint64 `json:"returned_to_employer"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &rres); err != nil {
		t.Fatalf("decode revoke: %v", err)
	}
	if rres.Paid != 0 || rres.Returned != 500 {
		t.Fatalf("settlement = %+v", rres)
	}
}

func TestHandlerWithdrawByEmployerForbiddenAtRecordLevel(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodPost, "/vesting/api/grants", hEmployer, "employer", handlerCreateBody())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}

	// Role gate admits employers to the route, the grant record does not.
	rec = f.do(http.MethodPost, "/vesting/api/grants/withdraw", hEmployer, "employer", handlerPairBody())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerPolicyPathFromEnv(t *testing.T) {
	t.Setenv("AUTHZ_MODE", "enforce")
	t.Setenv("AUTHZ_MODEL_PATH", "")
	t.Setenv("AUTHZ_POLICY_PATH", "")
	t.Setenv("ALLOWLIST_PATH", "")

	dir := t.TempDir()
	policyPath := filepath.Join(dir, "rules.yaml")
	rules := `version: 1
rules:
  - rule_id: deny-short-vesting
    priority: 100
    eligibility_expr: "schedule.duration_seconds < 3600u"
    decision_expr: "false"
    reason_code: VESTING_POLICY_DURATION_TOO_SHORT
`
	if err := os.WriteFile(policyPath, []byte(rules), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	t.Setenv("VESTING_POLICY_PATH", policyPath)

	store := persistence.NewGrantMemoryStore(nil)
	store.Ledger().Deposit(hEmployer, hAsset, 5000)
	h, err := NewHandlerWithOptions(HandlerOptions{
		GrantStore: store,
		Now:        func() uint64 { return 1050 },
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	f := &handlerFixture{handler: h}
	rec := f.do(http.MethodPost, "/vesting/api/grants", hEmployer, "employer", handlerCreateBody())
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body = %s", rec.Code, rec.Body.String())
	}
	var env struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Code != "VESTING_POLICY_DURATION_TOO_SHORT" {
		t.Fatalf("code = %q", env.Code)
	}
}

func TestHandlerUnknownRouteIs404(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(http.MethodGet, "/vesting/api/nope", hEmployee, "employee", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
