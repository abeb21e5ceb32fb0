// Package server provides unit tests for the HTTP handlers and routing.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/skillvergence/skillvergence-cert-go/internal/access"
	"github.com/skillvergence/skillvergence-cert-go/internal/auth"
	"github.com/skillvergence/skillvergence-cert-go/internal/catalog"
	"github.com/skillvergence/skillvergence-cert-go/internal/certificate"
	"github.com/skillvergence/skillvergence-cert-go/internal/completion"
	"github.com/skillvergence/skillvergence-cert-go/internal/model"
	"github.com/skillvergence/skillvergence-cert-go/internal/progress"
	"github.com/skillvergence/skillvergence-cert-go/internal/storage"
)

// testEnv bundles a mux with the verifier used to mint its tokens.
type testEnv struct {
	handler   http.Handler
	verifier  *auth.Verifier
	lifecycle *certificate.Lifecycle
}

// newTestEnv wires the engine over the in-memory store.
// checks are extra readiness probes.
func newTestEnv(t *testing.T, checks map[string]func(context.Context) error) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, storage.NewMemory(), checks)
}

func newTestEnvWithStore(t *testing.T, store storage.Store, checks map[string]func(context.Context) error) *testEnv {
	t.Helper()
	verifier, err := auth.NewVerifier("test-secret", "test-issuer", "test-audience")
	if err != nil {
		t.Fatal(err)
	}
	cat := catalog.Default()
	ledger := progress.NewLedger(store)
	lc := certificate.New(store)
	t.Cleanup(lc.Wait)

	h := NewMux(Deps{
		Store:              store,
		Ledger:             ledger,
		Evaluator:          completion.NewEvaluator(ledger, cat),
		Catalog:            cat,
		Lifecycle:          lc,
		Gate:               access.NewGate(access.NewStoreCodeSet(store), nil),
		Verifier:           verifier,
		Checks:             checks,
		CORSAllowedOrigins: []string{"https://app.skillvergence.test"},
	})
	return &testEnv{handler: h, verifier: verifier, lifecycle: lc}
}

func (e *testEnv) token(t *testing.T, p auth.Principal) string {
	t.Helper()
	tok, err := e.verifier.Sign(p, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (e *testEnv) learner(t *testing.T, id string) string {
	return e.token(t, auth.Principal{UserID: id, Role: auth.RoleLearner, Name: "Ada Learner", Email: id + "@example.com"})
}

func (e *testEnv) admin(t *testing.T) string {
	return e.token(t, auth.Principal{UserID: "admin-1", Role: auth.RoleAdmin})
}

// do sends a request and decodes the JSON envelope.
func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)

	var out map[string]interface{}
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rr.Body.String())
		}
	}
	return rr, out
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func data(body map[string]interface{}) map[string]interface{} {
	d, _ := body["data"].(map[string]interface{})
	return d
}

// watchCourse completes every video of a course for userID through playback ticks.
func (e *testEnv) watchCourse(t *testing.T, token, userID, courseID string, videos int) {
	t.Helper()
	for i := 1; i <= videos; i++ {
		rr, _ := e.do(t, "POST", "/v1/progress/tick", token, map[string]interface{}{
			"userId":      userID,
			"videoId":     fmt.Sprintf("%s-%d", courseID, i),
			"courseId":    courseID,
			"currentTime": 90,
			"duration":    100,
			"isPlaying":   true,
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("tick %s-%d returned %d: %s", courseID, i, rr.Code, rr.Body.String())
		}
	}
}

// TestHealthzEndpoint tests the healthz endpoint.
func TestHealthzEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}
	if rr.Body.String() != "ok" {
		t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), "ok")
	}
}

// TestReadyzEndpoint tests that readiness covers the store and extra checks.
func TestReadyzEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, httptest.NewRequest("GET", "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("readyz = %d, want %d", rr.Code, http.StatusOK)
	}

	down := newTestEnv(t, map[string]func(context.Context) error{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	rr = httptest.NewRecorder()
	down.handler.ServeHTTP(rr, httptest.NewRequest("GET", "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz with failing check = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
}

// TestAuthentication tests bearer token handling on learner endpoints.
func TestAuthentication(t *testing.T) {
	env := newTestEnv(t, nil)
	tick := map[string]interface{}{"userId": "u1", "videoId": "1-1", "courseId": "1", "currentTime": 10, "duration": 100}

	tests := []struct {
		name   string
		token  string
		status int
		code   string
	}{
		{"missing token", "", http.StatusUnauthorized, "SKV_AUTHN"},
		{"garbage token", "not-a-jwt", http.StatusUnauthorized, "SKV_JWT_INVALID"},
		{"other learner", env.learner(t, "u2"), http.StatusForbidden, "SKV_AUTHZ"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, body := env.do(t, "POST", "/v1/progress/tick", tt.token, tick)
			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d", rr.Code, tt.status)
			}
			if got := errorCode(body); got != tt.code {
				t.Errorf("code = %q, want %q", got, tt.code)
			}
			if rr.Header().Get("X-Correlation-Id") == "" {
				t.Error("missing X-Correlation-Id header")
			}
		})
	}

	expired, err := env.verifier.Sign(auth.Principal{UserID: "u1"}, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	rr, body := env.do(t, "POST", "/v1/progress/tick", expired, tick)
	if rr.Code != http.StatusUnauthorized || errorCode(body) != "SKV_JWT_EXPIRED" {
		t.Errorf("expired token: status %d code %q", rr.Code, errorCode(body))
	}
}

// TestProgressEndpoints tests tick, read back and duration validation.
func TestProgressEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.learner(t, "u1")

	rr, body := env.do(t, "POST", "/v1/progress/tick", tok, map[string]interface{}{
		"videoId": "1-1", "courseId": "1", "currentTime": 120, "duration": 100, "isPlaying": true,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("tick status = %d: %s", rr.Code, rr.Body.String())
	}
	rec := data(body)
	if rec["userId"] != "u1" || rec["watchedSeconds"] != 100.0 || rec["completed"] != true {
		t.Errorf("tick record = %v", rec)
	}

	rr, body = env.do(t, "POST", "/v1/progress/tick", tok, map[string]interface{}{
		"videoId": "1-2", "courseId": "1", "currentTime": 10, "duration": 0,
	})
	if rr.Code != http.StatusBadRequest || errorCode(body) != "SKV_INVALID_DURATION" {
		t.Errorf("zero duration: status %d code %q", rr.Code, errorCode(body))
	}

	rr, body = env.do(t, "GET", "/v1/progress/u1/1-1", tok, nil)
	if rr.Code != http.StatusOK || data(body)["completed"] != true {
		t.Errorf("get progress: status %d body %v", rr.Code, body)
	}
	rr, body = env.do(t, "GET", "/v1/progress/u1/1-2", tok, nil)
	if rr.Code != http.StatusNotFound || errorCode(body) != "SKV_NOT_FOUND" {
		t.Errorf("never started video: status %d code %q", rr.Code, errorCode(body))
	}

	rr, body = env.do(t, "POST", "/v1/progress/complete", tok, map[string]interface{}{
		"videoId": "1-3", "courseId": "1", "duration": 300,
	})
	if rr.Code != http.StatusOK || data(body)["completionSource"] != "quiz" {
		t.Errorf("quiz completion: status %d body %v", rr.Code, body)
	}

	rr, body = env.do(t, "GET", "/v1/courses/1/completion", tok, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("completion status = %d", rr.Code)
	}
	if d := data(body); d["completedCount"] != 2.0 || d["totalExpected"] != 7.0 || d["isComplete"] != false {
		t.Errorf("completion detail = %v", d)
	}
}

// TestCertificateFlow tests generate, the admin transitions and public verification.
func TestCertificateFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	learner := env.learner(t, "u1")
	admin := env.admin(t)

	rr, body := env.do(t, "POST", "/v1/certificates", learner, map[string]string{"courseId": "2"})
	if rr.Code != http.StatusUnprocessableEntity || errorCode(body) != "SKV_INCOMPLETE" {
		t.Fatalf("generate before completion: status %d code %q", rr.Code, errorCode(body))
	}

	env.watchCourse(t, learner, "u1", "2", 4)

	rr, body = env.do(t, "GET", "/v1/learners/u1/summary", learner, nil)
	if rr.Code != http.StatusOK || data(body)["certificationLevel"] != "foundation" {
		t.Errorf("summary: status %d body %v", rr.Code, body)
	}

	rr, body = env.do(t, "POST", "/v1/certificates", learner, map[string]string{"courseId": "2"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("generate status = %d: %s", rr.Code, rr.Body.String())
	}
	cert := data(body)
	id, _ := cert["id"].(string)
	code, _ := cert["credentialVerificationCode"].(string)
	if cert["status"] != "pendingApproval" || cert["recipientName"] != "Ada Learner" || cert["finalScore"] != 90.0 {
		t.Errorf("generated certificate = %v", cert)
	}

	rr, body = env.do(t, "POST", "/v1/certificates", learner, map[string]string{"courseId": "2"})
	if rr.Code != http.StatusConflict || errorCode(body) != "SKV_CONFLICT" {
		t.Errorf("duplicate generate: status %d code %q", rr.Code, errorCode(body))
	}

	rr, _ = env.do(t, "POST", "/v1/certificates/"+id+"/approve", learner, nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("learner approve status = %d, want %d", rr.Code, http.StatusForbidden)
	}

	rr, body = env.do(t, "GET", "/v1/certificates?status=pendingApproval", admin, nil)
	if list, _ := body["data"].([]interface{}); rr.Code != http.StatusOK || len(list) != 1 {
		t.Errorf("pending queue: status %d body %v", rr.Code, body)
	}

	rr, body = env.do(t, "POST", "/v1/certificates/"+id+"/issue", admin, nil)
	if rr.Code != http.StatusConflict || errorCode(body) != "SKV_INVALID_TRANSITION" {
		t.Errorf("issue before approve: status %d code %q", rr.Code, errorCode(body))
	}

	rr, body = env.do(t, "POST", "/v1/certificates/"+id+"/approve", admin, map[string]string{"notes": "verified watch history"})
	if rr.Code != http.StatusOK || data(body)["status"] != "approved" {
		t.Fatalf("approve: status %d body %v", rr.Code, body)
	}
	rr, body = env.do(t, "POST", "/v1/certificates/"+id+"/issue", admin, nil)
	if rr.Code != http.StatusOK || data(body)["status"] != "issued" {
		t.Fatalf("issue: status %d body %v", rr.Code, body)
	}
	env.lifecycle.Wait()

	rr, body = env.do(t, "GET", "/v1/certificates/"+id, learner, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("owner read status = %d", rr.Code)
	}
	if _, ok := data(body)["adminNotes"]; ok {
		t.Error("owner view exposes adminNotes")
	}

	rr, body = env.do(t, "GET", "/v1/certificates/"+id, admin, nil)
	if rr.Code != http.StatusOK || data(body)["adminNotes"] != "verified watch history" {
		t.Errorf("admin read: status %d body %v", rr.Code, body)
	}
	if deliveries, _ := data(body)["deliveries"].([]interface{}); len(deliveries) != 1 {
		t.Errorf("deliveries = %v, want one skipped attempt", data(body)["deliveries"])
	}

	rr, _ = env.do(t, "GET", "/v1/certificates/"+id, env.learner(t, "u2"), nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("other learner read status = %d, want %d", rr.Code, http.StatusForbidden)
	}

	rr, body = env.do(t, "GET", "/v1/verify/"+strings.ToLower(code), "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify status = %d: %s", rr.Code, rr.Body.String())
	}
	if v := data(body); v["valid"] != true || v["courseTitle"] != "Electrical Fundamentals" {
		t.Errorf("verification = %v", v)
	}
	if strings.Contains(rr.Body.String(), "verified watch history") {
		t.Error("public verification exposes admin notes")
	}

	rr, body = env.do(t, "POST", "/v1/certificates/"+id+"/revoke", admin, map[string]string{})
	if rr.Code != http.StatusBadRequest || errorCode(body) != "SKV_VALIDATION" {
		t.Errorf("revoke without reason: status %d code %q", rr.Code, errorCode(body))
	}
	rr, body = env.do(t, "POST", "/v1/certificates/"+id+"/revoke", admin, map[string]string{"reason": "academic misconduct"})
	if rr.Code != http.StatusOK || data(body)["status"] != "revoked" {
		t.Errorf("revoke: status %d body %v", rr.Code, body)
	}
	_, body = env.do(t, "GET", "/v1/verify/"+code, "", nil)
	if data(body)["valid"] != false {
		t.Errorf("revoked certificate still verifies as valid: %v", body)
	}

	rr, body = env.do(t, "POST", "/v1/certificates/"+id+"/archive", admin, nil)
	if rr.Code != http.StatusNotFound || errorCode(body) != "SKV_NOT_FOUND" {
		t.Errorf("unknown action: status %d code %q", rr.Code, errorCode(body))
	}
}

// TestGenerateValidation tests catalog and request checks on generate.
func TestGenerateValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	learner := env.learner(t, "u1")

	rr, body := env.do(t, "POST", "/v1/certificates", learner, map[string]string{"courseId": "99"})
	if rr.Code != http.StatusNotFound || errorCode(body) != "SKV_UNKNOWN_COURSE" {
		t.Errorf("unknown course: status %d code %q", rr.Code, errorCode(body))
	}
	rr, body = env.do(t, "POST", "/v1/certificates", learner, map[string]string{})
	if rr.Code != http.StatusBadRequest || errorCode(body) != "SKV_VALIDATION" {
		t.Errorf("missing course: status %d code %q", rr.Code, errorCode(body))
	}
	rr, body = env.do(t, "POST", "/v1/certificates", learner, map[string]string{"userId": "u2", "courseId": "1"})
	if rr.Code != http.StatusForbidden || errorCode(body) != "SKV_AUTHZ" {
		t.Errorf("generate for another learner: status %d code %q", rr.Code, errorCode(body))
	}
	rr, body = env.do(t, "GET", "/v1/certificates?status=archived", env.admin(t), nil)
	if rr.Code != http.StatusBadRequest || errorCode(body) != "SKV_VALIDATION" {
		t.Errorf("unknown status filter: status %d code %q", rr.Code, errorCode(body))
	}
}

// lostRaceStore behaves as if another replica inserted a live certificate first.
type lostRaceStore struct {
	storage.Store
}

func (lostRaceStore) CreateCertificate(ctx context.Context, c model.Certificate) error {
	return storage.ErrConflict
}

// TestGenerateConflictFromStore tests that a uniqueness violation in storage reaches the client as a conflict.
func TestGenerateConflictFromStore(t *testing.T) {
	env := newTestEnvWithStore(t, lostRaceStore{Store: storage.NewMemory()}, nil)
	learner := env.learner(t, "u1")
	env.watchCourse(t, learner, "u1", "2", 4)

	rr, body := env.do(t, "POST", "/v1/certificates", learner, map[string]string{"courseId": "2"})
	if rr.Code != http.StatusConflict || errorCode(body) != "SKV_CONFLICT" {
		t.Errorf("generate after another replica: status %d code %q", rr.Code, errorCode(body))
	}
}

// TestRedeem tests code redemption outcomes.
func TestRedeem(t *testing.T) {
	env := newTestEnv(t, nil)
	tok := env.learner(t, "u1")

	rr, body := env.do(t, "POST", "/v1/access/redeem", tok, map[string]string{"code": " c12345 "})
	if rr.Code != http.StatusOK || data(body)["result"] != "successBasic" {
		t.Errorf("first redeem: status %d body %v", rr.Code, body)
	}

	rr, body = env.do(t, "POST", "/v1/access/redeem", tok, map[string]string{"code": "C12345"})
	if rr.Code != http.StatusConflict || errorCode(body) != "SKV_ALREADY_USED" {
		t.Errorf("second redeem: status %d code %q", rr.Code, errorCode(body))
	}

	rr, body = env.do(t, "POST", "/v1/access/redeem", tok, map[string]string{"code": "X12345"})
	if rr.Code != http.StatusBadRequest || errorCode(body) != "SKV_INVALID_CODE" {
		t.Errorf("invalid code: status %d code %q", rr.Code, errorCode(body))
	}
	details, _ := body["error"].(map[string]interface{})["details"].(map[string]interface{})
	if details["result"] != "invalid" {
		t.Errorf("invalid code details = %v", details)
	}
}

// TestLevelEndpoints tests the public level and quota lookups.
func TestLevelEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rr, body := env.do(t, "GET", "/v1/levels?xp=3750&completedCourses=4", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("levels status = %d", rr.Code)
	}
	d := data(body)
	if d["level"] != "gold" || d["levelNumber"] != 3.0 || d["friendCodeQuota"] != 4.0 || d["certificationLevel"] != "professional" {
		t.Errorf("levels = %v", d)
	}
	if p, _ := d["progress"].(map[string]interface{}); p["fraction"] != 0.5 {
		t.Errorf("progress = %v", d["progress"])
	}

	rr, body = env.do(t, "GET", "/v1/levels?xp=lots", "", nil)
	if rr.Code != http.StatusBadRequest || errorCode(body) != "SKV_VALIDATION" {
		t.Errorf("bad xp: status %d code %q", rr.Code, errorCode(body))
	}

	rr, body = env.do(t, "GET", "/v1/access/friend-quota?level=9", "", nil)
	if rr.Code != http.StatusOK || data(body)["friendCodeQuota"] != 16.0 {
		t.Errorf("friend quota: status %d body %v", rr.Code, body)
	}
}

// TestMethodAndCORS tests method enforcement and CORS preflight handling.
func TestMethodAndCORS(t *testing.T) {
	env := newTestEnv(t, nil)

	rr, body := env.do(t, "GET", "/v1/progress/tick", "", nil)
	if rr.Code != http.StatusBadRequest || errorCode(body) != "SKV_BAD_REQUEST" {
		t.Errorf("wrong method: status %d code %q", rr.Code, errorCode(body))
	}

	req := httptest.NewRequest("OPTIONS", "/v1/progress/tick", nil)
	req.Header.Set("Origin", "https://app.skillvergence.test")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "https://app.skillvergence.test" {
		t.Errorf("preflight allow-origin = %q", rr.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest("OPTIONS", "/v1/progress/tick", nil)
	req.Header.Set("Origin", "https://evil.test")
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("preflight allowed an unlisted origin")
	}
}
