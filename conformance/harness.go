// Package conformance provides a harness that drives the engine's required behaviors over HTTP.
// Each scenario runs against a real server with a real store, so backends can be checked for parity.
package conformance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/skillvergence/skillvergence-cert-go/internal/access"
	"github.com/skillvergence/skillvergence-cert-go/internal/auth"
	"github.com/skillvergence/skillvergence-cert-go/internal/catalog"
	"github.com/skillvergence/skillvergence-cert-go/internal/certificate"
	"github.com/skillvergence/skillvergence-cert-go/internal/completion"
	"github.com/skillvergence/skillvergence-cert-go/internal/event"
	"github.com/skillvergence/skillvergence-cert-go/internal/progress"
	"github.com/skillvergence/skillvergence-cert-go/internal/server"
	"github.com/skillvergence/skillvergence-cert-go/internal/storage"
)

// Harness provides a running service for conformance testing.
type Harness struct {
	server    *httptest.Server
	store     storage.Store
	hub       *event.Hub
	lifecycle *certificate.Lifecycle
	verifier  *auth.Verifier
}

// Config holds configuration for the conformance test harness.
type Config struct {
	// SQLitePath selects the SQLite store; empty uses the in-memory store
	SQLitePath string

	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	var store storage.Store
	if cfg.SQLitePath != "" {
		s, err := storage.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		store = s
	} else {
		store = storage.NewMemory()
	}

	verifier, err := auth.NewVerifier("conformance-secret", cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil {
		return nil, err
	}

	hub := event.NewHub()
	cat := catalog.Default()
	ledger := progress.NewLedger(store, progress.WithPublisher(hub))
	lifecycle := certificate.New(store, certificate.WithPublisher(hub))

	mux := server.NewMux(server.Deps{
		Store:     store,
		Ledger:    ledger,
		Evaluator: completion.NewEvaluator(ledger, cat),
		Catalog:   cat,
		Lifecycle: lifecycle,
		Gate:      access.NewGate(access.NewStoreCodeSet(store), nil),
		Verifier:  verifier,
	})

	return &Harness{
		server:    httptest.NewServer(mux),
		store:     store,
		hub:       hub,
		lifecycle: lifecycle,
		verifier:  verifier,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and waits for background deliveries.
func (h *Harness) Close() {
	h.server.Close()
	h.lifecycle.Wait()
	_ = h.hub.Close()
	if closer, ok := h.store.(interface{ Close() }); ok {
		closer.Close()
	}
}

// Token mints a bearer token for a learner or admin.
func (h *Harness) Token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := h.verifier.Sign(auth.Principal{UserID: userID, Role: role, Name: "Conformance " + userID}, time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

// Response is the decoded response envelope.
type Response struct {
	Status int
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ErrorCode returns the error code, or "" for a success response.
func (r Response) ErrorCode() string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}

// Decode unmarshals the data member into v.
func (r Response) Decode(t *testing.T, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(r.Data, v); err != nil {
		t.Fatalf("decode data: %v (%s)", err, r.Data)
	}
}

// Do sends a JSON request and decodes the envelope.
func (h *Harness) Do(t *testing.T, method, path, token string, body interface{}) Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := Response{Status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode envelope: %v", method, path, err)
	}
	return out
}

// Tick reports a playhead position for one video.
func (h *Harness) Tick(t *testing.T, token, userID, videoID, courseID string, position, duration float64) Response {
	t.Helper()
	return h.Do(t, "POST", "/v1/progress/tick", token, map[string]interface{}{
		"userId":      userID,
		"videoId":     videoID,
		"courseId":    courseID,
		"currentTime": position,
		"duration":    duration,
		"isPlaying":   true,
	})
}

// RunScenarios runs every scenario as a subtest.
func (h *Harness) RunScenarios(t *testing.T) {
	t.Run("XPLevelThresholds", h.testXPLevelThresholds)
	t.Run("CertificationBanding", h.testCertificationBanding)
	t.Run("CompletionIsSticky", h.testCompletionIsSticky)
	t.Run("CertificateRoundTrip", h.testCertificateRoundTrip)
	t.Run("IssueFromPendingIsInvalid", h.testIssueFromPending)
	t.Run("AliasedVideosAreDeduplicated", h.testAliasing)
	t.Run("PartiallyWatchedCourse", h.testPartialCourse)
	t.Run("CodeRedeemedTwice", h.testCodeRedeemedTwice)
}

type levelsData struct {
	Level         string `json:"level"`
	LevelNumber   int    `json:"levelNumber"`
	Certification string `json:"certificationLevel"`
}

func (h *Harness) levels(t *testing.T, xp, courses int) levelsData {
	t.Helper()
	resp := h.Do(t, "GET", fmt.Sprintf("/v1/levels?xp=%d&completedCourses=%d", xp, courses), "", nil)
	if resp.Status != http.StatusOK {
		t.Fatalf("levels xp=%d: status %d", xp, resp.Status)
	}
	var d levelsData
	resp.Decode(t, &d)
	return d
}

// testXPLevelThresholds checks the documented boundaries and monotonicity.
func (h *Harness) testXPLevelThresholds(t *testing.T) {
	boundaries := []struct {
		xp   int
		want string
	}{
		{0, "bronze"}, {999, "bronze"}, {1000, "silver"}, {2499, "silver"}, {2500, "gold"},
		{4999, "gold"}, {5000, "platinum"}, {9999, "platinum"}, {10000, "diamond"}, {250000, "diamond"},
	}
	for _, b := range boundaries {
		if got := h.levels(t, b.xp, 0).Level; got != b.want {
			t.Errorf("xp %d: level %q, want %q", b.xp, got, b.want)
		}
	}

	prev := 0
	for xp := 0; xp <= 12000; xp += 250 {
		n := h.levels(t, xp, 0).LevelNumber
		if n < prev {
			t.Fatalf("level decreased at xp %d: %d < %d", xp, n, prev)
		}
		prev = n
	}
}

func (h *Harness) testCertificationBanding(t *testing.T) {
	want := map[int]string{0: "none", 1: "foundation", 2: "associate", 3: "associate", 4: "professional", 5: "certified", 9: "certified"}
	for courses, tier := range want {
		if got := h.levels(t, 0, courses).Certification; got != tier {
			t.Errorf("%d completed courses: tier %q, want %q", courses, got, tier)
		}
	}
}

type progressData struct {
	Completed      bool    `json:"completed"`
	WatchedSeconds float64 `json:"watchedSeconds"`
}

// testCompletionIsSticky checks that lower or repeated ticks never clear completion.
func (h *Harness) testCompletionIsSticky(t *testing.T) {
	tok := h.Token(t, "sticky", auth.RoleLearner)
	for i, pos := range []float64{90, 10, 10, 0} {
		resp := h.Tick(t, tok, "sticky", "3-1", "3", pos, 100)
		if resp.Status != http.StatusOK {
			t.Fatalf("tick %d: status %d", i, resp.Status)
		}
		var p progressData
		resp.Decode(t, &p)
		if !p.Completed {
			t.Fatalf("tick %d at %.0fs cleared completion", i, pos)
		}
	}
}

type certificateData struct {
	ID                         string     `json:"id"`
	Status                     string     `json:"status"`
	CertificateNumber          string     `json:"certificateNumber"`
	CredentialVerificationCode string     `json:"credentialVerificationCode"`
	IssuedDate                 *time.Time `json:"issuedDate"`
}

// generate completes a course for userID and requests its certificate.
func (h *Harness) generate(t *testing.T, userID, courseID string, videos int) certificateData {
	t.Helper()
	tok := h.Token(t, userID, auth.RoleLearner)
	for i := 1; i <= videos; i++ {
		if resp := h.Tick(t, tok, userID, fmt.Sprintf("%s-%d", courseID, i), courseID, 95, 100); resp.Status != http.StatusOK {
			t.Fatalf("tick: status %d", resp.Status)
		}
	}
	resp := h.Do(t, "POST", "/v1/certificates", tok, map[string]string{"courseId": courseID})
	if resp.Status != http.StatusCreated {
		t.Fatalf("generate: status %d code %s", resp.Status, resp.ErrorCode())
	}
	var c certificateData
	resp.Decode(t, &c)
	return c
}

// testCertificateRoundTrip checks generate, approve, issue and identity immutability.
func (h *Harness) testCertificateRoundTrip(t *testing.T) {
	admin := h.Token(t, "admin", auth.RoleAdmin)
	gen := h.generate(t, "roundtrip", "5", 4)
	if gen.Status != "pendingApproval" {
		t.Fatalf("generated status %q", gen.Status)
	}

	for _, action := range []string{"approve", "issue"} {
		if resp := h.Do(t, "POST", "/v1/certificates/"+gen.ID+"/"+action, admin, nil); resp.Status != http.StatusOK {
			t.Fatalf("%s: status %d code %s", action, resp.Status, resp.ErrorCode())
		}
	}

	var got certificateData
	h.Do(t, "GET", "/v1/certificates/"+gen.ID, admin, nil).Decode(t, &got)
	if got.Status != "issued" || got.IssuedDate == nil {
		t.Errorf("after issue: status %q issuedDate %v", got.Status, got.IssuedDate)
	}
	if got.CertificateNumber != gen.CertificateNumber || got.CredentialVerificationCode != gen.CredentialVerificationCode {
		t.Errorf("identity changed: %+v vs %+v", got, gen)
	}
}

func (h *Harness) testIssueFromPending(t *testing.T) {
	admin := h.Token(t, "admin", auth.RoleAdmin)
	gen := h.generate(t, "eager", "2", 4)
	resp := h.Do(t, "POST", "/v1/certificates/"+gen.ID+"/issue", admin, nil)
	if resp.Status != http.StatusConflict || resp.ErrorCode() != "SKV_INVALID_TRANSITION" {
		t.Errorf("issue from pendingApproval: status %d code %s", resp.Status, resp.ErrorCode())
	}
}

type completionData struct {
	CompletedCount int  `json:"completedCount"`
	TotalExpected  int  `json:"totalExpected"`
	IsComplete     bool `json:"isComplete"`
}

func (h *Harness) completion(t *testing.T, token, userID, courseID string) completionData {
	t.Helper()
	resp := h.Do(t, "GET", "/v1/courses/"+courseID+"/completion?userId="+userID, token, nil)
	if resp.Status != http.StatusOK {
		t.Fatalf("completion: status %d", resp.Status)
	}
	var d completionData
	resp.Decode(t, &d)
	return d
}

// testAliasing stores course 1 under every naming convention and expects 7, not 21.
// Six videos plus an alias of one of them, or a course-level record, must stay incomplete.
func (h *Harness) testAliasing(t *testing.T) {
	tok := h.Token(t, "alias", auth.RoleLearner)
	for i := 1; i <= 7; i++ {
		h.Tick(t, tok, "alias", fmt.Sprintf("1-%d", i), "1", 90, 100)
		h.Tick(t, tok, "alias", fmt.Sprintf("course_1-%d", i), "", 90, 100)
		h.Tick(t, tok, "alias", fmt.Sprintf("course_1_%d", i), "", 90, 100)
	}
	d := h.completion(t, tok, "alias", "1")
	if d.CompletedCount != 7 || d.TotalExpected != 7 || !d.IsComplete {
		t.Errorf("aliased course 1 = %+v, want 7 of 7 complete", d)
	}

	short := h.Token(t, "six", auth.RoleLearner)
	for i := 1; i <= 6; i++ {
		h.Tick(t, short, "six", fmt.Sprintf("1-%d", i), "1", 90, 100)
	}
	h.Tick(t, short, "six", "course_1_3", "", 90, 100)
	h.Tick(t, short, "six", "course_1", "", 90, 100)
	d = h.completion(t, short, "six", "1")
	if d.CompletedCount != 6 || d.IsComplete {
		t.Errorf("six videos with aliases = %+v, want 6 of 7 incomplete", d)
	}
}

// testPartialCourse is course "2" with three videos done and one at 40%.
func (h *Harness) testPartialCourse(t *testing.T) {
	tok := h.Token(t, "partial", auth.RoleLearner)
	for i := 1; i <= 3; i++ {
		h.Tick(t, tok, "partial", fmt.Sprintf("2-%d", i), "2", 90, 100)
	}
	h.Tick(t, tok, "partial", "2-4", "2", 40, 100)

	d := h.completion(t, tok, "partial", "2")
	if d.IsComplete || d.CompletedCount != 3 || d.TotalExpected != 4 {
		t.Errorf("course 2 = %+v, want 3 of 4 incomplete", d)
	}
}

func (h *Harness) testCodeRedeemedTwice(t *testing.T) {
	tok := h.Token(t, "redeemer", auth.RoleLearner)

	first := h.Do(t, "POST", "/v1/access/redeem", tok, map[string]string{"code": "C12345"})
	var r struct {
		Result string `json:"result"`
	}
	first.Decode(t, &r)
	if first.Status != http.StatusOK || r.Result != "successBasic" {
		t.Errorf("first redeem: status %d result %q", first.Status, r.Result)
	}

	second := h.Do(t, "POST", "/v1/access/redeem", tok, map[string]string{"code": "C12345"})
	if second.Status != http.StatusConflict || second.ErrorCode() != "SKV_ALREADY_USED" {
		t.Errorf("second redeem: status %d code %s", second.Status, second.ErrorCode())
	}
}
