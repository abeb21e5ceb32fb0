// Package server implements the HTTP handlers and routing for the certification service.
// It exposes the progress ledger, completion evaluator, level engine, certificate lifecycle
// and access gate as JSON endpoints with bearer token authentication.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skillvergence/skillvergence-cert-go/internal/access"
	"github.com/skillvergence/skillvergence-cert-go/internal/auth"
	"github.com/skillvergence/skillvergence-cert-go/internal/catalog"
	"github.com/skillvergence/skillvergence-cert-go/internal/certificate"
	"github.com/skillvergence/skillvergence-cert-go/internal/completion"
	errordefs "github.com/skillvergence/skillvergence-cert-go/internal/errors"
	"github.com/skillvergence/skillvergence-cert-go/internal/event"
	"github.com/skillvergence/skillvergence-cert-go/internal/level"
	"github.com/skillvergence/skillvergence-cert-go/internal/lockmap"
	"github.com/skillvergence/skillvergence-cert-go/internal/metrics"
	"github.com/skillvergence/skillvergence-cert-go/internal/model"
	"github.com/skillvergence/skillvergence-cert-go/internal/progress"
	"github.com/skillvergence/skillvergence-cert-go/internal/storage"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// ContextKeyCorrelationID stores the unique ID for request tracking
	ContextKeyCorrelationID ContextKey = "correlationId"

	// Default limits for list operations
	DefaultListLimit = 25  // Default number of certificates to return
	MaxListLimit     = 100 // Maximum number of certificates to return

	maxBodyBytes = 1 << 20
)

// errForbidden is returned when an authenticated caller acts outside its own data.
var errForbidden = errors.New("not permitted for this caller")

// Deps are the engine components served over HTTP.
type Deps struct {
	Store     storage.Store
	Ledger    *progress.Ledger
	Evaluator *completion.Evaluator
	Catalog   *catalog.Catalog
	Lifecycle *certificate.Lifecycle
	Gate      *access.Gate
	Verifier  *auth.Verifier
	Metrics   *metrics.Metrics // may be nil

	// Checks are readiness probes beyond the store, keyed by dependency name
	Checks map[string]func(context.Context) error

	// CORSAllowedOrigins lists allowed origins (empty means deny all, "*" allows any)
	CORSAllowedOrigins []string
}

// Mux handles HTTP requests for the certification service.
type Mux struct {
	mux       *http.ServeMux
	store     storage.Store
	ledger    *progress.Ledger
	evaluator *completion.Evaluator
	catalog   *catalog.Catalog
	lifecycle *certificate.Lifecycle
	gate      *access.Gate
	verifier  *auth.Verifier
	metrics   *metrics.Metrics
	checks    map[string]func(context.Context) error
	tracer    trace.Tracer

	// generateLocks serializes the duplicate check and generation per (user, course)
	generateLocks *lockmap.Map

	corsAllowedOrigins []string
}

// NewMux creates a new HTTP mux with all certification endpoints.
// Parameters:
//   - d: Engine components; every field except Metrics, Checks and CORSAllowedOrigins is required
//
// Returns:
//   - *http.ServeMux: Router with health, metrics and /v1 endpoints registered
func NewMux(d Deps) *http.ServeMux {
	m := &Mux{
		mux:                http.NewServeMux(),
		store:              d.Store,
		ledger:             d.Ledger,
		evaluator:          d.Evaluator,
		catalog:            d.Catalog,
		lifecycle:          d.Lifecycle,
		gate:               d.Gate,
		verifier:           d.Verifier,
		metrics:            d.Metrics,
		checks:             d.Checks,
		tracer:             otel.Tracer("skillvergence-certd"),
		generateLocks:      lockmap.New(),
		corsAllowedOrigins: d.CORSAllowedOrigins,
	}

	// Register health endpoints
	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	// Progress ledger and completion
	m.mux.HandleFunc("/v1/progress/tick", m.method("POST", m.withMiddleware(m.authenticated(m.handleTick))))
	m.mux.HandleFunc("/v1/progress/complete", m.method("POST", m.withMiddleware(m.authenticated(m.handleComplete))))
	m.mux.HandleFunc("/v1/progress/{userId}/{videoId}", m.method("GET", m.withMiddleware(m.authenticated(m.handleGetProgress))))
	m.mux.HandleFunc("/v1/courses/{courseId}/completion", m.method("GET", m.withMiddleware(m.authenticated(m.handleCompletion))))
	m.mux.HandleFunc("/v1/learners/{userId}/summary", m.method("GET", m.withMiddleware(m.authenticated(m.handleSummary))))
	m.mux.HandleFunc("/v1/levels", m.method("GET", m.withMiddleware(m.handleLevels)))

	// Certificate lifecycle
	m.mux.HandleFunc("/v1/certificates", m.withMiddleware(m.authenticated(m.handleCertificates)))
	m.mux.HandleFunc("/v1/certificates/{id}", m.method("GET", m.withMiddleware(m.authenticated(m.handleGetCertificate))))
	m.mux.HandleFunc("/v1/certificates/{id}/{action}", m.method("POST", m.withMiddleware(m.admin(m.handleTransition))))
	m.mux.HandleFunc("/v1/verify/{code}", m.method("GET", m.withMiddleware(m.handleVerify)))

	// Access gate
	m.mux.HandleFunc("/v1/access/redeem", m.method("POST", m.withMiddleware(m.authenticated(m.handleRedeem))))
	m.mux.HandleFunc("/v1/access/friend-quota", m.method("GET", m.withMiddleware(m.handleFriendQuota)))

	return m.mux
}

// method ensures the HTTP method matches the expected method.
// CORS preflight requests pass through to withMiddleware.
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && r.Method != http.MethodOptions {
			m.writeErrorDef(w, errordefs.New(errordefs.SKV_BAD_REQUEST, "method not allowed", ""))
			return
		}
		h(w, r)
	}
}

// statusRecorder captures what a handler wrote for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	err    error
	userID string
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// route is the matched pattern, used as a low-cardinality metrics label.
func route(r *http.Request) string {
	if r.Pattern != "" {
		return r.Pattern
	}
	return r.URL.Path
}

func (m *Mux) originAllowed(origin string) bool {
	for _, allowed := range m.corsAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// withMiddleware applies CORS, correlation ids, tracing, request logging and metrics.
func (m *Mux) withMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		origin := r.Header.Get("Origin")
		allowed := origin != "" && m.originAllowed(origin)

		// Handle CORS preflight requests
		if r.Method == http.MethodOptions {
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-Id", correlationID)

		ctx := context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID)
		ctx = event.WithCorrelationID(ctx, correlationID)
		ctx, span := m.tracer.Start(ctx, r.Method+" "+route(r), trace.WithAttributes(
			attribute.String("http.route", route(r)),
			attribute.String("correlation.id", correlationID),
		))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(ctx)
		h(rec, r)

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		m.metrics.Request(r.Method, route(r), rec.status, time.Since(start).Seconds())
		m.logRequest(r, rec, time.Since(start), correlationID)
	}
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

// authenticated requires a valid bearer token and stores its principal in the request context.
func (m *Mux) authenticated(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := m.verifier.Verify(r.Context(), bearerToken(r))
		if err != nil {
			m.fail(w, r, err)
			return
		}
		if rec, ok := w.(*statusRecorder); ok {
			rec.userID = p.UserID
		}
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("user.id", p.UserID))
		h(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
	}
}

// admin is authenticated plus role=admin.
func (m *Mux) admin(h http.HandlerFunc) http.HandlerFunc {
	return m.authenticated(func(w http.ResponseWriter, r *http.Request) {
		if p, _ := auth.FromContext(r.Context()); !p.IsAdmin() {
			m.fail(w, r, fmt.Errorf("admin role required: %w", errForbidden))
			return
		}
		h(w, r)
	})
}

// principal returns the caller stored by authenticated.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]interface{}{
		"data": data,
	}
	_ = json.NewEncoder(w).Encode(response)
}

// writeError writes an error response following the service error taxonomy
func (m *Mux) writeError(w http.ResponseWriter, statusCode int, code, message, correlationID string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := map[string]interface{}{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	}
	if details != nil {
		body["details"] = details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	m.writeError(w, err.HTTPStatus, string(err.Code), err.Message, err.CorrelationID, err.Details)
}

// errorFor maps a domain error onto the service error taxonomy.
// Unrecognized errors become SKV_INTERNAL without leaking their text.
func errorFor(err error, correlationID string) *errordefs.Error {
	var (
		apiErr      *errordefs.Error
		durationErr *model.InvalidDurationError
		transition  *certificate.InvalidTransitionError
	)
	switch {
	case errors.As(err, &apiErr):
		out := *apiErr
		out.CorrelationID = correlationID
		return &out
	case errors.As(err, &durationErr):
		return errordefs.New(errordefs.SKV_INVALID_DURATION, durationErr.Error(), correlationID)
	case errors.As(err, &transition):
		return errordefs.NewWithDetails(errordefs.SKV_INVALID_TRANSITION, transition.Error(), correlationID, map[string]string{
			"certificateId": transition.CertificateID,
			"action":        string(transition.Action),
			"status":        string(transition.From),
			"required":      string(transition.Required),
		})
	case errors.Is(err, access.ErrInvalidCode):
		return errordefs.New(errordefs.SKV_INVALID_CODE, err.Error(), correlationID)
	case errors.Is(err, access.ErrAlreadyUsed):
		return errordefs.New(errordefs.SKV_ALREADY_USED, err.Error(), correlationID)
	case errors.Is(err, model.ErrCourseIncomplete):
		return errordefs.New(errordefs.SKV_INCOMPLETE, err.Error(), correlationID)
	case errors.Is(err, model.ErrUnknownCourse):
		return errordefs.New(errordefs.SKV_UNKNOWN_COURSE, err.Error(), correlationID)
	case errors.Is(err, certificate.ErrReasonRequired), errors.Is(err, progress.ErrMissingID):
		return errordefs.New(errordefs.SKV_VALIDATION, err.Error(), correlationID)
	case errors.Is(err, storage.ErrNotFound):
		return errordefs.New(errordefs.SKV_NOT_FOUND, err.Error(), correlationID)
	case errors.Is(err, storage.ErrConflict):
		return errordefs.New(errordefs.SKV_CONFLICT, err.Error(), correlationID)
	case errors.Is(err, auth.ErrMissingToken):
		return errordefs.New(errordefs.SKV_AUTHN, "missing bearer token", correlationID)
	case errors.Is(err, auth.ErrExpired):
		return errordefs.New(errordefs.SKV_JWT_EXPIRED, "JWT token expired", correlationID)
	case errors.Is(err, auth.ErrInvalid):
		return errordefs.New(errordefs.SKV_JWT_INVALID, err.Error(), correlationID)
	case errors.Is(err, errForbidden):
		return errordefs.New(errordefs.SKV_AUTHZ, err.Error(), correlationID)
	case errors.Is(err, context.DeadlineExceeded):
		return errordefs.New(errordefs.SKV_UNAVAILABLE, "dependency timed out", correlationID)
	default:
		return errordefs.New(errordefs.SKV_INTERNAL, "internal error", correlationID)
	}
}

// fail writes err as an error response and marks the request span.
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, err error) {
	correlationID, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	def := errorFor(err, correlationID)
	if rec, ok := w.(*statusRecorder); ok {
		rec.err = err
	}
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)
	span.SetStatus(codes.Error, string(def.Code))
	m.writeErrorDef(w, def)
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, rec *statusRecorder, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rec.status),
		slog.Duration("duration", duration),
		slog.String("user_agent", r.UserAgent()),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	if rec.userID != "" {
		attrs = append(attrs, slog.String("user_id", rec.userID))
	}

	switch {
	case rec.err != nil && rec.status >= http.StatusInternalServerError:
		attrs = append(attrs, slog.String("error", rec.err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	case rec.err != nil:
		attrs = append(attrs, slog.String("error", rec.err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request rejected", attrs...)
	default:
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return errordefs.New(errordefs.SKV_BAD_REQUEST, "invalid JSON: "+err.Error(), "")
	}
	return nil
}

// decodeOptionalJSON is decodeJSON that accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return errordefs.New(errordefs.SKV_BAD_REQUEST, "invalid JSON: "+err.Error(), "")
	}
	return nil
}

// intParam parses an integer query parameter, returning fallback when it is absent.
func intParam(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errordefs.New(errordefs.SKV_VALIDATION, fmt.Sprintf("%s must be an integer", name), "")
	}
	return v, nil
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports ready when the store and every configured dependency answer.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.store.Ping(ctx); err != nil {
		slog.Warn("readiness check failed", "dependency", "store", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	for name, check := range m.checks {
		if err := check(ctx); err != nil {
			slog.Warn("readiness check failed", "dependency", name, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleTick handles POST /v1/progress/tick
func (m *Mux) handleTick(w http.ResponseWriter, r *http.Request) {
	var t progress.Tick
	if err := decodeJSON(w, r, &t); err != nil {
		m.fail(w, r, err)
		return
	}
	p := principal(r)
	if t.UserID == "" {
		t.UserID = p.UserID
	}
	if !p.CanActFor(t.UserID) {
		m.fail(w, r, errForbidden)
		return
	}

	rec, err := m.ledger.RecordTick(r.Context(), t)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, rec)
}

type completeRequest struct {
	UserID   string  `json:"userId"`
	VideoID  string  `json:"videoId"`
	CourseID string  `json:"courseId"`
	Duration float64 `json:"duration"` // 0 keeps the stored duration
}

// handleComplete handles POST /v1/progress/complete, sent when an end-of-content quiz is passed.
func (m *Mux) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	p := principal(r)
	if req.UserID == "" {
		req.UserID = p.UserID
	}
	if !p.CanActFor(req.UserID) {
		m.fail(w, r, errForbidden)
		return
	}

	rec, err := m.ledger.MarkCompleted(r.Context(), req.UserID, req.VideoID, req.CourseID, req.Duration)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, rec)
}

// handleGetProgress handles GET /v1/progress/{userId}/{videoId}
func (m *Mux) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	userID, videoID := r.PathValue("userId"), r.PathValue("videoId")
	if !principal(r).CanActFor(userID) {
		m.fail(w, r, errForbidden)
		return
	}

	rec, ok, err := m.ledger.Get(r.Context(), userID, videoID)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if !ok {
		m.fail(w, r, fmt.Errorf("no progress for video %s: %w", videoID, storage.ErrNotFound))
		return
	}
	m.writeSuccess(w, http.StatusOK, rec)
}

// handleCompletion handles GET /v1/courses/{courseId}/completion?userId=
func (m *Mux) handleCompletion(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = p.UserID
	}
	if !p.CanActFor(userID) {
		m.fail(w, r, errForbidden)
		return
	}

	detail, err := m.evaluator.CompletionDetail(r.Context(), userID, r.PathValue("courseId"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, detail)
}

// handleSummary handles GET /v1/learners/{userId}/summary
func (m *Mux) handleSummary(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if !principal(r).CanActFor(userID) {
		m.fail(w, r, errForbidden)
		return
	}

	summary, err := m.evaluator.Summary(r.Context(), userID)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, summary)
}

type levelsView struct {
	XP               int                      `json:"xp"`
	Level            level.XPLevel            `json:"level"`
	LevelNumber      int                      `json:"levelNumber"`
	Progress         level.Progress           `json:"progress"`
	FriendCodeQuota  int                      `json:"friendCodeQuota"`
	CompletedCourses int                      `json:"completedCourses"`
	Certification    level.CertificationLevel `json:"certificationLevel"`
}

// handleLevels handles GET /v1/levels?xp=&completedCourses=
func (m *Mux) handleLevels(w http.ResponseWriter, r *http.Request) {
	xp, err := intParam(r, "xp", 0)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	courses, err := intParam(r, "completedCourses", 0)
	if err != nil {
		m.fail(w, r, err)
		return
	}

	lvl := level.XPLevelFor(xp)
	m.writeSuccess(w, http.StatusOK, levelsView{
		XP:               xp,
		Level:            lvl,
		LevelNumber:      lvl.Number(),
		Progress:         level.ProgressToNextLevel(xp),
		FriendCodeQuota:  access.FriendCodeQuota(lvl.Number()),
		CompletedCourses: courses,
		Certification:    level.CertificationFor(courses),
	})
}

// handleCertificates serves GET (admin queue) and POST (generate) on /v1/certificates.
func (m *Mux) handleCertificates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if !principal(r).IsAdmin() {
			m.fail(w, r, fmt.Errorf("admin role required: %w", errForbidden))
			return
		}
		m.handleListCertificates(w, r)
	case http.MethodPost:
		m.handleGenerate(w, r)
	default:
		m.fail(w, r, errordefs.New(errordefs.SKV_BAD_REQUEST, "method not allowed", ""))
	}
}

// handleListCertificates handles GET /v1/certificates?status=&limit= or ?userId=
func (m *Mux) handleListCertificates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		certs []model.Certificate
		err   error
	)
	if userID := q.Get("userId"); userID != "" {
		certs, err = m.lifecycle.ListByUser(r.Context(), userID)
	} else {
		status := model.StatusPendingApproval
		if s := q.Get("status"); s != "" {
			status = model.CertificateStatus(s)
		}
		if !status.Valid() {
			m.fail(w, r, errordefs.New(errordefs.SKV_VALIDATION, fmt.Sprintf("unknown status %q", status), ""))
			return
		}
		limit, perr := intParam(r, "limit", DefaultListLimit)
		if perr != nil {
			m.fail(w, r, perr)
			return
		}
		if limit < 1 || limit > MaxListLimit {
			m.fail(w, r, errordefs.New(errordefs.SKV_VALIDATION, fmt.Sprintf("limit must be between 1 and %d", MaxListLimit), ""))
			return
		}
		certs, err = m.lifecycle.ListByStatus(r.Context(), status, limit)
	}
	if err != nil {
		m.fail(w, r, err)
		return
	}

	views := make([]certificateView, 0, len(certs))
	for _, c := range certs {
		views = append(views, adminView(c, nil))
	}
	m.writeSuccess(w, http.StatusOK, views)
}

type generateRequest struct {
	UserID         string `json:"userId"`
	CourseID       string `json:"courseId"`
	RecipientName  string `json:"recipientName"`
	RecipientEmail string `json:"recipientEmail"`
}

// handleGenerate handles POST /v1/certificates.
// A learner holds at most one non-rejected certificate per course; a rejected one may be requested again.
func (m *Mux) handleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req generateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	p := principal(r)
	if req.UserID == "" {
		req.UserID = p.UserID
	}
	if !p.CanActFor(req.UserID) {
		m.fail(w, r, errForbidden)
		return
	}
	if req.UserID == p.UserID {
		if req.RecipientName == "" {
			req.RecipientName = p.Name
		}
		if req.RecipientEmail == "" {
			req.RecipientEmail = p.Email
		}
	}
	if req.CourseID == "" || strings.TrimSpace(req.RecipientName) == "" {
		m.fail(w, r, errordefs.New(errordefs.SKV_VALIDATION, "courseId and recipientName are required", ""))
		return
	}

	def, err := m.catalog.MustLookup(req.CourseID)
	if err != nil {
		m.fail(w, r, err)
		return
	}

	// The lock only serializes requests within this process. Replicas sharing PostgreSQL are
	// held to one live certificate per course by idx_certificates_live_course, which surfaces
	// as storage.ErrConflict from Generate.
	unlock := m.generateLocks.Lock(req.UserID + "\x00" + def.CourseID)
	defer unlock()

	existing, err := m.lifecycle.ListByUser(ctx, req.UserID)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	for _, c := range existing {
		if c.CourseID == def.CourseID && c.Status != model.StatusRejected {
			m.fail(w, r, errordefs.NewWithDetails(errordefs.SKV_CONFLICT, "a certificate already exists for this course", "", map[string]string{
				"certificateId": c.ID,
				"status":        string(c.Status),
			}))
			return
		}
	}

	data, detail, err := m.evaluator.CompletionData(ctx, req.UserID, def.CourseID)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if !data.Completed {
		m.fail(w, r, errordefs.NewWithDetails(errordefs.SKV_INCOMPLETE, model.ErrCourseIncomplete.Error(), "", detail))
		return
	}

	cert, err := m.lifecycle.Generate(ctx, model.Learner{
		ID:    req.UserID,
		Name:  strings.TrimSpace(req.RecipientName),
		Email: req.RecipientEmail,
	}, def, data)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, ownerView(cert))
}

// handleGetCertificate handles GET /v1/certificates/{id}
func (m *Mux) handleGetCertificate(w http.ResponseWriter, r *http.Request) {
	cert, err := m.lifecycle.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}

	p := principal(r)
	switch {
	case p.IsAdmin():
		deliveries, err := m.lifecycle.Deliveries(r.Context(), cert.ID)
		if err != nil {
			m.fail(w, r, err)
			return
		}
		m.writeSuccess(w, http.StatusOK, adminView(cert, deliveries))
	case p.CanActFor(cert.UserID):
		m.writeSuccess(w, http.StatusOK, ownerView(cert))
	default:
		m.fail(w, r, errForbidden)
	}
}

type transitionRequest struct {
	Notes  string `json:"notes"`  // approve
	Reason string `json:"reason"` // reject, revoke
}

// handleTransition handles POST /v1/certificates/{id}/{approve|reject|issue|revoke|resend}
func (m *Mux) handleTransition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req transitionRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	id, action := r.PathValue("id"), r.PathValue("action")
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("certificate.id", id),
		attribute.String("certificate.action", action),
	)

	var (
		cert model.Certificate
		err  error
	)
	switch certificate.Action(action) {
	case certificate.ActionApprove:
		cert, err = m.lifecycle.Approve(ctx, id, req.Notes)
	case certificate.ActionReject:
		cert, err = m.lifecycle.Reject(ctx, id, req.Reason)
	case certificate.ActionIssue:
		cert, err = m.lifecycle.Issue(ctx, id)
	case certificate.ActionRevoke:
		cert, err = m.lifecycle.Revoke(ctx, id, req.Reason)
	case certificate.ActionResend:
		cert, err = m.lifecycle.Resend(ctx, id)
	default:
		err = errordefs.New(errordefs.SKV_NOT_FOUND, fmt.Sprintf("unknown certificate action %q", action), "")
	}
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, adminView(cert, nil))
}

// handleVerify handles GET /v1/verify/{code}. It is public and never exposes admin fields.
func (m *Mux) handleVerify(w http.ResponseWriter, r *http.Request) {
	cert, err := m.lifecycle.Verify(r.Context(), r.PathValue("code"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, publicView(cert))
}

// handleRedeem handles POST /v1/access/redeem
func (m *Mux) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		m.fail(w, r, err)
		return
	}

	code := access.Normalize(req.Code)
	result, err := m.gate.Redeem(r.Context(), code)
	view := redemptionView{Code: code, Result: result, Display: presentRedemption(result)}
	switch {
	case errors.Is(err, access.ErrInvalidCode):
		m.fail(w, r, errordefs.NewWithDetails(errordefs.SKV_INVALID_CODE, err.Error(), "", view))
		return
	case errors.Is(err, access.ErrAlreadyUsed):
		m.fail(w, r, errordefs.NewWithDetails(errordefs.SKV_ALREADY_USED, err.Error(), "", view))
		return
	case err != nil:
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, view)
}

// handleFriendQuota handles GET /v1/access/friend-quota?level=
func (m *Mux) handleFriendQuota(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("level") == "" {
		m.fail(w, r, errordefs.New(errordefs.SKV_VALIDATION, "level is required", ""))
		return
	}
	lvl, err := intParam(r, "level", 0)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]int{
		"level":           lvl,
		"friendCodeQuota": access.FriendCodeQuota(lvl),
	})
}
