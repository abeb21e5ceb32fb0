// Package certificate drives a certificate from generation through admin approval to issuance.
//
// The lifecycle is a closed state machine:
//
//	pendingApproval -> approved -> issued -> revoked
//	pendingApproval -> rejected
//
// Every transition is a compare-and-swap on the stored status, serialized per certificate, so of two
// racing admin actions exactly one wins and the other gets an *InvalidTransitionError.
// Issuing commits the new status first and only then hands the certificate to the notify
// collaborator; a failed delivery is recorded beside the certificate and never rolls it back.
package certificate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skillvergence/skillvergence-cert-go/internal/event"
	"github.com/skillvergence/skillvergence-cert-go/internal/level"
	"github.com/skillvergence/skillvergence-cert-go/internal/lockmap"
	"github.com/skillvergence/skillvergence-cert-go/internal/metrics"
	"github.com/skillvergence/skillvergence-cert-go/internal/model"
	"github.com/skillvergence/skillvergence-cert-go/internal/storage"
)

// Action names an operation on a certificate.
type Action string

const (
	ActionGenerate Action = "generate"
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionIssue    Action = "issue"
	ActionRevoke   Action = "revoke"
	ActionResend   Action = "resend"
)

type edge struct {
	from, to model.CertificateStatus
	event    string
}

// transitions is the complete set of allowed status changes.
var transitions = map[Action]edge{
	ActionApprove: {model.StatusPendingApproval, model.StatusApproved, event.TypeCertificateApproved},
	ActionReject:  {model.StatusPendingApproval, model.StatusRejected, event.TypeCertificateRejected},
	ActionIssue:   {model.StatusApproved, model.StatusIssued, event.TypeCertificateIssued},
	ActionRevoke:  {model.StatusIssued, model.StatusRevoked, event.TypeCertificateRevoked},
}

// Allowed reports whether action may be taken from status.
func Allowed(action Action, status model.CertificateStatus) bool {
	e, ok := transitions[action]
	return ok && e.from == status
}

// Notifier is the external delivery collaborator (artwork render and email).
// Send is best effort; its outcome is recorded as a model.DeliveryResult.
type Notifier interface {
	Send(ctx context.Context, cert model.Certificate) (model.DeliveryResult, error)
}

// Publisher receives lifecycle and delivery events.
type Publisher interface {
	PublishCertificate(ctx context.Context, eventType string, cert model.Certificate) error
	PublishDelivery(ctx context.Context, d model.DeliveryResult) error
}

// Lifecycle owns certificate records. Callers hold read-only copies.
type Lifecycle struct {
	store         storage.Store
	locks         *lockmap.Map
	notifier      Notifier
	pub           Publisher
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	now           func() time.Time
	notifyTimeout time.Duration

	pending sync.WaitGroup
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithNotifier sets the delivery collaborator. Without one, deliveries are recorded as skipped.
func WithNotifier(n Notifier) Option { return func(l *Lifecycle) { l.notifier = n } }

// WithPublisher sets the event sink.
func WithPublisher(p Publisher) Option { return func(l *Lifecycle) { l.pub = p } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(l *Lifecycle) { l.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(l *Lifecycle) { l.now = now } }

// WithNotifyTimeout bounds a single delivery attempt.
func WithNotifyTimeout(d time.Duration) Option { return func(l *Lifecycle) { l.notifyTimeout = d } }

// New creates a Lifecycle over store.
func New(store storage.Store, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		store:         store,
		locks:         lockmap.New(),
		tracer:        otel.Tracer("github.com/skillvergence/skillvergence-cert-go/internal/certificate"),
		now:           func() time.Time { return time.Now().UTC() },
		notifyTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Generate creates a certificate in pendingApproval for a learner who completed course.
//
// The certificate number and credential verification code are minted here, once, and are never
// changed afterwards. Generate does not look for an existing certificate of the same learner and
// course: callers that must not create duplicates check ListByUser first.
func (l *Lifecycle) Generate(ctx context.Context, learner model.Learner, course model.CourseDefinition, data model.CompletionData) (model.Certificate, error) {
	ctx, span := l.tracer.Start(ctx, "certificate.generate", trace.WithAttributes(
		attribute.String("user.id", learner.ID),
		attribute.String("course.id", course.CourseID),
	))
	defer span.End()
	start := time.Now()

	cert, err := l.generate(ctx, learner, course, data)
	l.observe(span, ActionGenerate, start, err)
	if err != nil {
		return model.Certificate{}, err
	}
	span.SetAttributes(attribute.String("certificate.id", cert.ID))
	l.publish(ctx, event.TypeCertificateGenerated, cert)
	return cert, nil
}

func (l *Lifecycle) generate(ctx context.Context, learner model.Learner, course model.CourseDefinition, data model.CompletionData) (model.Certificate, error) {
	if learner.ID == "" || course.CourseID == "" {
		return model.Certificate{}, errors.New("learner id and course id are required")
	}
	if !data.Completed {
		return model.Certificate{}, fmt.Errorf("%w: %s", model.ErrCourseIncomplete, course.CourseID)
	}
	if !(data.TotalDuration > 0) || math.IsInf(data.TotalDuration, 0) {
		return model.Certificate{}, &model.InvalidDurationError{Duration: data.TotalDuration}
	}

	now := l.now()
	completedAt := data.CompletedAt
	if completedAt.IsZero() {
		completedAt = now
	}
	cert := model.Certificate{
		ID:              uuid.NewString(),
		UserID:          learner.ID,
		CourseID:        course.CourseID,
		CertificateType: model.CertificateTypeCourseCompletion,
		SkillLevel:      level.CertificationFor(data.CompletedCourseCount).String(),
		CompletionDate:  completedAt.UTC(),
		RecipientName:   learner.Name,
		RecipientEmail:  learner.Email,
		CourseTitle:     course.Title,
		FinalScore:      FinalScore(data.WatchedSeconds, data.TotalDuration),
		CreatedAt:       now,
		Status:          model.StatusPendingApproval,
		UpdatedAt:       now,
	}

	// Number and code collisions are astronomically rare; retry a few times rather than fail.
	const attempts = 3
	for i := 0; ; i++ {
		code, err := NewVerificationCode()
		if err != nil {
			return model.Certificate{}, err
		}
		cert.CertificateNumber = NewNumber(now)
		cert.CredentialVerificationCode = code

		err = l.store.CreateCertificate(ctx, cert)
		if err == nil {
			return cert, nil
		}
		if !errors.Is(err, storage.ErrConflict) || i == attempts-1 {
			return model.Certificate{}, fmt.Errorf("create certificate: %w", err)
		}
	}
}

// FinalScore is min(100, watched/total*100) rounded to two decimals.
func FinalScore(watched, total float64) float64 {
	if total <= 0 {
		return 0
	}
	score := math.Min(100, math.Max(0, watched/total*100))
	return math.Round(score*100) / 100
}

// Approve moves a pendingApproval certificate to approved and stores the admin notes.
func (l *Lifecycle) Approve(ctx context.Context, id, adminNotes string) (model.Certificate, error) {
	return l.transition(ctx, id, ActionApprove, func(c *model.Certificate, now time.Time) {
		c.AdminNotes = adminNotes
		c.ApprovedDate = &now
	})
}

// Reject moves a pendingApproval certificate to rejected. reason must not be blank.
func (l *Lifecycle) Reject(ctx context.Context, id, reason string) (model.Certificate, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.Certificate{}, ErrReasonRequired
	}
	return l.transition(ctx, id, ActionReject, func(c *model.Certificate, now time.Time) {
		c.RejectionReason = reason
	})
}

// Issue moves an approved certificate to issued, stamps issuedDate and dispatches delivery.
// The returned certificate is issued even if delivery later fails.
func (l *Lifecycle) Issue(ctx context.Context, id string) (model.Certificate, error) {
	cert, err := l.transition(ctx, id, ActionIssue, func(c *model.Certificate, now time.Time) {
		c.IssuedDate = &now
	})
	if err != nil {
		return model.Certificate{}, err
	}
	l.dispatch(ctx, cert)
	return cert, nil
}

// Revoke invalidates an issued certificate. reason must not be blank.
func (l *Lifecycle) Revoke(ctx context.Context, id, reason string) (model.Certificate, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.Certificate{}, ErrReasonRequired
	}
	return l.transition(ctx, id, ActionRevoke, func(c *model.Certificate, now time.Time) {
		c.RevocationReason = reason
		c.RevokedDate = &now
	})
}

// Resend dispatches delivery again for an issued certificate. Its status is not touched.
func (l *Lifecycle) Resend(ctx context.Context, id string) (model.Certificate, error) {
	cert, err := l.Get(ctx, id)
	if err != nil {
		return model.Certificate{}, err
	}
	if cert.Status != model.StatusIssued {
		return model.Certificate{}, &InvalidTransitionError{
			CertificateID: id,
			Action:        ActionResend,
			From:          cert.Status,
			To:            model.StatusIssued,
			Required:      model.StatusIssued,
		}
	}
	l.dispatch(ctx, cert)
	return cert, nil
}

func (l *Lifecycle) transition(ctx context.Context, id string, action Action, mutate func(*model.Certificate, time.Time)) (model.Certificate, error) {
	ctx, span := l.tracer.Start(ctx, "certificate."+string(action), trace.WithAttributes(
		attribute.String("certificate.id", id),
	))
	defer span.End()
	start := time.Now()

	cert, err := l.swap(ctx, id, action, mutate)
	l.observe(span, action, start, err)
	if err != nil {
		return model.Certificate{}, err
	}
	l.publish(ctx, transitions[action].event, cert)
	return cert, nil
}

func (l *Lifecycle) swap(ctx context.Context, id string, action Action, mutate func(*model.Certificate, time.Time)) (model.Certificate, error) {
	e := transitions[action]

	unlock := l.locks.Lock(id)
	defer unlock()

	cur, err := l.Get(ctx, id)
	if err != nil {
		return model.Certificate{}, err
	}
	if cur.Status != e.from {
		return model.Certificate{}, l.invalid(id, action, cur.Status)
	}

	now := l.now()
	if now.Before(cur.UpdatedAt) {
		now = cur.UpdatedAt
	}
	next := cur
	next.Status = e.to
	next.UpdatedAt = now
	mutate(&next, now)

	err = l.store.UpdateCertificate(ctx, next, e.from)
	if errors.Is(err, storage.ErrConflict) {
		// Another process moved the certificate between our read and write.
		if latest, gerr := l.Get(ctx, id); gerr == nil {
			return model.Certificate{}, l.invalid(id, action, latest.Status)
		}
		return model.Certificate{}, l.invalid(id, action, e.from)
	}
	if err != nil {
		return model.Certificate{}, fmt.Errorf("%s certificate %s: %w", action, id, err)
	}
	return next, nil
}

func (l *Lifecycle) invalid(id string, action Action, current model.CertificateStatus) error {
	e := transitions[action]
	return &InvalidTransitionError{CertificateID: id, Action: action, From: current, To: e.to, Required: e.from}
}

func (l *Lifecycle) observe(span trace.Span, action Action, start time.Time, err error) {
	result := "ok"
	var invalid *InvalidTransitionError
	switch {
	case errors.As(err, &invalid):
		result = "invalid_transition"
	case err != nil:
		result = "error"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	l.metrics.Transition(string(action), result, time.Since(start).Seconds())
}

func (l *Lifecycle) publish(ctx context.Context, eventType string, cert model.Certificate) {
	if l.pub == nil {
		return
	}
	err := l.pub.PublishCertificate(ctx, eventType, cert)
	l.metrics.Publish(eventType, err)
	if err != nil {
		slog.Warn("failed to publish certificate event", "type", eventType, "certificateId", cert.ID, "error", err)
	}
}

// dispatch runs one delivery attempt in the background. The attempt outlives the request
// that triggered it; Wait blocks until every started attempt has been recorded.
func (l *Lifecycle) dispatch(ctx context.Context, cert model.Certificate) {
	ctx = context.WithoutCancel(ctx)
	l.pending.Add(1)
	go func() {
		defer l.pending.Done()
		ctx, cancel := context.WithTimeout(ctx, l.notifyTimeout)
		defer cancel()
		l.deliver(ctx, cert)
	}()
}

func (l *Lifecycle) deliver(ctx context.Context, cert model.Certificate) {
	ctx, span := l.tracer.Start(ctx, "certificate.deliver", trace.WithAttributes(
		attribute.String("certificate.id", cert.ID),
	))
	defer span.End()

	var res model.DeliveryResult
	var err error
	if l.notifier == nil {
		res.Status = model.DeliverySkipped
	} else {
		res, err = l.notifier.Send(ctx, cert)
	}
	if err != nil {
		res.Status = model.DeliveryFailed
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("certificate delivery failed", "certificateId", cert.ID, "error", err)
	}
	if res.Status == "" {
		res.Status = model.DeliveryDelivered
	}
	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	res.CertificateID = cert.ID
	if res.AttemptedAt.IsZero() {
		res.AttemptedAt = l.now()
	}

	if rerr := l.store.RecordDelivery(ctx, res); rerr != nil {
		slog.Error("failed to record certificate delivery", "certificateId", cert.ID, "error", rerr)
	}
	l.metrics.Delivery(string(res.Status))
	if l.pub != nil {
		perr := l.pub.PublishDelivery(ctx, res)
		l.metrics.Publish(event.TypeCertificateDelivery, perr)
		if perr != nil {
			slog.Warn("failed to publish delivery event", "certificateId", cert.ID, "error", perr)
		}
	}
}

// Wait blocks until every dispatched delivery has finished.
func (l *Lifecycle) Wait() {
	l.pending.Wait()
}

// Get returns a copy of the certificate. storage.ErrNotFound is wrapped for unknown ids.
func (l *Lifecycle) Get(ctx context.Context, id string) (model.Certificate, error) {
	cert, err := l.store.GetCertificate(ctx, id)
	if err != nil {
		return model.Certificate{}, fmt.Errorf("certificate %s: %w", id, err)
	}
	return *cert, nil
}

// Verify resolves a credential verification code as typed by a third party.
func (l *Lifecycle) Verify(ctx context.Context, code string) (model.Certificate, error) {
	norm := NormalizeVerificationCode(code)
	if norm == "" {
		return model.Certificate{}, fmt.Errorf("verification code %q: %w", code, storage.ErrNotFound)
	}
	cert, err := l.store.GetCertificateByVerificationCode(ctx, norm)
	if err != nil {
		return model.Certificate{}, fmt.Errorf("verification code %s: %w", norm, err)
	}
	return *cert, nil
}

// ListByUser returns a learner's certificates, newest first.
func (l *Lifecycle) ListByUser(ctx context.Context, userID string) ([]model.Certificate, error) {
	return l.store.ListCertificatesByUser(ctx, userID)
}

// ListByStatus returns certificates in status, oldest first. Admin queues use it.
func (l *Lifecycle) ListByStatus(ctx context.Context, status model.CertificateStatus, limit int) ([]model.Certificate, error) {
	return l.store.ListCertificatesByStatus(ctx, status, limit)
}

// Deliveries returns the delivery attempts of a certificate in attempt order.
func (l *Lifecycle) Deliveries(ctx context.Context, id string) ([]model.DeliveryResult, error) {
	return l.store.ListDeliveries(ctx, id)
}
