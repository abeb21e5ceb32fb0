// Package event publishes certificate and progress events.
// Events go to NATS JetStream for downstream consumers (mail workers, analytics, audit) and
// to an in-process Hub that callers subscribe to through explicit channels.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/skillvergence/skillvergence-cert-go/internal/model"
)

// Event types carried in EventEnvelope.Type
const (
	TypeCertificateGenerated = "certificate.generated"
	TypeCertificateApproved  = "certificate.approved"
	TypeCertificateRejected  = "certificate.rejected"
	TypeCertificateIssued    = "certificate.issued"
	TypeCertificateRevoked   = "certificate.revoked"
	TypeCertificateDelivery  = "certificate.delivery"
	TypeVideoCompleted       = "video.completed"
)

// Publisher interface defines the event publishing operations required by the engine.
type Publisher interface {
	// PublishCertificate announces a lifecycle change; eventType is one of the certificate.* types
	PublishCertificate(ctx context.Context, eventType string, cert model.Certificate) error

	// PublishDelivery announces the outcome of one notify attempt
	PublishDelivery(ctx context.Context, d model.DeliveryResult) error

	// PublishVideoCompleted announces that a progress record became completed
	PublishVideoCompleted(ctx context.Context, rec model.VideoProgressRecord) error

	// Close closes the publisher connection
	Close() error
}

// EventEnvelope represents the standard event envelope structure.
// All events are wrapped in this envelope for consistency.
type EventEnvelope struct {
	ID            string      `json:"id"`            // Unique event id, also the JetStream dedup id
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Subject       string      `json:"subject"`       // Certificate or video the event is about
	Payload       interface{} `json:"payload"`       // Event-specific data
}

type correlationKey struct{}

// WithCorrelationID attaches a correlation id that envelopes built from ctx will carry.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

func newEnvelope(ctx context.Context, eventType, subject string, payload interface{}) EventEnvelope {
	return EventEnvelope{
		ID:            uuid.New().String(),
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    time.Now().UTC(),
		CorrelationID: correlationID(ctx),
		Subject:       subject,
		Payload:       payload,
	}
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return noop{} }

func (noop) Close() error { return nil }

func (noop) PublishCertificate(ctx context.Context, eventType string, cert model.Certificate) error {
	return nil
}

func (noop) PublishDelivery(ctx context.Context, d model.DeliveryResult) error { return nil }

func (noop) PublishVideoCompleted(ctx context.Context, rec model.VideoProgressRecord) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations
}

// NewNATSPublisher connects to url and prepares the event streams.
// If url is empty or the connection fails, it returns a no-op publisher so the engine keeps working.
func NewNATSPublisher(url string) Publisher {
	if url == "" {
		return noop{}
	}

	nc, err := nats.Connect(url, nats.Name("skillvergence-certd"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return noop{}
	}

	return &natsPub{nc: nc, js: js}
}

// initStreams creates the SKV_CERTIFICATES and SKV_PROGRESS streams.
// Duplicate windows let JetStream drop re-published envelopes with the same MsgId.
func initStreams(js nats.JetStreamContext) error {
	streams := []*nats.StreamConfig{
		{
			Name:       "SKV_CERTIFICATES",
			Subjects:   []string{"skv.certificates.>"},
			Retention:  nats.LimitsPolicy,
			MaxAge:     30 * 24 * time.Hour, // Audit trail for a month
			Discard:    nats.DiscardOld,
			Storage:    nats.FileStorage,
			Duplicates: 2 * time.Minute,
		},
		{
			Name:       "SKV_PROGRESS",
			Subjects:   []string{"skv.progress.>"},
			Retention:  nats.LimitsPolicy,
			MaxAge:     7 * 24 * time.Hour,
			Discard:    nats.DiscardOld,
			Storage:    nats.FileStorage,
			Duplicates: 2 * time.Minute,
		},
	}

	for _, cfg := range streams {
		if _, err := js.AddStream(cfg); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("failed to create %s stream: %w", cfg.Name, err)
		}
	}
	return nil
}

// Close drains and closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		return p.nc.Drain()
	}
	return nil
}

// subjectFor maps an event type to its JetStream subject.
func subjectFor(eventType string) string {
	switch eventType {
	case TypeVideoCompleted:
		return "skv.progress.video_completed"
	case TypeCertificateDelivery:
		return "skv.certificates.delivery"
	default:
		// certificate.<action> -> skv.certificates.<action>
		return "skv.certificates." + eventType[len("certificate."):]
	}
}

func (p *natsPub) publish(ctx context.Context, env EventEnvelope, dedupKey string) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = p.js.Publish(subjectFor(env.Type), b, nats.Context(ctx), nats.MsgId(dedupKey))
	return err
}

// PublishCertificate publishes a certificate lifecycle event.
// The dedup key is certificate id + event type: one transition is one message even if retried.
func (p *natsPub) PublishCertificate(ctx context.Context, eventType string, cert model.Certificate) error {
	env := newEnvelope(ctx, eventType, cert.ID, cert)
	return p.publish(ctx, env, cert.ID+":"+eventType)
}

// PublishDelivery publishes a delivery outcome.
func (p *natsPub) PublishDelivery(ctx context.Context, d model.DeliveryResult) error {
	env := newEnvelope(ctx, TypeCertificateDelivery, d.CertificateID, d)
	return p.publish(ctx, env, d.ID)
}

// PublishVideoCompleted publishes a video completion.
func (p *natsPub) PublishVideoCompleted(ctx context.Context, rec model.VideoProgressRecord) error {
	env := newEnvelope(ctx, TypeVideoCompleted, rec.VideoID, rec)
	return p.publish(ctx, env, rec.UserID+":"+rec.VideoID+":completed")
}
