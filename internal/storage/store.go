// Package storage provides the persistence collaborator of the certification engine
// with in-memory, PostgreSQL and SQLite backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/skillvergence/skillvergence-cert-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned on duplicate keys or a failed status compare-and-swap
)

// Store interface defines the storage operations required by the certification engine.
// Every write is durable when the call returns.
type Store interface {
	// Progress operations, keyed by (userID, videoID)
	GetProgress(ctx context.Context, userID, videoID string) (*model.VideoProgressRecord, error) // ErrNotFound when never started
	PutProgress(ctx context.Context, rec model.VideoProgressRecord) error                         // Upsert; completed is OR-combined with the stored value
	ListProgress(ctx context.Context, userID string) ([]model.VideoProgressRecord, error)         // All records of one learner

	// Certificate operations
	CreateCertificate(ctx context.Context, cert model.Certificate) error                                              // ErrConflict on duplicate id, number or code
	GetCertificate(ctx context.Context, id string) (*model.Certificate, error)                                        // Lookup by id
	GetCertificateByVerificationCode(ctx context.Context, code string) (*model.Certificate, error)                    // Lookup by credential verification code
	ListCertificatesByUser(ctx context.Context, userID string) ([]model.Certificate, error)                           // Newest first
	ListCertificatesByStatus(ctx context.Context, status model.CertificateStatus, limit int) ([]model.Certificate, error) // Oldest first
	// UpdateCertificate writes the mutable fields of cert only if the stored status equals expected.
	// It returns ErrNotFound for an unknown id and ErrConflict when the status has moved on.
	UpdateCertificate(ctx context.Context, cert model.Certificate, expected model.CertificateStatus) error

	// Delivery side channel
	RecordDelivery(ctx context.Context, d model.DeliveryResult) error
	ListDeliveries(ctx context.Context, certificateID string) ([]model.DeliveryResult, error)

	// Redeemed access codes
	MarkCodeUsed(ctx context.Context, code string, usedAt time.Time) (bool, error) // false when the code was already present
	IsCodeUsed(ctx context.Context, code string) (bool, error)

	// Ping checks backend connectivity for readiness probes
	Ping(ctx context.Context) error
}

// DefaultListLimit bounds list queries when the caller passes no limit.
const DefaultListLimit = 100

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultListLimit
	}
	return limit
}

// laterOf returns the later of two timestamps.
func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
