package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/skillvergence/skillvergence-cert-go/internal/model"
)

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
// Values are copied in and out under the lock so readers never observe a partially written record.
type memory struct {
	mu           sync.RWMutex                          // Protects concurrent access to maps
	progress     map[string]model.VideoProgressRecord  // Map of user|video key to progress record
	certificates map[string]model.Certificate          // Map of certificate ID to certificate
	byCode       map[string]string                     // Map of verification code to certificate ID
	byNumber     map[string]string                     // Map of certificate number to certificate ID
	deliveries   map[string][]model.DeliveryResult     // Map of certificate ID to delivery attempts
	usedCodes    map[string]time.Time                  // Map of redeemed code to redemption time
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		progress:     make(map[string]model.VideoProgressRecord),
		certificates: make(map[string]model.Certificate),
		byCode:       make(map[string]string),
		byNumber:     make(map[string]string),
		deliveries:   make(map[string][]model.DeliveryResult),
		usedCodes:    make(map[string]time.Time),
	}
}

func progressKey(userID, videoID string) string {
	return userID + "|" + videoID
}

func (m *memory) GetProgress(ctx context.Context, userID, videoID string) (*model.VideoProgressRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.progress[progressKey(userID, videoID)]
	if !exists {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *memory) PutProgress(ctx context.Context, rec model.VideoProgressRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := progressKey(rec.UserID, rec.VideoID)
	if prev, exists := m.progress[key]; exists {
		// Same guarantees the SQL backends enforce in their upsert
		if prev.Completed {
			rec.Completed = true
			if rec.CompletionSource == "" {
				rec.CompletionSource = prev.CompletionSource
			}
		}
		rec.UpdatedAt = laterOf(prev.UpdatedAt, rec.UpdatedAt)
	}
	m.progress[key] = rec
	return nil
}

func (m *memory) ListProgress(ctx context.Context, userID string) ([]model.VideoProgressRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.VideoProgressRecord, 0)
	for _, rec := range m.progress {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VideoID < out[j].VideoID })
	return out, nil
}

func (m *memory) CreateCertificate(ctx context.Context, cert model.Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.certificates[cert.ID]; exists {
		return ErrConflict
	}
	if _, exists := m.byCode[cert.CredentialVerificationCode]; exists {
		return ErrConflict
	}
	if _, exists := m.byNumber[cert.CertificateNumber]; exists {
		return ErrConflict
	}

	m.certificates[cert.ID] = cert
	m.byCode[cert.CredentialVerificationCode] = cert.ID
	m.byNumber[cert.CertificateNumber] = cert.ID
	return nil
}

func (m *memory) GetCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cert, exists := m.certificates[id]
	if !exists {
		return nil, ErrNotFound
	}
	return &cert, nil
}

func (m *memory) GetCertificateByVerificationCode(ctx context.Context, code string) (*model.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, exists := m.byCode[code]
	if !exists {
		return nil, ErrNotFound
	}
	cert := m.certificates[id]
	return &cert, nil
}

func (m *memory) ListCertificatesByUser(ctx context.Context, userID string) ([]model.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Certificate, 0)
	for _, cert := range m.certificates {
		if cert.UserID == userID {
			out = append(out, cert)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memory) ListCertificatesByStatus(ctx context.Context, status model.CertificateStatus, limit int) ([]model.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Certificate, 0)
	for _, cert := range m.certificates {
		if cert.Status == status {
			out = append(out, cert)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit = clampLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memory) UpdateCertificate(ctx context.Context, cert model.Certificate, expected model.CertificateStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, exists := m.certificates[cert.ID]
	if !exists {
		return ErrNotFound
	}
	if stored.Status != expected {
		return ErrConflict
	}

	// Only mutable fields are copied; identity stays as generated
	stored.Status = cert.Status
	stored.AdminNotes = cert.AdminNotes
	stored.RejectionReason = cert.RejectionReason
	stored.RevocationReason = cert.RevocationReason
	stored.ApprovedDate = cert.ApprovedDate
	stored.IssuedDate = cert.IssuedDate
	stored.RevokedDate = cert.RevokedDate
	stored.UpdatedAt = cert.UpdatedAt
	m.certificates[cert.ID] = stored
	return nil
}

func (m *memory) RecordDelivery(ctx context.Context, d model.DeliveryResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.certificates[d.CertificateID]; !exists {
		return ErrNotFound
	}
	m.deliveries[d.CertificateID] = append(m.deliveries[d.CertificateID], d)
	return nil
}

func (m *memory) ListDeliveries(ctx context.Context, certificateID string) ([]model.DeliveryResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.DeliveryResult, len(m.deliveries[certificateID]))
	copy(out, m.deliveries[certificateID])
	return out, nil
}

func (m *memory) MarkCodeUsed(ctx context.Context, code string, usedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.usedCodes[code]; exists {
		return false, nil
	}
	m.usedCodes[code] = usedAt
	return true, nil
}

func (m *memory) IsCodeUsed(ctx context.Context, code string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.usedCodes[code]
	return exists, nil
}

func (m *memory) Ping(ctx context.Context) error { return nil }
