package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/skillvergence/skillvergence-cert-go/internal/model"
)

// sqliteStore is the SQLite implementation of Store for single-node and on-device deployments.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite database at path and initializes the schema.
// WAL mode and foreign keys are enabled; a single connection serializes writers.
func NewSQLite(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	// Synchronous writes so a returned upsert survives a crash.
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}

	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := initSQLiteSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS video_progress (
			user_id TEXT NOT NULL,
			video_id TEXT NOT NULL,
			course_id TEXT NOT NULL,
			watched_seconds REAL NOT NULL,
			total_duration_seconds REAL NOT NULL,
			last_position_seconds REAL NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			completion_source TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, video_id)
		);

		CREATE TABLE IF NOT EXISTS certificates (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			course_id TEXT NOT NULL,
			certificate_type TEXT NOT NULL,
			skill_level TEXT NOT NULL,
			completion_date DATETIME NOT NULL,
			certificate_number TEXT NOT NULL UNIQUE,
			credential_verification_code TEXT NOT NULL UNIQUE,
			recipient_name TEXT NOT NULL,
			recipient_email TEXT NOT NULL,
			course_title TEXT NOT NULL,
			final_score REAL NOT NULL,
			created_at DATETIME NOT NULL,
			status TEXT NOT NULL,
			admin_notes TEXT NOT NULL DEFAULT '',
			rejection_reason TEXT NOT NULL DEFAULT '',
			revocation_reason TEXT NOT NULL DEFAULT '',
			approved_date DATETIME,
			issued_date DATETIME,
			revoked_date DATETIME,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_certificates_user ON certificates(user_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_certificates_status ON certificates(status, created_at);

		CREATE TABLE IF NOT EXISTS certificate_deliveries (
			id TEXT PRIMARY KEY,
			certificate_id TEXT NOT NULL REFERENCES certificates(id),
			status TEXT NOT NULL,
			artifact_key TEXT NOT NULL DEFAULT '',
			artifact_url TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			attempted_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS redeemed_codes (
			code TEXT PRIMARY KEY,
			used_at DATETIME NOT NULL
		);
	`)
	return err
}

// Close closes the underlying database handle.
func (s *sqliteStore) Close() {
	s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func (s *sqliteStore) GetProgress(ctx context.Context, userID, videoID string) (*model.VideoProgressRecord, error) {
	var rec model.VideoProgressRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT `+progressColumns+` FROM video_progress WHERE user_id = ? AND video_id = ?`, userID, videoID,
	).Scan(&rec.UserID, &rec.VideoID, &rec.CourseID, &rec.WatchedSeconds, &rec.TotalDurationSeconds,
		&rec.LastPositionSeconds, &rec.Completed, &rec.CompletionSource, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return &rec, nil
}

func (s *sqliteStore) PutProgress(ctx context.Context, rec model.VideoProgressRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO video_progress (`+progressColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, video_id) DO UPDATE SET
		     course_id = excluded.course_id,
		     watched_seconds = excluded.watched_seconds,
		     total_duration_seconds = excluded.total_duration_seconds,
		     last_position_seconds = excluded.last_position_seconds,
		     completed = MAX(video_progress.completed, excluded.completed),
		     completion_source = CASE WHEN video_progress.completed = 1 THEN video_progress.completion_source
		                              ELSE excluded.completion_source END,
		     updated_at = MAX(video_progress.updated_at, excluded.updated_at)`,
		rec.UserID, rec.VideoID, rec.CourseID, rec.WatchedSeconds, rec.TotalDurationSeconds,
		rec.LastPositionSeconds, rec.Completed, rec.CompletionSource, rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert progress: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListProgress(ctx context.Context, userID string) ([]model.VideoProgressRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+progressColumns+` FROM video_progress WHERE user_id = ? ORDER BY video_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list progress: %w", err)
	}
	defer rows.Close()

	out := make([]model.VideoProgressRecord, 0)
	for rows.Next() {
		var rec model.VideoProgressRecord
		if err := rows.Scan(&rec.UserID, &rec.VideoID, &rec.CourseID, &rec.WatchedSeconds, &rec.TotalDurationSeconds,
			&rec.LastPositionSeconds, &rec.Completed, &rec.CompletionSource, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCertificate(row rowScanner) (*model.Certificate, error) {
	var c model.Certificate
	var status string
	err := row.Scan(&c.ID, &c.UserID, &c.CourseID, &c.CertificateType, &c.SkillLevel, &c.CompletionDate,
		&c.CertificateNumber, &c.CredentialVerificationCode, &c.RecipientName, &c.RecipientEmail, &c.CourseTitle,
		&c.FinalScore, &c.CreatedAt, &status, &c.AdminNotes, &c.RejectionReason, &c.RevocationReason,
		&c.ApprovedDate, &c.IssuedDate, &c.RevokedDate, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = model.CertificateStatus(status)
	return &c, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (s *sqliteStore) CreateCertificate(ctx context.Context, c model.Certificate) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO certificates (`+certificateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.CourseID, c.CertificateType, c.SkillLevel, c.CompletionDate.UTC(),
		c.CertificateNumber, c.CredentialVerificationCode, c.RecipientName, c.RecipientEmail, c.CourseTitle,
		c.FinalScore, c.CreatedAt.UTC(), string(c.Status), c.AdminNotes, c.RejectionReason, c.RevocationReason,
		utcPtr(c.ApprovedDate), utcPtr(c.IssuedDate), utcPtr(c.RevokedDate), c.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert certificate: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	return s.getCertificate(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE id = ?`, id)
}

func (s *sqliteStore) GetCertificateByVerificationCode(ctx context.Context, code string) (*model.Certificate, error) {
	return s.getCertificate(ctx, `SELECT `+certificateColumns+` FROM certificates WHERE credential_verification_code = ?`, code)
}

func (s *sqliteStore) getCertificate(ctx context.Context, query, arg string) (*model.Certificate, error) {
	cert, err := scanSQLiteCertificate(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get certificate: %w", err)
	}
	return cert, nil
}

func (s *sqliteStore) ListCertificatesByUser(ctx context.Context, userID string) ([]model.Certificate, error) {
	return s.listCertificates(ctx,
		`SELECT `+certificateColumns+` FROM certificates WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (s *sqliteStore) ListCertificatesByStatus(ctx context.Context, status model.CertificateStatus, limit int) ([]model.Certificate, error) {
	return s.listCertificates(ctx,
		`SELECT `+certificateColumns+` FROM certificates WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		string(status), clampLimit(limit))
}

func (s *sqliteStore) listCertificates(ctx context.Context, query string, args ...any) ([]model.Certificate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	defer rows.Close()

	out := make([]model.Certificate, 0)
	for rows.Next() {
		cert, err := scanSQLiteCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan certificate: %w", err)
		}
		out = append(out, *cert)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateCertificate(ctx context.Context, c model.Certificate, expected model.CertificateStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE certificates SET
		     status = ?, admin_notes = ?, rejection_reason = ?, revocation_reason = ?,
		     approved_date = ?, issued_date = ?, revoked_date = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(c.Status), c.AdminNotes, c.RejectionReason, c.RevocationReason,
		utcPtr(c.ApprovedDate), utcPtr(c.IssuedDate), utcPtr(c.RevokedDate), c.UpdatedAt.UTC(),
		c.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update certificate: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update certificate rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM certificates WHERE id = ?`, c.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check certificate: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *sqliteStore) RecordDelivery(ctx context.Context, d model.DeliveryResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO certificate_deliveries (id, certificate_id, status, artifact_key, artifact_url, error, attempted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.CertificateID, string(d.Status), d.ArtifactKey, d.ArtifactURL, d.Error, d.AttemptedAt.UTC(),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (s *sqliteStore) ListDeliveries(ctx context.Context, certificateID string) ([]model.DeliveryResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, certificate_id, status, artifact_key, artifact_url, error, attempted_at
		 FROM certificate_deliveries WHERE certificate_id = ? ORDER BY attempted_at`, certificateID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]model.DeliveryResult, 0)
	for rows.Next() {
		var d model.DeliveryResult
		var status string
		if err := rows.Scan(&d.ID, &d.CertificateID, &status, &d.ArtifactKey, &d.ArtifactURL, &d.Error, &d.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		d.Status = model.DeliveryStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkCodeUsed(ctx context.Context, code string, usedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO redeemed_codes (code, used_at) VALUES (?, ?) ON CONFLICT (code) DO NOTHING`, code, usedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("mark code used: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark code used rows: %w", err)
	}
	return n == 1, nil
}

func (s *sqliteStore) IsCodeUsed(ctx context.Context, code string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM redeemed_codes WHERE code = ?`, code).Scan(&n); err != nil {
		return false, fmt.Errorf("check code: %w", err)
	}
	return n > 0, nil
}
