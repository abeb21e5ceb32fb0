package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skillvergence/skillvergence-cert-go/internal/model"
)

// postgres is the PostgreSQL implementation of Store.
// It provides persistent storage for progress records, certificates, deliveries and redeemed codes.
type postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
//
// Returns:
//   - Store: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (Store, error) {
	// Parse the database connection string
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Pool settings
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{db: pool}, nil
}

// postgresSchema is applied on startup; every statement is idempotent.
const postgresSchema = `
		-- Watch progress, one row per learner and video (overwrite-by-id, never deleted)
		CREATE TABLE IF NOT EXISTS video_progress (
		    user_id TEXT NOT NULL,
		    video_id TEXT NOT NULL,
		    course_id TEXT NOT NULL,
		    watched_seconds DOUBLE PRECISION NOT NULL,
		    total_duration_seconds DOUBLE PRECISION NOT NULL,
		    last_position_seconds DOUBLE PRECISION NOT NULL,
		    completed BOOLEAN NOT NULL DEFAULT FALSE,
		    completion_source TEXT NOT NULL DEFAULT '',
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    PRIMARY KEY (user_id, video_id)
		);

		-- Certificates; identity columns are never updated
		CREATE TABLE IF NOT EXISTS certificates (
		    id TEXT PRIMARY KEY,
		    user_id TEXT NOT NULL,
		    course_id TEXT NOT NULL,
		    certificate_type TEXT NOT NULL,
		    skill_level TEXT NOT NULL,
		    completion_date TIMESTAMP WITH TIME ZONE NOT NULL,
		    certificate_number TEXT NOT NULL UNIQUE,
		    credential_verification_code TEXT NOT NULL UNIQUE,
		    recipient_name TEXT NOT NULL,
		    recipient_email TEXT NOT NULL,
		    course_title TEXT NOT NULL,
		    final_score DOUBLE PRECISION NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    status TEXT NOT NULL,
		    admin_notes TEXT NOT NULL DEFAULT '',
		    rejection_reason TEXT NOT NULL DEFAULT '',
		    revocation_reason TEXT NOT NULL DEFAULT '',
		    approved_date TIMESTAMP WITH TIME ZONE,
		    issued_date TIMESTAMP WITH TIME ZONE,
		    revoked_date TIMESTAMP WITH TIME ZONE,
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_certificates_user ON certificates(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_certificates_status ON certificates(status, created_at);
		-- At most one live certificate per learner and course across every replica; rejected ones may be requested again
		CREATE UNIQUE INDEX IF NOT EXISTS idx_certificates_live_course ON certificates(user_id, course_id)
		    WHERE status <> 'rejected';

		-- Notify attempts (append-only side channel)
		CREATE TABLE IF NOT EXISTS certificate_deliveries (
		    id TEXT PRIMARY KEY,
		    certificate_id TEXT NOT NULL REFERENCES certificates(id),
		    status TEXT NOT NULL,
		    artifact_key TEXT NOT NULL DEFAULT '',
		    artifact_url TEXT NOT NULL DEFAULT '',
		    error TEXT NOT NULL DEFAULT '',
		    attempted_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_deliveries_certificate ON certificate_deliveries(certificate_id, attempted_at);

		-- Redeemed access codes
		CREATE TABLE IF NOT EXISTS redeemed_codes (
		    code TEXT PRIMARY KEY,
		    used_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
`

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, postgresSchema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

// Ping checks database connectivity
func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

const progressColumns = `user_id, video_id, course_id, watched_seconds, total_duration_seconds,
	last_position_seconds, completed, completion_source, updated_at`

func scanProgress(row pgx.Row) (*model.VideoProgressRecord, error) {
	var rec model.VideoProgressRecord
	err := row.Scan(&rec.UserID, &rec.VideoID, &rec.CourseID, &rec.WatchedSeconds, &rec.TotalDurationSeconds,
		&rec.LastPositionSeconds, &rec.Completed, &rec.CompletionSource, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetProgress retrieves the progress record of one learner for one video
func (p *postgres) GetProgress(ctx context.Context, userID, videoID string) (*model.VideoProgressRecord, error) {
	query := `SELECT ` + progressColumns + ` FROM video_progress WHERE user_id = $1 AND video_id = $2`
	rec, err := scanProgress(p.db.QueryRow(ctx, query, userID, videoID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get progress: %w", err)
	}
	return rec, nil
}

// PutProgress upserts a progress record.
// completed is OR-combined and updated_at never moves backwards, even with several writers.
func (p *postgres) PutProgress(ctx context.Context, rec model.VideoProgressRecord) error {
	query := `INSERT INTO video_progress (` + progressColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          ON CONFLICT (user_id, video_id) DO UPDATE SET
	              course_id = EXCLUDED.course_id,
	              watched_seconds = EXCLUDED.watched_seconds,
	              total_duration_seconds = EXCLUDED.total_duration_seconds,
	              last_position_seconds = EXCLUDED.last_position_seconds,
	              completed = video_progress.completed OR EXCLUDED.completed,
	              completion_source = CASE WHEN video_progress.completed THEN video_progress.completion_source
	                                       ELSE EXCLUDED.completion_source END,
	              updated_at = GREATEST(video_progress.updated_at, EXCLUDED.updated_at)`

	_, err := p.db.Exec(ctx, query,
		rec.UserID,
		rec.VideoID,
		rec.CourseID,
		rec.WatchedSeconds,
		rec.TotalDurationSeconds,
		rec.LastPositionSeconds,
		rec.Completed,
		rec.CompletionSource,
		rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert progress: %w", err)
	}
	return nil
}

// ListProgress lists every progress record of one learner
func (p *postgres) ListProgress(ctx context.Context, userID string) ([]model.VideoProgressRecord, error) {
	query := `SELECT ` + progressColumns + ` FROM video_progress WHERE user_id = $1 ORDER BY video_id`
	rows, err := p.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	defer rows.Close()

	out := make([]model.VideoProgressRecord, 0)
	for rows.Next() {
		rec, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

const certificateColumns = `id, user_id, course_id, certificate_type, skill_level, completion_date,
	certificate_number, credential_verification_code, recipient_name, recipient_email, course_title,
	final_score, created_at, status, admin_notes, rejection_reason, revocation_reason,
	approved_date, issued_date, revoked_date, updated_at`

func scanCertificate(row pgx.Row) (*model.Certificate, error) {
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

// CreateCertificate inserts a freshly generated certificate
func (p *postgres) CreateCertificate(ctx context.Context, c model.Certificate) error {
	query := `INSERT INTO certificates (` + certificateColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`

	_, err := p.db.Exec(ctx, query,
		c.ID, c.UserID, c.CourseID, c.CertificateType, c.SkillLevel, c.CompletionDate,
		c.CertificateNumber, c.CredentialVerificationCode, c.RecipientName, c.RecipientEmail, c.CourseTitle,
		c.FinalScore, c.CreatedAt, string(c.Status), c.AdminNotes, c.RejectionReason, c.RevocationReason,
		c.ApprovedDate, c.IssuedDate, c.RevokedDate, c.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	return nil
}

// GetCertificate retrieves a certificate by ID
func (p *postgres) GetCertificate(ctx context.Context, id string) (*model.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE id = $1`
	return p.getCertificate(ctx, query, id)
}

// GetCertificateByVerificationCode retrieves a certificate by its credential verification code
func (p *postgres) GetCertificateByVerificationCode(ctx context.Context, code string) (*model.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE credential_verification_code = $1`
	return p.getCertificate(ctx, query, code)
}

func (p *postgres) getCertificate(ctx context.Context, query, arg string) (*model.Certificate, error) {
	cert, err := scanCertificate(p.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}
	return cert, nil
}

// ListCertificatesByUser lists a learner's certificates, newest first
func (p *postgres) ListCertificatesByUser(ctx context.Context, userID string) ([]model.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE user_id = $1 ORDER BY created_at DESC`
	return p.listCertificates(ctx, query, userID)
}

// ListCertificatesByStatus lists certificates in one status, oldest first
func (p *postgres) ListCertificatesByStatus(ctx context.Context, status model.CertificateStatus, limit int) ([]model.Certificate, error) {
	query := `SELECT ` + certificateColumns + ` FROM certificates WHERE status = $1 ORDER BY created_at ASC LIMIT $2`
	return p.listCertificates(ctx, query, string(status), clampLimit(limit))
}

func (p *postgres) listCertificates(ctx context.Context, query string, args ...interface{}) ([]model.Certificate, error) {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list certificates: %w", err)
	}
	defer rows.Close()

	out := make([]model.Certificate, 0)
	for rows.Next() {
		cert, err := scanCertificate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan certificate: %w", err)
		}
		out = append(out, *cert)
	}
	return out, rows.Err()
}

// UpdateCertificate applies a status compare-and-swap on the mutable columns
func (p *postgres) UpdateCertificate(ctx context.Context, c model.Certificate, expected model.CertificateStatus) error {
	query := `UPDATE certificates SET
	              status = $3, admin_notes = $4, rejection_reason = $5, revocation_reason = $6,
	              approved_date = $7, issued_date = $8, revoked_date = $9, updated_at = $10
	          WHERE id = $1 AND status = $2`

	tag, err := p.db.Exec(ctx, query,
		c.ID, string(expected),
		string(c.Status), c.AdminNotes, c.RejectionReason, c.RevocationReason,
		c.ApprovedDate, c.IssuedDate, c.RevokedDate, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update certificate: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a lost race from a missing row
	var exists bool
	if err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM certificates WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check certificate: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// RecordDelivery appends a delivery attempt
func (p *postgres) RecordDelivery(ctx context.Context, d model.DeliveryResult) error {
	query := `INSERT INTO certificate_deliveries (id, certificate_id, status, artifact_key, artifact_url, error, attempted_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := p.db.Exec(ctx, query, d.ID, d.CertificateID, string(d.Status), d.ArtifactKey, d.ArtifactURL, d.Error, d.AttemptedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrNotFound
		}
		return fmt.Errorf("failed to record delivery: %w", err)
	}
	return nil
}

// ListDeliveries lists the delivery attempts of one certificate in order
func (p *postgres) ListDeliveries(ctx context.Context, certificateID string) ([]model.DeliveryResult, error) {
	query := `SELECT id, certificate_id, status, artifact_key, artifact_url, error, attempted_at
	          FROM certificate_deliveries WHERE certificate_id = $1 ORDER BY attempted_at`
	rows, err := p.db.Query(ctx, query, certificateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]model.DeliveryResult, 0)
	for rows.Next() {
		var d model.DeliveryResult
		var status string
		if err := rows.Scan(&d.ID, &d.CertificateID, &status, &d.ArtifactKey, &d.ArtifactURL, &d.Error, &d.AttemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		d.Status = model.DeliveryStatus(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkCodeUsed inserts a redeemed code; false means another redemption got there first
func (p *postgres) MarkCodeUsed(ctx context.Context, code string, usedAt time.Time) (bool, error) {
	tag, err := p.db.Exec(ctx, `INSERT INTO redeemed_codes (code, used_at) VALUES ($1, $2) ON CONFLICT (code) DO NOTHING`, code, usedAt)
	if err != nil {
		return false, fmt.Errorf("failed to mark code used: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// IsCodeUsed reports whether a code has been redeemed
func (p *postgres) IsCodeUsed(ctx context.Context, code string) (bool, error) {
	var exists bool
	if err := p.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM redeemed_codes WHERE code = $1)`, code).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check code: %w", err)
	}
	return exists, nil
}
