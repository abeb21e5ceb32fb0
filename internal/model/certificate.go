package model

import "time"

// CertificateStatus is the lifecycle state of a certificate.
type CertificateStatus string

const (
	StatusPendingApproval CertificateStatus = "pendingApproval"
	StatusApproved        CertificateStatus = "approved"
	StatusIssued          CertificateStatus = "issued"
	StatusRejected        CertificateStatus = "rejected"
	StatusRevoked         CertificateStatus = "revoked"
)

// Valid reports whether s is one of the known statuses.
func (s CertificateStatus) Valid() bool {
	switch s {
	case StatusPendingApproval, StatusApproved, StatusIssued, StatusRejected, StatusRevoked:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s CertificateStatus) Terminal() bool {
	return s == StatusRejected || s == StatusRevoked
}

// Certificate types.
const (
	CertificateTypeCourseCompletion = "courseCompletion"
)

// Certificate is a professional credential for one learner and one course.
// Identity fields are assigned once by generation; only status-related fields change afterwards.
// This corresponds to the certificates table in storage.
type Certificate struct {
	// Immutable identity
	ID                         string    `json:"id" db:"id"`
	UserID                     string    `json:"userId" db:"user_id"`
	CourseID                   string    `json:"courseId" db:"course_id"`
	CertificateType            string    `json:"certificateType" db:"certificate_type"`
	SkillLevel                 string    `json:"skillLevel" db:"skill_level"`
	CompletionDate             time.Time `json:"completionDate" db:"completion_date"`
	CertificateNumber          string    `json:"certificateNumber" db:"certificate_number"`
	CredentialVerificationCode string    `json:"credentialVerificationCode" db:"credential_verification_code"`
	RecipientName              string    `json:"recipientName" db:"recipient_name"`
	RecipientEmail             string    `json:"recipientEmail" db:"recipient_email"`
	CourseTitle                string    `json:"courseTitle" db:"course_title"`
	FinalScore                 float64   `json:"finalScore" db:"final_score"`
	CreatedAt                  time.Time `json:"createdAt" db:"created_at"`

	// Mutable through lifecycle transitions only
	Status           CertificateStatus `json:"status" db:"status"`
	AdminNotes       string            `json:"adminNotes,omitempty" db:"admin_notes"`
	RejectionReason  string            `json:"rejectionReason,omitempty" db:"rejection_reason"`
	RevocationReason string            `json:"revocationReason,omitempty" db:"revocation_reason"`
	ApprovedDate     *time.Time        `json:"approvedDate,omitempty" db:"approved_date"`
	IssuedDate       *time.Time        `json:"issuedDate,omitempty" db:"issued_date"`
	RevokedDate      *time.Time        `json:"revokedDate,omitempty" db:"revoked_date"`
	UpdatedAt        time.Time         `json:"updatedAt" db:"updated_at"`
}

// DeliveryStatus is the outcome of one notify attempt.
type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliverySkipped   DeliveryStatus = "skipped" // No delivery channel configured
)

// DeliveryResult records one attempt to render and send an issued certificate.
// It is reported on a side channel and never changes the certificate status.
// This corresponds to the certificate_deliveries table in storage.
type DeliveryResult struct {
	ID            string         `json:"id" db:"id"`
	CertificateID string         `json:"certificateId" db:"certificate_id"`
	Status        DeliveryStatus `json:"status" db:"status"`
	ArtifactKey   string         `json:"artifactKey,omitempty" db:"artifact_key"`
	ArtifactURL   string         `json:"artifactUrl,omitempty" db:"artifact_url"`
	Error         string         `json:"error,omitempty" db:"error"`
	AttemptedAt   time.Time      `json:"attemptedAt" db:"attempted_at"`
}
