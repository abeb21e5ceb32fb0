package server

import (
	"time"

	"github.com/skillvergence/skillvergence-cert-go/internal/access"
	"github.com/skillvergence/skillvergence-cert-go/internal/model"
)

// Presentation is display metadata for a status or result. Clients render it as-is.
type Presentation struct {
	Label string `json:"label"`
	Color string `json:"color"`
	Icon  string `json:"icon"`
}

var statusPresentation = map[model.CertificateStatus]Presentation{
	model.StatusPendingApproval: {Label: "Pending Approval", Color: "orange", Icon: "clock"},
	model.StatusApproved:        {Label: "Approved", Color: "blue", Icon: "checkmark.circle"},
	model.StatusIssued:          {Label: "Issued", Color: "green", Icon: "checkmark.seal"},
	model.StatusRejected:        {Label: "Rejected", Color: "red", Icon: "xmark.circle"},
	model.StatusRevoked:         {Label: "Revoked", Color: "gray", Icon: "slash.circle"},
}

// redemptionPresentation is shown to the learner after a redeem attempt.
var redemptionPresentation = map[access.RedemptionResult]Presentation{
	access.SuccessBasic:      {Label: "Class access unlocked", Color: "green", Icon: "person.3"},
	access.SuccessPremium:    {Label: "Premium access unlocked", Color: "purple", Icon: "star.circle"},
	access.SuccessFriend:     {Label: "Friend access unlocked", Color: "blue", Icon: "person.2"},
	access.SuccessIndividual: {Label: "Individual access unlocked", Color: "green", Icon: "person"},
	access.Invalid:           {Label: "Invalid code", Color: "red", Icon: "exclamationmark.triangle"},
	access.AlreadyUsed:       {Label: "Code already used", Color: "orange", Icon: "exclamationmark.circle"},
}

func presentStatus(s model.CertificateStatus) Presentation {
	if p, ok := statusPresentation[s]; ok {
		return p
	}
	return Presentation{Label: string(s), Color: "gray", Icon: "questionmark.circle"}
}

func presentRedemption(r access.RedemptionResult) Presentation {
	if p, ok := redemptionPresentation[r]; ok {
		return p
	}
	return Presentation{Label: string(r), Color: "gray", Icon: "questionmark.circle"}
}

// certificateView is the certificate as returned to its owner or an admin.
type certificateView struct {
	model.Certificate
	Display    Presentation           `json:"display"`
	Deliveries []model.DeliveryResult `json:"deliveries,omitempty"`
}

// ownerView hides fields only admins see.
func ownerView(c model.Certificate) certificateView {
	c.AdminNotes = ""
	return certificateView{Certificate: c, Display: presentStatus(c.Status)}
}

func adminView(c model.Certificate, deliveries []model.DeliveryResult) certificateView {
	return certificateView{Certificate: c, Display: presentStatus(c.Status), Deliveries: deliveries}
}

// verificationView is the public answer to a credential lookup.
type verificationView struct {
	Valid             bool                    `json:"valid"`
	Status            model.CertificateStatus `json:"status"`
	Display           Presentation            `json:"display"`
	CertificateNumber string                  `json:"certificateNumber"`
	RecipientName     string                  `json:"recipientName"`
	CourseTitle       string                  `json:"courseTitle"`
	SkillLevel        string                  `json:"skillLevel"`
	CompletionDate    time.Time               `json:"completionDate"`
	IssuedDate        *time.Time              `json:"issuedDate,omitempty"`
	RevokedDate       *time.Time              `json:"revokedDate,omitempty"`
}

func publicView(c model.Certificate) verificationView {
	return verificationView{
		Valid:             c.Status == model.StatusIssued,
		Status:            c.Status,
		Display:           presentStatus(c.Status),
		CertificateNumber: c.CertificateNumber,
		RecipientName:     c.RecipientName,
		CourseTitle:       c.CourseTitle,
		SkillLevel:        c.SkillLevel,
		CompletionDate:    c.CompletionDate,
		IssuedDate:        c.IssuedDate,
		RevokedDate:       c.RevokedDate,
	}
}

// redemptionView is the body of a successful redemption.
type redemptionView struct {
	Code    string                  `json:"code"`
	Result  access.RedemptionResult `json:"result"`
	Display Presentation            `json:"display"`
}
