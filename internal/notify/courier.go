// Package notify delivers issued certificates: it renders the artwork, archives it and emails the learner.
package notify

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/skillvergence/skillvergence-cert-go/internal/media"
	"github.com/skillvergence/skillvergence-cert-go/internal/model"
	"github.com/skillvergence/skillvergence-cert-go/internal/render"
)

// Renderer produces certificate artwork.
type Renderer interface {
	Render(cert model.Certificate) ([]byte, error)
}

// Archive stores artwork and hands out download links.
type Archive interface {
	Put(ctx context.Context, key, contentType string, body []byte) error
	Exists(ctx context.Context, key string) (bool, int64, error)
	DownloadURL(ctx context.Context, key string, expires time.Duration) (string, error)
}

// Courier implements the certificate notify collaborator.
// Archive and mailer are both optional; with neither configured every delivery is skipped.
type Courier struct {
	renderer Renderer
	archive  Archive
	mailer   Mailer
	linkTTL  time.Duration
}

// Option configures a Courier.
type Option func(*Courier)

// WithArchive stores artwork in a.
func WithArchive(a Archive) Option { return func(c *Courier) { c.archive = a } }

// WithMailer emails the learner through m.
func WithMailer(m Mailer) Option { return func(c *Courier) { c.mailer = m } }

// WithLinkTTL sets how long emailed download links stay valid.
func WithLinkTTL(d time.Duration) Option { return func(c *Courier) { c.linkTTL = d } }

// NewCourier returns a Courier drawing with r.
func NewCourier(r Renderer, opts ...Option) *Courier {
	c := &Courier{renderer: r, linkTTL: 7 * 24 * time.Hour}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send renders, archives and mails cert. The result carries the artifact location even when
// mailing fails afterwards, so a resend can reuse it.
func (c *Courier) Send(ctx context.Context, cert model.Certificate) (model.DeliveryResult, error) {
	if c.archive == nil && c.mailer == nil {
		return model.DeliveryResult{Status: model.DeliverySkipped}, nil
	}

	png, err := c.renderer.Render(cert)
	if err != nil {
		return model.DeliveryResult{}, fmt.Errorf("render certificate: %w", err)
	}

	var res model.DeliveryResult
	if c.archive != nil {
		key := media.ArtifactKey(cert.CertificateNumber)
		exists, _, err := c.archive.Exists(ctx, key)
		if err != nil {
			return res, err
		}
		if !exists {
			if err := c.archive.Put(ctx, key, "image/png", png); err != nil {
				return res, err
			}
		}
		res.ArtifactKey = key
		url, err := c.archive.DownloadURL(ctx, key, c.linkTTL)
		if err != nil {
			return res, err
		}
		res.ArtifactURL = url
	}

	if c.mailer != nil {
		if err := c.mailer.Send(ctx, c.message(cert, png, res.ArtifactURL)); err != nil {
			return res, err
		}
	}

	res.Status = model.DeliveryDelivered
	return res, nil
}

func (c *Courier) message(cert model.Certificate, png []byte, link string) Message {
	name := cert.RecipientName
	if name == "" {
		name = "there"
	}
	text := fmt.Sprintf("Hi %s,\n\nYour Skillvergence certificate for %q has been issued.\n\n"+
		"Certificate number: %s\nVerification code: %s\n",
		name, cert.CourseTitle, cert.CertificateNumber, cert.CredentialVerificationCode)
	body := fmt.Sprintf("<p>Hi %s,</p><p>Your Skillvergence certificate for <strong>%s</strong> has been issued.</p>"+
		"<p>Certificate number: %s<br>Verification code: <code>%s</code></p>",
		html.EscapeString(name), html.EscapeString(cert.CourseTitle),
		html.EscapeString(cert.CertificateNumber), html.EscapeString(cert.CredentialVerificationCode))
	if link != "" {
		text += "\nDownload: " + link + "\n"
		body += fmt.Sprintf(`<p><a href="%s">Download your certificate</a></p>`, html.EscapeString(link))
	}

	return Message{
		ToName:  cert.RecipientName,
		ToEmail: cert.RecipientEmail,
		Subject: "Your certificate: " + cert.CourseTitle,
		Text:    text,
		HTML:    body,
		Attachments: []Attachment{{
			Filename: render.Filename(cert),
			MIMEType: "image/png",
			Content:  png,
		}},
	}
}
