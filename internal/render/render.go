// Package render draws certificate artwork as PNG images.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"strings"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"

	"github.com/skillvergence/skillvergence-cert-go/internal/model"
)

const (
	width  = 1600
	height = 1131 // A4 landscape ratio
)

var (
	paper  = color.NRGBA{R: 0xFB, G: 0xF8, B: 0xF1, A: 0xFF}
	ink    = color.NRGBA{R: 0x1B, G: 0x26, B: 0x3B, A: 0xFF}
	accent = color.NRGBA{R: 0x00, G: 0x9E, B: 0x7A, A: 0xFF}
	muted  = color.NRGBA{R: 0x6B, G: 0x72, B: 0x80, A: 0xFF}
)

// Renderer draws certificates. Without a TrueType font it falls back to gg's built-in bitmap face.
type Renderer struct {
	title, name, body, small font.Face
}

// NewRenderer loads fontPath at the sizes the layout needs. An empty path selects the fallback face.
func NewRenderer(fontPath string) (*Renderer, error) {
	r := &Renderer{}
	if strings.TrimSpace(fontPath) == "" {
		return r, nil
	}
	faces := []struct {
		dst    *font.Face
		points float64
	}{
		{&r.title, 64},
		{&r.name, 56},
		{&r.body, 30},
		{&r.small, 22},
	}
	for _, f := range faces {
		face, err := gg.LoadFontFace(fontPath, f.points)
		if err != nil {
			return nil, fmt.Errorf("load certificate font %s: %w", fontPath, err)
		}
		*f.dst = face
	}
	return r, nil
}

func (r *Renderer) use(dc *gg.Context, face font.Face) {
	if face != nil {
		dc.SetFontFace(face)
	}
}

// Filename is the artifact name used for attachments and archive keys.
func Filename(cert model.Certificate) string {
	return cert.CertificateNumber + ".png"
}

// Render returns the PNG artwork for cert.
func (r *Renderer) Render(cert model.Certificate) ([]byte, error) {
	dc := gg.NewContext(width, height)
	cx := float64(width) / 2

	dc.SetColor(paper)
	dc.Clear()

	// Double frame
	dc.SetColor(accent)
	dc.SetLineWidth(12)
	dc.DrawRectangle(40, 40, width-80, height-80)
	dc.Stroke()
	dc.SetColor(ink)
	dc.SetLineWidth(2)
	dc.DrawRectangle(70, 70, width-140, height-140)
	dc.Stroke()

	dc.SetColor(ink)
	r.use(dc, r.title)
	dc.DrawStringAnchored("CERTIFICATE OF COMPLETION", cx, 230, 0.5, 0.5)

	dc.SetColor(muted)
	r.use(dc, r.body)
	dc.DrawStringAnchored("This certifies that", cx, 360, 0.5, 0.5)

	dc.SetColor(ink)
	r.use(dc, r.name)
	name := cert.RecipientName
	if name == "" {
		name = cert.UserID
	}
	dc.DrawStringAnchored(name, cx, 450, 0.5, 0.5)

	dc.SetColor(accent)
	dc.SetLineWidth(3)
	dc.DrawLine(cx-420, 500, cx+420, 500)
	dc.Stroke()

	dc.SetColor(muted)
	r.use(dc, r.body)
	dc.DrawStringAnchored("has successfully completed", cx, 570, 0.5, 0.5)

	dc.SetColor(ink)
	title := cert.CourseTitle
	if title == "" {
		title = "Course " + cert.CourseID
	}
	dc.DrawStringWrapped(title, cx, 650, 0.5, 0.5, width-400, 1.4, gg.AlignCenter)

	r.use(dc, r.body)
	dc.DrawStringAnchored(fmt.Sprintf("Skill level: %s   Score: %.1f%%", strings.ToUpper(cert.SkillLevel), cert.FinalScore), cx, 760, 0.5, 0.5)

	issued := cert.CompletionDate
	if cert.IssuedDate != nil {
		issued = *cert.IssuedDate
	}
	dc.SetColor(muted)
	r.use(dc, r.small)
	dc.DrawStringAnchored("Issued "+issued.Format("January 2, 2006"), cx, 880, 0.5, 0.5)
	dc.DrawStringAnchored("Certificate No. "+cert.CertificateNumber, 160, 1000, 0, 0.5)
	dc.DrawStringAnchored("Verify: "+cert.CredentialVerificationCode, width-160, 1000, 1, 0.5)

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}
