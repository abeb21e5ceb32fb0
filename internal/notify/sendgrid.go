package notify

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Message is one outbound email.
type Message struct {
	ToName      string
	ToEmail     string
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
}

// Attachment is a file carried by a Message.
type Attachment struct {
	Filename string
	MIMEType string
	Content  []byte
}

// Mailer sends email.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// APIError is a non-2xx answer from the mail provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sendgrid http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// SendGridMailer sends mail through the SendGrid v3 API.
type SendGridMailer struct {
	client *sendgrid.Client
	from   *mail.Email
}

// NewSendGridMailer returns a mailer that sends as fromName <fromEmail>.
func NewSendGridMailer(apiKey, fromEmail, fromName string) (*SendGridMailer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing SendGrid API key")
	}
	if strings.TrimSpace(fromEmail) == "" {
		return nil, errors.New("missing sender address")
	}
	return &SendGridMailer{
		client: sendgrid.NewSendClient(apiKey),
		from:   mail.NewEmail(fromName, fromEmail),
	}, nil
}

// Build assembles the SendGrid payload for msg.
func (m *SendGridMailer) Build(msg Message) (*mail.SGMailV3, error) {
	if strings.TrimSpace(msg.ToEmail) == "" {
		return nil, errors.New("recipient email required")
	}
	if msg.Subject == "" {
		return nil, errors.New("subject required")
	}
	if msg.Text == "" && msg.HTML == "" {
		return nil, errors.New("text or HTML content required")
	}

	v3 := mail.NewSingleEmail(m.from, msg.Subject, mail.NewEmail(msg.ToName, msg.ToEmail), msg.Text, msg.HTML)
	for _, a := range msg.Attachments {
		if a.Filename == "" || len(a.Content) == 0 {
			return nil, fmt.Errorf("attachment %q missing name or content", a.Filename)
		}
		att := mail.NewAttachment()
		att.SetFilename(a.Filename)
		att.SetType(a.MIMEType)
		att.SetDisposition("attachment")
		att.SetContent(base64.StdEncoding.EncodeToString(a.Content))
		v3.AddAttachment(att)
	}
	return v3, nil
}

// Send delivers msg. Any non-2xx response is returned as *APIError.
func (m *SendGridMailer) Send(ctx context.Context, msg Message) error {
	v3, err := m.Build(msg)
	if err != nil {
		return err
	}
	resp, err := m.client.SendWithContext(ctx, v3)
	if err != nil {
		return fmt.Errorf("sendgrid send: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: resp.Body}
	}
	return nil
}
