package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"doc-intake-go/internal/config"
)

const sendAttempts = 3

var (
	ackSubject = template.Must(template.New("ack-subject").Parse(`Received: {{.Ref.Filename}}`))
	ackBody    = template.Must(template.New("ack-body").Parse(`Hello,

we received "{{.Ref.Filename}}" from your message "{{.Ref.Subject}}" and recorded it as {{.Ref.RecordRef}}.

This is an automated message.
`))
	errorSubject = template.Must(template.New("error-subject").Parse(`Document needs review: {{.Ref.Filename}}`))
	errorBody    = template.Must(template.New("error-body").Parse(`A document could not be extracted after all retries.

Document:  {{.Ref.ID}}
Account:   {{.Ref.AccountID}}
File:      {{.Ref.Filename}}
Sender:    {{.Ref.SenderEmail}}
Subject:   {{.Ref.Subject}}

Reason:
{{.Detail}}

The raw AI response and the attachment are kept for review.
`))
)

// GmailNotifier sends fixed-template e-mails through the Gmail API: an
// acknowledgement to the sender after materialization and an error report to
// the reviewer after an unrecoverable extraction failure.
type GmailNotifier struct {
	service     *gmail.Service
	userEmail   string
	reviewer    string
	acknowledge bool
	retryWait   time.Duration
}

// OAuthConfig returns the OAuth client used to send notification mail
func OAuthConfig(cfg config.NotifyConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		Scopes:       []string{gmail.GmailSendScope},
		Endpoint:     google.Endpoint,
	}
}

// NewGmailNotifier creates a new GmailNotifier authorised with the refresh token
func NewGmailNotifier(ctx context.Context, cfg config.NotifyConfig) (*GmailNotifier, error) {
	tokenSource := OAuthConfig(cfg).TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.GmailRefreshToken})

	service, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return NewGmailNotifierWithService(service, cfg), nil
}

// NewGmailNotifierWithService creates a new GmailNotifier on an existing service
func NewGmailNotifierWithService(service *gmail.Service, cfg config.NotifyConfig) *GmailNotifier {
	user := cfg.GmailUserEmail
	if user == "" {
		user = "me"
	}
	return &GmailNotifier{
		service:     service,
		userEmail:   user,
		reviewer:    cfg.ReviewerEmail,
		acknowledge: cfg.AcknowledgeSender,
		retryWait:   time.Second,
	}
}

// Notify implements Notifier
func (g *GmailNotifier) Notify(ctx context.Context, event EventType, ref DocumentRef, detail string) error {
	var (
		to            string
		subject, body *template.Template
	)
	switch event {
	case EventMaterialized:
		if !g.acknowledge || ref.SenderEmail == "" {
			return nil
		}
		to, subject, body = ref.SenderEmail, ackSubject, ackBody
	case EventExtractionFailed:
		if g.reviewer == "" {
			return nil
		}
		to, subject, body = g.reviewer, errorSubject, errorBody
	default:
		return nil
	}

	data := struct {
		Ref    DocumentRef
		Detail string
	}{ref, detail}

	subjectText, err := render(subject, data)
	if err != nil {
		return err
	}
	bodyText, err := render(body, data)
	if err != nil {
		return err
	}

	raw, err := BuildMessage(g.userEmail, to, subjectText, bodyText, time.Now())
	if err != nil {
		return fmt.Errorf("failed to build %s e-mail: %w", event, err)
	}
	return g.send(ctx, raw, to)
}

func (g *GmailNotifier) send(ctx context.Context, raw []byte, to string) error {
	message := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}

	var lastErr error
	for attempt := 1; attempt <= sendAttempts; attempt++ {
		_, err := g.service.Users.Messages.Send(g.userEmail, message).Context(ctx).Do()
		if err == nil {
			logrus.WithField("to", to).Info("Notification e-mail sent")
			return nil
		}
		lastErr = err
		if !retryable(err) || attempt == sendAttempts {
			break
		}

		wait := time.Duration(attempt*attempt) * g.retryWait
		logrus.WithError(err).Warnf("Failed to send notification (attempt %d/%d), retrying in %v", attempt, sendAttempts, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed to send notification to %s: %w", to, lastErr)
}

func retryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	return false
}

func render(t *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// BuildMessage returns a plain-text RFC 5322 message
func BuildMessage(from, to, subject, body string, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(strings.TrimSpace(subject))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
