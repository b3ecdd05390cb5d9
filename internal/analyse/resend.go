package analyse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const resendEndpoint = "https://api.resend.com/emails"

// ErrMailerNotConfigured reports a missing Resend API key or recipient.
var ErrMailerNotConfigured = errors.New("analyse: email service not configured")

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Mailer delivers the intake notification email.
type Mailer interface {
	Send(ctx context.Context, subject, text string) error
}

// ResendMailer sends plain-text email through the Resend HTTP API.
type ResendMailer struct {
	endpoint string
	apiKey   string
	from     string
	to       string
	client   httpDoer
}

func NewResendMailer(apiKey, from, to string) *ResendMailer {
	return &ResendMailer{
		endpoint: resendEndpoint,
		apiKey:   strings.TrimSpace(apiKey),
		from:     from,
		to:       strings.TrimSpace(to),
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

func (m *ResendMailer) Send(ctx context.Context, subject, text string) error {
	if m.apiKey == "" || m.to == "" {
		return ErrMailerNotConfigured
	}

	body, err := json.Marshal(resendRequest{
		From:    m.from,
		To:      []string{m.to},
		Subject: subject,
		Text:    text,
	})
	if err != nil {
		return fmt.Errorf("analyse: marshal email: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("analyse: create email request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+m.apiKey)
	request.Header.Set("Content-Type", "application/json")

	response, err := m.client.Do(request)
	if err != nil {
		return fmt.Errorf("analyse: send email: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 256))
		return fmt.Errorf("analyse: email api error (%d): %s", response.StatusCode, strings.TrimSpace(string(snippet)))
	}

	return nil
}
