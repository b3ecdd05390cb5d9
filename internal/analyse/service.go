package analyse

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/carex-health/carex-server/internal/db"
)

const maxFileSize = 10 * 1024 * 1024

var (
	ErrMissingFields  = errors.New("analyse: missing required fields")
	ErrFileRequired   = errors.New("analyse: no file provided")
	ErrInvalidFile    = errors.New("analyse: invalid file type")
	ErrFileTooLarge   = errors.New("analyse: file is too large")
	ErrEmptyAnalysis  = errors.New("analyse: empty analysis result")
	ErrNotInitialised = errors.New("analyse: analyzer not initialised")
)

var allowedMimeTypes = map[string]struct{}{
	"image/jpeg":      {},
	"image/png":       {},
	"image/gif":       {},
	"application/pdf": {},
}

const analysisPrompt = `You are an expert medical data analyst. Analyze the provided medical document (image or PDF) and extract all relevant information to create a structured analysis with the following sections:

## AI Health Insights
[Provide key health insights and potential conditions identified from the medical report]

## Advice
[Provide practical advice and recommendations for the patient]

## Detailed Breakdown
[Provide a detailed breakdown of all test results, values, and their significance]

Format your response as clean, readable text with proper headings and bullet points. Do not include any JSON formatting or markdown code blocks.`

// DocumentAnalyzer runs a multimodal generation over one document.
type DocumentAnalyzer interface {
	AnalyzeDocument(ctx context.Context, mimeType, base64Data, systemPrompt string) (string, error)
}

// IntakeRecorder writes the audit record for a processed submission.
type IntakeRecorder interface {
	RecordIntake(ctx context.Context, record db.IntakeRecord) error
}

// Submission carries the appointment contact fields.
type Submission struct {
	Name    string
	Age     string
	Contact string
	Email   string
	Address string
	Pin     string
}

// Document is the uploaded medical file.
type Document struct {
	Filename string
	MimeType string
	Data     []byte
}

// Service runs the intake pipeline: validate, analyse the document, then
// notify the webhook, send the email and write the audit record. The three
// side channels are best-effort; their failures never change the primary
// result.
type Service struct {
	analyzer   DocumentAnalyzer
	mailer     Mailer
	recorder   IntakeRecorder
	webhookURL string
	client     httpDoer
	logger     *zap.SugaredLogger

	// sideTimeout bounds each detached side-channel call.
	sideTimeout time.Duration
}

func NewService(analyzer DocumentAnalyzer, mailer Mailer, recorder IntakeRecorder, webhookURL string, logger *zap.SugaredLogger) *Service {
	return &Service{
		analyzer:    analyzer,
		mailer:      mailer,
		recorder:    recorder,
		webhookURL:  strings.TrimSpace(webhookURL),
		client:      &http.Client{Timeout: 15 * time.Second},
		logger:      logger,
		sideTimeout: 20 * time.Second,
	}
}

// Process validates and analyses one submission. The returned string is the
// structured analysis produced by the model.
func (s *Service) Process(ctx context.Context, sub Submission, doc Document) (string, error) {
	if s.analyzer == nil {
		return "", ErrNotInitialised
	}
	if err := sub.validate(); err != nil {
		return "", err
	}
	if err := doc.validate(); err != nil {
		return "", err
	}

	encoded := base64.StdEncoding.EncodeToString(doc.Data)
	analysis, err := s.analyzer.AnalyzeDocument(ctx, doc.MimeType, encoded, analysisPrompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(analysis) == "" {
		return "", ErrEmptyAnalysis
	}

	// Detached side channels: the caller's response must not block on them
	// or fail because of them. Each runs on its own context so a client
	// disconnect does not cut them short.
	go s.notifyWebhook(sub, analysis)
	go s.sendEmail(sub, analysis)
	go s.recordIntake(sub, analysis)

	return analysis, nil
}

func (sub Submission) validate() error {
	for _, field := range []string{sub.Name, sub.Age, sub.Contact, sub.Email, sub.Address, sub.Pin} {
		if strings.TrimSpace(field) == "" {
			return ErrMissingFields
		}
	}
	return nil
}

func (doc Document) validate() error {
	if len(doc.Data) == 0 {
		return ErrFileRequired
	}
	if _, ok := allowedMimeTypes[doc.MimeType]; !ok {
		return ErrInvalidFile
	}
	if len(doc.Data) > maxFileSize {
		return ErrFileTooLarge
	}
	return nil
}

type webhookPayload struct {
	Name    string `json:"name"`
	Age     string `json:"age"`
	Contact string `json:"contact"`
	Email   string `json:"email"`
	Address string `json:"address"`
	Pin     string `json:"pin"`
	Message string `json:"message"`
}

func (s *Service) notifyWebhook(sub Submission, analysis string) {
	if s.webhookURL == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sideTimeout)
	defer cancel()

	body, err := json.Marshal(webhookPayload{
		Name:    sub.Name,
		Age:     sub.Age,
		Contact: sub.Contact,
		Email:   sub.Email,
		Address: sub.Address,
		Pin:     sub.Pin,
		Message: analysis,
	})
	if err != nil {
		s.warnf("webhook payload marshal failed: %v", err)
		return
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		s.warnf("webhook request failed: %v", err)
		return
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := s.client.Do(request)
	if err != nil {
		s.warnf("webhook notification failed: %v", err)
		return
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		s.warnf("webhook notification failed with status %d", response.StatusCode)
	}
}

func (s *Service) sendEmail(sub Submission, analysis string) {
	if s.mailer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sideTimeout)
	defer cancel()

	subject := fmt.Sprintf("New Blood Report Analysis for: %s", sub.Name)
	body := strings.TrimSpace(fmt.Sprintf(`Patient Details:
- Name: %s
- Age: %s
- Contact: %s
- Email: %s
- Address: %s
- Pin Code: %s

%s`, sub.Name, sub.Age, sub.Contact, sub.Email, sub.Address, sub.Pin, analysis))

	if err := s.mailer.Send(ctx, subject, body); err != nil {
		if errors.Is(err, ErrMailerNotConfigured) {
			s.warnf("email recipient not configured, skipping email")
			return
		}
		s.warnf("failed to send intake email: %v", err)
	}
}

func (s *Service) recordIntake(sub Submission, analysis string) {
	if s.recorder == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sideTimeout)
	defer cancel()

	err := s.recorder.RecordIntake(ctx, db.IntakeRecord{
		Name:        sub.Name,
		Age:         sub.Age,
		Contact:     sub.Contact,
		Email:       sub.Email,
		Address:     sub.Address,
		Pin:         sub.Pin,
		Analysis:    analysis,
		SubmittedAt: time.Now().UTC(),
	})
	if err != nil {
		s.warnf("failed to record intake: %v", err)
	}
}

func (s *Service) warnf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Warnf(format, args...)
	}
}
