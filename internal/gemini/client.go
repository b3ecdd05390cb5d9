package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/carex-health/carex-server/internal/models"
	"github.com/carex-health/carex-server/internal/utils"
)

const defaultHTTPTimeout = 30 * time.Second

// ErrNotConfigured reports a missing API key. This is an operator error, not
// a transient failure, so it is never masked by a fallback reply.
var ErrNotConfigured = errors.New("gemini: api key not configured")

// fallbackReplies are returned when the generation call cannot complete. The
// chat must never hard-fail visibly just because the model was unreachable.
var fallbackReplies = []string{
	"I'm sorry, I'm having trouble connecting to my knowledge base right now. Could you please repeat your question?",
	"I apologize, but I'm experiencing some technical difficulties. Could we try again in a moment?",
	"I seem to be having trouble processing your request. Could you rephrase your question?",
	"I apologize for the inconvenience, but I'm currently unable to access my medical knowledge database. Please try again shortly.",
}

// Decoding parameters tuned for conversational health information: low
// temperature for consistency, a generous output budget for explanations.
const (
	genTemperature     = 0.3
	genTopK            = 40
	genTopP            = 0.8
	genMaxOutputTokens = 1500
)

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Turn is one entry of a conversation passed to the model.
type Turn struct {
	Role    string
	Content string
}

// Client calls the Google generative language API.
type Client struct {
	endpoint string
	model    string
	apiKey   string
	client   httpDoer
	logger   *zap.SugaredLogger
	pick     func(n int) int
}

func NewClient(cfg utils.GeminiConfig, logger *zap.SugaredLogger) *Client {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = "https://generativelanguage.googleapis.com/v1beta"
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	return &Client{
		endpoint: endpoint,
		model:    model,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		pick:     rand.Intn,
	}
}

// GenerateReply flattens history plus systemPrompt into a single text prompt
// and asks the model for the next assistant turn. The structured conversation
// is deliberately rendered as one long prompt rather than multi-turn content
// blocks; downstream behaviour depends on this shape.
//
// Any transport or API failure degrades to a fallback apology rather than an
// error. Only a missing API key is surfaced, as ErrNotConfigured.
func (c *Client) GenerateReply(ctx context.Context, history []Turn, systemPrompt string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNotConfigured
	}

	prompt := flattenPrompt(history, systemPrompt)

	payload := generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
		SafetySettings: []safetySetting{
			{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
			{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
			{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
			{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_MEDIUM_AND_ABOVE"},
		},
		GenerationConfig: &generationConfig{
			Temperature:     genTemperature,
			TopK:            genTopK,
			TopP:            genTopP,
			MaxOutputTokens: genMaxOutputTokens,
		},
	}

	text, err := c.generate(ctx, payload)
	if err != nil {
		if c.logger != nil {
			c.logger.Warnf("gemini: generate reply failed, using fallback: %v", err)
		}
		return c.fallback(), nil
	}

	if strings.TrimSpace(text) == "" {
		return "I'm sorry, I couldn't generate a response.", nil
	}

	return text, nil
}

// AnalyzeDocument runs a multimodal generation over one document. Unlike
// GenerateReply there is no fallback: intake callers need the failure.
func (c *Client) AnalyzeDocument(ctx context.Context, mimeType, base64Data, systemPrompt string) (string, error) {
	if c.apiKey == "" {
		return "", ErrNotConfigured
	}

	payload := generateRequest{
		Contents: []content{{Parts: []part{{
			InlineData: &inlineData{MimeType: mimeType, Data: base64Data},
		}}}},
		SystemInstruction: &content{Parts: []part{{Text: systemPrompt}}},
	}

	text, err := c.generate(ctx, payload)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("gemini: response contained no analysis text")
	}

	return text, nil
}

func (c *Client) generate(ctx context.Context, payload generateRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("gemini: marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.endpoint, c.model, c.apiKey)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gemini: create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.client.Do(request)
	if err != nil {
		return "", fmt.Errorf("gemini: call api: %w", err)
	}
	defer response.Body.Close()

	respBody, err := io.ReadAll(response.Body)
	if err != nil {
		return "", fmt.Errorf("gemini: read response: %w", err)
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return "", buildAPIError(response.StatusCode, respBody)
	}

	var apiResp generateResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("gemini: decode response: %w", err)
	}

	if len(apiResp.Candidates) == 0 || len(apiResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: response contained no candidates")
	}

	return apiResp.Candidates[0].Content.Parts[0].Text, nil
}

func (c *Client) fallback() string {
	return fallbackReplies[c.pick(len(fallbackReplies))]
}

// FallbackReplies exposes the fixed fallback set for callers that need to
// recognise a degraded reply.
func FallbackReplies() []string {
	return append([]string(nil), fallbackReplies...)
}

// flattenPrompt renders the conversation into a system-instruction block plus
// a plain transcript. System turns in history are folded into the
// instruction; everything else becomes "User:"/"Assistant:" lines separated
// by blank lines.
func flattenPrompt(history []Turn, systemPrompt string) string {
	systemParts := make([]string, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		systemParts = append(systemParts, systemPrompt)
	}

	transcript := make([]string, 0, len(history))
	for _, turn := range history {
		content := strings.TrimSpace(turn.Content)
		if content == "" {
			continue
		}
		if turn.Role == models.RoleSystem {
			systemParts = append(systemParts, content)
			continue
		}

		label := "Assistant"
		if turn.Role == models.RoleUser {
			label = "User"
		}
		transcript = append(transcript, label+": "+content)
	}

	prompt := strings.Join(systemParts, "\n\n") +
		"\n\nConversation:\n" +
		strings.Join(transcript, "\n\n")

	return strings.TrimSpace(prompt)
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	SafetySettings    []safetySetting   `json:"safetySettings,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type safetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type apiError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

type errorEnvelope struct {
	Error *apiError `json:"error,omitempty"`
}

func buildAPIError(statusCode int, body []byte) error {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		message := strings.TrimSpace(envelope.Error.Message)
		if message != "" {
			return fmt.Errorf("gemini: api error (%d): %s", statusCode, message)
		}
	}

	snippet := strings.TrimSpace(string(body))
	if snippet == "" {
		snippet = http.StatusText(statusCode)
	}
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}

	return fmt.Errorf("gemini: api error (%d): %s", statusCode, snippet)
}
