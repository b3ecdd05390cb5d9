package chat

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/carex-health/carex-server/internal/gemini"
	"github.com/carex-health/carex-server/internal/models"
)

var (
	ErrMessageRequired = errors.New("chat: message is required")
	ErrThreadRequired  = errors.New("chat: threadId is required")
)

// systemPrompt scopes the assistant to general health and wellness topics.
// The regional-language instruction keeps replies in the user's register when
// they write in Hinglish or Marathi-English.
const systemPrompt = `You also understand the hinglish and marathi-english language and respond in same language but in regional language.
You are a helpful AI assistant with knowledge about health and wellness. You can discuss general health topics, provide health information, and answer questions about wellness.

IMPORTANT:
- You provide general information only, not medical advice
- For emergencies, direct users to call emergency services
- Encourage users to consult healthcare professionals for medical concerns
- Be helpful, clear, and friendly in your responses
- Focus on health and wellness topics when possible

Keep responses concise, conversational and helpful.`

// ThreadStore is the persistence surface the orchestrator needs.
type ThreadStore interface {
	GetThread(ctx context.Context, id, owner string) (*models.Thread, error)
	AppendMessage(ctx context.Context, threadID, role, content string) (*models.Message, error)
	TouchThread(ctx context.Context, threadID string) error
}

// ReplyGenerator produces the next assistant turn for a conversation.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, history []gemini.Turn, systemPrompt string) (string, error)
}

// SendResult carries both persisted turns of one exchange.
type SendResult struct {
	UserMessage      models.Message `json:"userMessage"`
	AssistantMessage models.Message `json:"assistantMessage"`
	Response         string         `json:"response"`
}

// Service runs the per-request message pipeline: load and authorise the
// thread, persist the user turn, obtain a reply, persist the assistant turn,
// bump thread recency.
type Service struct {
	store     ThreadStore
	generator ReplyGenerator
	logger    *zap.SugaredLogger
}

func NewService(store ThreadStore, generator ReplyGenerator, logger *zap.SugaredLogger) *Service {
	return &Service{store: store, generator: generator, logger: logger}
}

// SendMessage appends one user turn to the thread and returns it together
// with the paired assistant turn. Once the user turn is persisted the
// assistant turn is always written too, even when the reply degrades to a
// fallback apology.
func (s *Service) SendMessage(ctx context.Context, owner, threadID, text string) (*SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrMessageRequired
	}
	if strings.TrimSpace(threadID) == "" {
		return nil, ErrThreadRequired
	}

	thread, err := s.store.GetThread(ctx, threadID, owner)
	if err != nil {
		return nil, err
	}

	userMessage, err := s.store.AppendMessage(ctx, thread.ID, models.RoleUser, text)
	if err != nil {
		return nil, err
	}

	history := make([]gemini.Turn, 0, len(thread.Messages)+1)
	for _, msg := range thread.Messages {
		history = append(history, gemini.Turn{Role: msg.Role, Content: msg.Content})
	}
	history = append(history, gemini.Turn{Role: models.RoleUser, Content: text})

	reply, err := s.generator.GenerateReply(ctx, history, systemPrompt)
	if err != nil {
		return nil, err
	}

	assistantMessage, err := s.store.AppendMessage(ctx, thread.ID, models.RoleAssistant, reply)
	if err != nil {
		return nil, err
	}

	if err := s.store.TouchThread(ctx, thread.ID); err != nil {
		return nil, err
	}

	return &SendResult{
		UserMessage:      *userMessage,
		AssistantMessage: *assistantMessage,
		Response:         reply,
	}, nil
}
