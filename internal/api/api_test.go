package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/carex-health/carex-server/internal/auth"
	"github.com/carex-health/carex-server/internal/chat"
	"github.com/carex-health/carex-server/internal/db"
	"github.com/carex-health/carex-server/internal/gemini"
	"github.com/carex-health/carex-server/internal/models"
)

// memThreads is an in-memory double for the postgres thread store.
type memThreads struct {
	threads map[string]*models.Thread
}

func newMemThreads() *memThreads {
	return &memThreads{threads: make(map[string]*models.Thread)}
}

func (m *memThreads) CreateThread(_ context.Context, owner, title string) (*models.Thread, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New Consultation"
	}
	now := time.Now().UTC()
	thread := &models.Thread{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedBy: owner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.threads[thread.ID] = thread
	return thread, nil
}

func (m *memThreads) GetThread(_ context.Context, id, owner string) (*models.Thread, error) {
	thread, ok := m.threads[id]
	if !ok || thread.CreatedBy != owner {
		return nil, db.ErrThreadNotFound
	}
	copied := *thread
	copied.Messages = append([]models.Message(nil), thread.Messages...)
	sort.Slice(copied.Messages, func(i, j int) bool {
		return copied.Messages[i].CreatedAt.Before(copied.Messages[j].CreatedAt)
	})
	return &copied, nil
}

func (m *memThreads) ListThreads(_ context.Context, owner string) ([]models.Thread, error) {
	result := make([]models.Thread, 0)
	for _, thread := range m.threads {
		if thread.CreatedBy != owner {
			continue
		}
		copied := *thread
		if n := len(thread.Messages); n > 0 {
			copied.Messages = []models.Message{thread.Messages[n-1]}
		} else {
			copied.Messages = nil
		}
		result = append(result, copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (m *memThreads) AppendMessage(_ context.Context, threadID, role, content string) (*models.Message, error) {
	thread, ok := m.threads[threadID]
	if !ok {
		return nil, db.ErrThreadNotFound
	}
	msg := models.Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC().Add(time.Duration(len(thread.Messages)) * time.Microsecond),
	}
	thread.Messages = append(thread.Messages, msg)
	return &msg, nil
}

func (m *memThreads) TouchThread(_ context.Context, threadID string) error {
	if thread, ok := m.threads[threadID]; ok {
		thread.UpdatedAt = time.Now().UTC().Add(time.Microsecond)
	}
	return nil
}

func (m *memThreads) DeleteThread(_ context.Context, id, owner string) error {
	if thread, ok := m.threads[id]; ok && thread.CreatedBy == owner {
		delete(m.threads, id)
	}
	return nil
}

type memUsers struct {
	users map[string]*models.User
}

func (m *memUsers) CreateUser(_ context.Context, user *models.User) error {
	copied := *user
	m.users[user.ID] = &copied
	return nil
}

func (m *memUsers) FindUserByIdentifier(_ context.Context, identifier string) (*models.User, error) {
	key := strings.ToLower(strings.TrimSpace(identifier))
	for _, user := range m.users {
		if strings.ToLower(user.Username) == key || strings.ToLower(user.Email) == key {
			copied := *user
			return &copied, nil
		}
	}
	return nil, db.ErrUserNotFound
}

func (m *memUsers) TouchUser(_ context.Context, _ string) error { return nil }

type stubGenerator struct {
	reply string
	calls [][]gemini.Turn
}

func (s *stubGenerator) GenerateReply(_ context.Context, history []gemini.Turn, _ string) (string, error) {
	s.calls = append(s.calls, append([]gemini.Turn(nil), history...))
	if s.reply == "" {
		return "General wellness info only.", nil
	}
	return s.reply, nil
}

type testEnv struct {
	router    *gin.Engine
	store     *memThreads
	generator *stubGenerator
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	authService, err := auth.NewService("test-secret", time.Hour, &memUsers{users: make(map[string]*models.User)})
	if err != nil {
		t.Fatalf("failed to create auth service: %v", err)
	}

	store := newMemThreads()
	generator := &stubGenerator{}
	chatService := chat.NewService(store, generator, nil)

	handler := NewHandler(authService, store, chatService, nil, nil)
	router := gin.New()
	handler.RegisterRoutes(router)

	return &testEnv{router: router, store: store, generator: generator}
}

func registerUser(t *testing.T, env *testEnv, username, email string) string {
	t.Helper()

	rec := httptest.NewRecorder()
	req := newJSONRequest(t, http.MethodPost, "/api/auth/register", map[string]string{
		"username": username,
		"email":    email,
		"password": "secret123",
	})
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 registering %s, got %d: %s", username, rec.Code, rec.Body.String())
	}

	var resp map[string]any
	decodeBody(t, rec.Body.Bytes(), &resp)
	token, _ := resp["token"].(string)
	if token == "" {
		t.Fatalf("expected token in registration response")
	}
	return token
}

func createThread(t *testing.T, env *testEnv, token, title string) models.Thread {
	t.Helper()

	rec := httptest.NewRecorder()
	req := newJSONRequest(t, http.MethodPost, "/api/chatbot/threads", map[string]string{"title": title})
	req.Header.Set("Authorization", "Bearer "+token)
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 creating thread, got %d: %s", rec.Code, rec.Body.String())
	}

	var thread models.Thread
	decodeBody(t, rec.Body.Bytes(), &thread)
	if thread.ID == "" {
		t.Fatalf("expected created thread to carry an id")
	}
	return thread
}

func TestChatbotRequiresAuth(t *testing.T) {
	env := setupTestRouter(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/chatbot"},
		{http.MethodPost, "/api/chatbot"},
		{http.MethodPost, "/api/chatbot/threads"},
		{http.MethodDelete, "/api/chatbot/threads?threadId=x"},
	}

	for _, tc := range paths {
		rec := httptest.NewRecorder()
		req := newJSONRequest(t, tc.method, tc.path, map[string]string{})
		env.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestCreateThreadDefaultsTitle(t *testing.T) {
	env := setupTestRouter(t)
	token := registerUser(t, env, "alice", "alice@example.com")

	thread := createThread(t, env, token, "")
	if thread.Title != "New Consultation" {
		t.Fatalf("expected default title, got %q", thread.Title)
	}
	if thread.CreatedBy != "alice@example.com" {
		t.Fatalf("expected owner set from token identity, got %q", thread.CreatedBy)
	}
}

func TestSendMessageScenario(t *testing.T) {
	env := setupTestRouter(t)
	token := registerUser(t, env, "alice", "alice@example.com")
	thread := createThread(t, env, token, "Allergy questions")
	createdAt := thread.UpdatedAt

	rec := httptest.NewRecorder()
	req := newJSONRequest(t, http.MethodPost, "/api/chatbot", map[string]string{
		"message":  "Hello",
		"threadId": thread.ID,
	})
	req.Header.Set("Authorization", "Bearer "+token)
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result chat.SendResult
	decodeBody(t, rec.Body.Bytes(), &result)
	if result.UserMessage.Content != "Hello" {
		t.Fatalf("expected userMessage content 'Hello', got %q", result.UserMessage.Content)
	}
	if strings.TrimSpace(result.AssistantMessage.Content) == "" {
		t.Fatalf("expected non-empty assistant message")
	}
	if result.Response != result.AssistantMessage.Content {
		t.Fatalf("expected response to mirror assistant message")
	}

	stored := env.store.threads[thread.ID]
	if len(stored.Messages) != 2 {
		t.Fatalf("expected 2 persisted messages, got %d", len(stored.Messages))
	}
	if !stored.UpdatedAt.After(createdAt) {
		t.Fatalf("expected thread updatedAt to refresh")
	}
}

func TestSendMessageMissingThreadID(t *testing.T) {
	env := setupTestRouter(t)
	token := registerUser(t, env, "alice", "alice@example.com")
	thread := createThread(t, env, token, "")

	rec := httptest.NewRecorder()
	req := newJSONRequest(t, http.MethodPost, "/api/chatbot", map[string]string{"message": "Hello"})
	req.Header.Set("Authorization", "Bearer "+token)
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if got := len(env.store.threads[thread.ID].Messages); got != 0 {
		t.Fatalf("expected no messages persisted, got %d", got)
	}
}

func TestCrossOwnerIsolation(t *testing.T) {
	env := setupTestRouter(t)
	aliceToken := registerUser(t, env, "alice", "alice@example.com")
	bobToken := registerUser(t, env, "bob", "bob@example.com")
	thread := createThread(t, env, aliceToken, "Private")

	rec := httptest.NewRecorder()
	req := newJSONRequest(t, http.MethodGet, "/api/chatbot?threadId="+thread.ID, nil)
	req.Header.Set("Authorization", "Bearer "+bobToken)
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-owner read, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = newJSONRequest(t, http.MethodPost, "/api/chatbot", map[string]string{
		"message":  "Hi",
		"threadId": thread.ID,
	})
	req.Header.Set("Authorization", "Bearer "+bobToken)
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for cross-owner send, got %d", rec.Code)
	}

	// Deleting someone else's thread reports success but removes nothing.
	rec = httptest.NewRecorder()
	req = newJSONRequest(t, http.MethodDelete, "/api/chatbot/threads?threadId="+thread.ID, nil)
	req.Header.Set("Authorization", "Bearer "+bobToken)
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for cross-owner delete, got %d", rec.Code)
	}
	if _, ok := env.store.threads[thread.ID]; !ok {
		t.Fatalf("cross-owner delete must not remove the thread")
	}
}

func TestDeleteThreadIdempotent(t *testing.T) {
	env := setupTestRouter(t)
	token := registerUser(t, env, "alice", "alice@example.com")
	thread := createThread(t, env, token, "")

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := newJSONRequest(t, http.MethodDelete, "/api/chatbot/threads?threadId="+thread.ID, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		env.router.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("delete attempt %d: expected 200, got %d", i+1, rec.Code)
		}
		var resp map[string]any
		decodeBody(t, rec.Body.Bytes(), &resp)
		if resp["success"] != true {
			t.Fatalf("delete attempt %d: expected success true", i+1)
		}
	}
}

func TestListThreadsWithPreview(t *testing.T) {
	env := setupTestRouter(t)
	token := registerUser(t, env, "alice", "alice@example.com")
	first := createThread(t, env, token, "First")
	second := createThread(t, env, token, "Second")

	rec := httptest.NewRecorder()
	req := newJSONRequest(t, http.MethodPost, "/api/chatbot", map[string]string{
		"message":  "Hello there",
		"threadId": first.ID,
	})
	req.Header.Set("Authorization", "Bearer "+token)
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("send failed: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	req = newJSONRequest(t, http.MethodGet, "/api/chatbot", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	env.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("list failed: %d", rec.Code)
	}

	var threads []models.Thread
	decodeBody(t, rec.Body.Bytes(), &threads)
	if len(threads) != 2 {
		t.Fatalf("expected 2 threads, got %d", len(threads))
	}
	// The messaged thread was touched last, so it lists first.
	if threads[0].ID != first.ID {
		t.Fatalf("expected most recently updated thread first")
	}
	if len(threads[0].Messages) != 1 {
		t.Fatalf("expected a single preview message, got %d", len(threads[0].Messages))
	}
	if len(threads[1].Messages) != 0 {
		t.Fatalf("expected no preview for %q", second.Title)
	}
}

func TestSecondSendIncludesHistory(t *testing.T) {
	env := setupTestRouter(t)
	token := registerUser(t, env, "alice", "alice@example.com")
	thread := createThread(t, env, token, "")

	for _, msg := range []string{"First", "Second"} {
		rec := httptest.NewRecorder()
		req := newJSONRequest(t, http.MethodPost, "/api/chatbot", map[string]string{
			"message":  msg,
			"threadId": thread.ID,
		})
		req.Header.Set("Authorization", "Bearer "+token)
		env.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("send %q failed: %d", msg, rec.Code)
		}
	}

	if len(env.generator.calls) != 2 {
		t.Fatalf("expected 2 generator calls, got %d", len(env.generator.calls))
	}
	second := env.generator.calls[1]
	if len(second) != 3 {
		t.Fatalf("expected 3 history turns on second send, got %d", len(second))
	}
	if second[0].Content != "First" || second[0].Role != models.RoleUser {
		t.Fatalf("expected first user turn leading history, got %+v", second[0])
	}
	if second[1].Role != models.RoleAssistant {
		t.Fatalf("expected assistant turn second, got %+v", second[1])
	}
	if second[2].Content != "Second" {
		t.Fatalf("expected new user turn last, got %+v", second[2])
	}
}

func newJSONRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, path, reader)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}
