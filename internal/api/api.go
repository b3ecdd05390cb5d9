package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/carex-health/carex-server/internal/analyse"
	"github.com/carex-health/carex-server/internal/auth"
	"github.com/carex-health/carex-server/internal/chat"
	"github.com/carex-health/carex-server/internal/db"
	"github.com/carex-health/carex-server/internal/gemini"
	"github.com/carex-health/carex-server/internal/models"
)

const identityKey = "identity"

// ThreadStore covers the thread lifecycle operations the handler performs
// directly; message sends go through the chat service.
type ThreadStore interface {
	CreateThread(ctx context.Context, owner, title string) (*models.Thread, error)
	GetThread(ctx context.Context, id, owner string) (*models.Thread, error)
	ListThreads(ctx context.Context, owner string) ([]models.Thread, error)
	DeleteThread(ctx context.Context, id, owner string) error
}

type Handler struct {
	authService *auth.Service
	threads     ThreadStore
	chat        *chat.Service
	intake      *analyse.Service
	logger      *zap.SugaredLogger
}

func NewHandler(authService *auth.Service, threads ThreadStore, chatService *chat.Service, intake *analyse.Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		authService: authService,
		threads:     threads,
		chat:        chatService,
		intake:      intake,
		logger:      logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	apiGroup := router.Group("/api")

	authGroup := apiGroup.Group("/auth")
	authGroup.POST("/register", h.handleRegister)
	authGroup.POST("/login", h.handleLogin)

	chatbot := apiGroup.Group("/chatbot", h.requireIdentity)
	chatbot.GET("", h.handleGetThreads)
	chatbot.POST("", h.handleSendMessage)
	chatbot.POST("/threads", h.handleCreateThread)
	chatbot.DELETE("/threads", h.handleDeleteThread)

	apiGroup.POST("/analyse", h.handleAnalyse)
}

// requireIdentity resolves the Bearer token to the owning identity (the
// account email) and aborts with 401 when absent or invalid.
func (h *Handler) requireIdentity(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" || token == header {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	claims, err := h.authService.VerifyToken(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}

	identity := strings.TrimSpace(claims.Email)
	if identity == "" {
		identity = "unknown"
	}

	c.Set(identityKey, identity)
	c.Next()
}

func identityFrom(c *gin.Context) string {
	if value, ok := c.Get(identityKey); ok {
		if identity, ok := value.(string); ok {
			return identity
		}
	}
	return ""
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (h *Handler) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	result, err := h.authService.Register(c.Request.Context(), auth.RegisterInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUsernameRequired), errors.Is(err, auth.ErrEmailRequired), errors.Is(err, auth.ErrPasswordTooWeak):
			writeError(c, http.StatusBadRequest, err.Error(), err)
		case errors.Is(err, auth.ErrUserExists):
			writeError(c, http.StatusConflict, err.Error(), err)
		default:
			writeError(c, http.StatusInternalServerError, "failed to register user", err)
		}
		return
	}

	c.JSON(http.StatusCreated, newAuthResponse(result))
}

func (h *Handler) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	result, err := h.authService.Login(c.Request.Context(), auth.LoginInput{
		Identifier: req.Identifier,
		Password:   req.Password,
	})
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(c, http.StatusUnauthorized, err.Error(), err)
			return
		}
		writeError(c, http.StatusInternalServerError, "failed to login", err)
		return
	}

	c.JSON(http.StatusOK, newAuthResponse(result))
}

// handleGetThreads lists the caller's threads, or returns one thread with
// its full message history when threadId is given.
func (h *Handler) handleGetThreads(c *gin.Context) {
	owner := identityFrom(c)
	ctx := c.Request.Context()

	if threadID := c.Query("threadId"); threadID != "" {
		thread, err := h.threads.GetThread(ctx, threadID, owner)
		if err != nil {
			if errors.Is(err, db.ErrThreadNotFound) {
				writeError(c, http.StatusNotFound, "Thread not found", err)
				return
			}
			writeError(c, http.StatusInternalServerError, "Failed to fetch threads", err)
			return
		}
		c.JSON(http.StatusOK, thread)
		return
	}

	threads, err := h.threads.ListThreads(ctx, owner)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to fetch threads", err)
		return
	}

	c.JSON(http.StatusOK, threads)
}

type sendMessageRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"threadId"`
}

func (h *Handler) handleSendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "Message and threadId are required", err)
		return
	}

	result, err := h.chat.SendMessage(c.Request.Context(), identityFrom(c), req.ThreadID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrMessageRequired), errors.Is(err, chat.ErrThreadRequired):
			writeError(c, http.StatusBadRequest, "Message and threadId are required", err)
		case errors.Is(err, db.ErrThreadNotFound):
			writeError(c, http.StatusNotFound, "Thread not found", err)
		case errors.Is(err, gemini.ErrNotConfigured):
			writeError(c, http.StatusInternalServerError, "AI service is not configured on the server.", err)
		default:
			writeError(c, http.StatusInternalServerError, "Failed to process chat request", err)
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

type createThreadRequest struct {
	Title string `json:"title"`
}

func (h *Handler) handleCreateThread(c *gin.Context) {
	var req createThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "invalid payload", err)
		return
	}

	thread, err := h.threads.CreateThread(c.Request.Context(), identityFrom(c), req.Title)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create thread", err)
		return
	}

	c.JSON(http.StatusOK, thread)
}

// handleDeleteThread is idempotent: deleting an absent or unowned thread
// still reports success so existence is never leaked.
func (h *Handler) handleDeleteThread(c *gin.Context) {
	threadID := c.Query("threadId")
	if threadID == "" {
		writeError(c, http.StatusBadRequest, "Thread ID is required", errors.New("threadId query parameter missing"))
		return
	}

	if err := h.threads.DeleteThread(c.Request.Context(), threadID, identityFrom(c)); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete thread", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) handleAnalyse(c *gin.Context) {
	sub := analyse.Submission{
		Name:    c.PostForm("name"),
		Age:     c.PostForm("age"),
		Contact: c.PostForm("contact"),
		Email:   c.PostForm("email"),
		Address: c.PostForm("address"),
		Pin:     c.PostForm("pin"),
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		writeError(c, http.StatusBadRequest, "No file provided", err)
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		writeError(c, http.StatusBadRequest, "No file provided", err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to read file", err)
		return
	}

	doc := analyse.Document{
		Filename: fileHeader.Filename,
		MimeType: fileHeader.Header.Get("Content-Type"),
		Data:     data,
	}

	if _, err := h.intake.Process(c.Request.Context(), sub, doc); err != nil {
		switch {
		case errors.Is(err, analyse.ErrMissingFields):
			writeError(c, http.StatusBadRequest, "Missing required fields", err)
		case errors.Is(err, analyse.ErrFileRequired):
			writeError(c, http.StatusBadRequest, "No file provided", err)
		case errors.Is(err, analyse.ErrInvalidFile):
			writeError(c, http.StatusBadRequest, "Invalid file type. Please upload an image or PDF.", err)
		case errors.Is(err, analyse.ErrFileTooLarge):
			writeError(c, http.StatusRequestEntityTooLarge, "File is too large. Max size is 10MB.", err)
		case errors.Is(err, gemini.ErrNotConfigured):
			writeError(c, http.StatusInternalServerError, "AI service is not configured on the server.", err)
		default:
			writeError(c, http.StatusInternalServerError, "Failed to analyse document", err)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func newAuthResponse(result *auth.AuthResult) gin.H {
	return gin.H{
		"token":     result.Token,
		"expiresAt": result.ExpiresAt,
		"user": gin.H{
			"id":        result.User.ID,
			"username":  result.User.Username,
			"email":     result.User.Email,
			"createdAt": result.User.CreatedAt,
			"updatedAt": result.User.UpdatedAt,
		},
	}
}

func writeError(c *gin.Context, status int, message string, err error) {
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}
