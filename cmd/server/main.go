package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/carex-health/carex-server/internal/analyse"
	"github.com/carex-health/carex-server/internal/api"
	"github.com/carex-health/carex-server/internal/auth"
	"github.com/carex-health/carex-server/internal/chat"
	"github.com/carex-health/carex-server/internal/db"
	"github.com/carex-health/carex-server/internal/gemini"
	"github.com/carex-health/carex-server/internal/utils"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("config: no .env file loaded: %v", err)
	}

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("config: failed to load: %v", err)
	}

	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("logger: failed to initialise: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx := context.Background()

	postgres, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		sugar.Fatalf("postgres: failed to connect: %v", err)
	}
	defer postgres.Close()

	if err := postgres.Ping(ctx); err != nil {
		sugar.Fatalf("postgres: ping failed: %v", err)
	}
	if err := postgres.EnsureSchema(ctx); err != nil {
		sugar.Fatalf("postgres: ensure schema: %v", err)
	}

	// The intake audit store is a best-effort side channel; a missing Mongo
	// deployment must not keep the chat service from starting.
	var recorder analyse.IntakeRecorder
	mongoStore, err := db.NewMongo(ctx, cfg.Mongo)
	if err != nil {
		sugar.Warnf("mongo: unavailable, intake records disabled: %v", err)
	} else {
		defer func() {
			if err := mongoStore.Close(context.Background()); err != nil {
				sugar.Warnf("mongo: close error: %v", err)
			}
		}()
		if err := mongoStore.EnsureCollections(ctx); err != nil {
			sugar.Warnf("mongo: ensure collections: %v", err)
		} else {
			recorder = mongoStore
		}
	}

	authService, err := auth.NewService(cfg.JWTSecret, 24*time.Hour, postgres)
	if err != nil {
		sugar.Fatalf("failed to initialise auth service: %v", err)
	}

	geminiClient := gemini.NewClient(cfg.Gemini, sugar)
	chatService := chat.NewService(postgres, geminiClient, sugar)

	mailer := analyse.NewResendMailer(cfg.Intake.ResendAPIKey, cfg.Intake.EmailFrom, cfg.Intake.EmailRecipient)
	intakeService := analyse.NewService(geminiClient, mailer, recorder, cfg.Intake.WebhookURL, sugar)

	router := setupRouter(authService, postgres, chatService, intakeService, sugar)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sugar.Infof("server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sugar.Fatalf("server crashed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Warnf("graceful shutdown failed: %v", err)
	}

	sugar.Info("server stopped cleanly")
}

func setupRouter(authService *auth.Service, postgres *db.Postgres, chatService *chat.Service, intakeService *analyse.Service, sugar *zap.SugaredLogger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	api.NewHandler(authService, postgres, chatService, intakeService, sugar).RegisterRoutes(router)

	return router
}
