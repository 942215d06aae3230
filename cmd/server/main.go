package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/atelierml/backend/docs"
	"github.com/atelierml/backend/internal/config"
	"github.com/atelierml/backend/internal/database"
	"github.com/atelierml/backend/internal/logging"
	mW "github.com/atelierml/backend/internal/middleware"
	"github.com/atelierml/backend/internal/queue"
	"github.com/atelierml/backend/internal/services"
	"github.com/atelierml/backend/internal/storage"
)

// @title Atelier Job Orchestration API
// @version 1.0
// @description Internal API coordinating GPU-bound training and generation jobs
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	cfg := config.Load()
	logger := logging.New()

	docs.SwaggerInfo.Title = "Atelier Job Orchestration API"
	docs.SwaggerInfo.Description = "Internal API coordinating GPU-bound training and generation jobs"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:" + cfg.Server.Port
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	db := database.InitDatabase(cfg.Database)
	defer db.Close()

	redisClient := database.InitRedis(cfg.Redis)
	if redisClient != nil {
		defer redisClient.Close()
	}

	publisher := queue.NewAMQPPublisher(cfg.Broker, logger)
	defer publisher.Close()

	signer, err := storage.NewGCSResultStore(cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize result storage")
	}
	if signer == nil {
		logger.Warn("GCS bucket not configured, result URLs will be served unsigned")
	}

	ledgerService := services.NewTokenLedgerService(db, cfg.Database, logger)
	notificationService := services.NewNotificationService(db, redisClient, logger)
	jobService := services.NewJobService(db, ledgerService, publisher, resultSigner(signer), cfg.Jobs, cfg.Database, logger)
	webhookService := services.NewWebhookService(db, ledgerService, publisher, notificationService, cfg.Jobs, cfg.Webhook, cfg.Database, logger)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	webhookService.StartJanitor(janitorCtx)

	// Setup router
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Source"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:"+cfg.Server.Port+"/swagger/doc.json"),
	))

	// Service API, called by the user-facing CRUD layer
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mW.ServiceAuth(cfg.JWT.SecretKey))

		r.Post("/jobs", jobService.HandleCreateJob)
		r.Get("/jobs/{jobID}", jobService.HandleGetJob)

		r.Get("/tokens/balance", ledgerService.GetBalance)
		r.Get("/tokens/transactions", ledgerService.ListTransactions)
		r.Post("/tokens/credit", ledgerService.CreditTokens)
	})

	// Worker callbacks, shared-secret auth only
	r.Route("/api/webhooks", func(r chi.Router) {
		r.Use(mW.WebhookAuth(cfg.Webhook.InternalToken, cfg.Webhook.AllowedSources))

		r.Patch("/training/progress", webhookService.TrainingProgress)
		r.Post("/training/complete", webhookService.TrainingComplete)
		r.Post("/training/failed", webhookService.TrainingFailed)

		r.Patch("/generation/progress", webhookService.GenerationProgress)
		r.Post("/generation/complete", webhookService.GenerationComplete)
		r.Post("/generation/failed", webhookService.GenerationFailed)
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.WithField("port", cfg.Server.Port).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Server shutting down...")
	stopJanitor()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server stopped")
}

// resultSigner keeps the nil check on the concrete type so a disabled signer
// stays a nil interface inside JobService.
func resultSigner(s *storage.GCSResultStore) services.ResultSigner {
	if s == nil {
		return nil
	}
	return s
}
