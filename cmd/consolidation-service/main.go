package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/consumers"
	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/events"
	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/handler"
	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/repository"
	"github.com/pharmaportal/pharmaportal-backend/internal/consolidation/service"
	"github.com/pharmaportal/pharmaportal-backend/pkg/auth"
	"github.com/pharmaportal/pharmaportal-backend/pkg/config"
	"github.com/pharmaportal/pharmaportal-backend/pkg/database"
	"github.com/pharmaportal/pharmaportal-backend/pkg/httputil"
	"github.com/pharmaportal/pharmaportal-backend/pkg/i18n"
	"github.com/pharmaportal/pharmaportal-backend/pkg/logger"
	"github.com/pharmaportal/pharmaportal-backend/pkg/messaging"
	"github.com/pharmaportal/pharmaportal-backend/pkg/migrations"
)

const serviceName = "consolidation-service"

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation(serviceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(serviceName, cfg.Server.Environment)
	log.Info().Msg("starting Consolidation Service")

	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.RunMigrations {
		if err := migrations.Up(db.DB.DB, log); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
	}

	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}
	defer rmq.Close()

	if err := rmq.DeclareDeadLetterQueue(serviceName); err != nil {
		log.Fatal().Err(err).Msg("failed to declare dead letter queue")
	}

	publisher, err := events.NewConsolidationEventPublisher(rmq, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}

	// Repositories
	orderRepo := repository.NewOrderRepository(db)
	catalogRepo := repository.NewCatalogRepository(db)
	groupRepo := repository.NewGroupRepository(db)
	exceptionRepo := repository.NewExceptionRepository(db)

	consolidationService := service.NewConsolidationService(
		orderRepo, catalogRepo, groupRepo, exceptionRepo, db, publisher, cfg.Consolidation, log,
	)

	consolidationHandler := handler.NewConsolidationHandler(consolidationService, cfg.Consolidation.OperationTimeout, log)

	orderConsumer, err := consumers.NewOrderEventConsumer(rmq, consolidationService, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create order event consumer")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orderConsumer.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start order event consumer")
	}

	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           cfg.CORS.MaxAge,
	}))
	r.Use(i18n.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]interface{}{
			"status":   "healthy",
			"service":  serviceName,
			"database": db.Health(r.Context()),
			"rabbitmq": rmq.Health(),
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(auth.NewVerifier(&cfg.Auth), log))
		consolidationHandler.Mount(r)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Cancel context to stop consumers
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
