package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/scfchain/backend/internal/audit"
	"github.com/scfchain/backend/internal/config"
	"github.com/scfchain/backend/internal/database"
	"github.com/scfchain/backend/internal/events"
	"github.com/scfchain/backend/internal/handlers"
	"github.com/scfchain/backend/internal/ledger"
	mW "github.com/scfchain/backend/internal/middleware"
	"github.com/scfchain/backend/internal/repository"
	"github.com/scfchain/backend/internal/repository/memory"
	"github.com/scfchain/backend/internal/services"
)

func main() {
	config.Init()
	cfg := config.Load()

	var store repository.Store
	switch cfg.DatabaseDriver {
	case "memory":
		log.Println("Using in-memory store; data is lost on restart")
		store = memory.NewStore()
	default:
		db := database.InitDatabase()
		defer database.CloseDB()
		store = repository.NewPostgresStore(db)
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	var locker services.Locker = services.NewLocalLocker()
	if redisClient != nil {
		locker = services.NewRedisLocker(redisClient)
	}

	publisher := newPublisher(cfg.Events, redisClient)
	defer publisher.Close()

	auditLogger := audit.NewAuditLogger()
	gateway := newGateway(cfg.Ledger)

	committer := services.NewLedgerCommitter(store, gateway, locker, auditLogger, services.LedgerConfig{
		SubmitTimeout:  cfg.Ledger.SubmitTimeout,
		ConfirmTimeout: cfg.Ledger.ConfirmTimeout,
		MaxRetries:     cfg.Ledger.MaxRetries,
	})
	endorsementService := services.NewEndorsementService(store)
	settlementService := services.NewSettlementService(cfg.Pledge.Currency, cfg.Pledge.SettlementBIC)
	pledgeService := services.NewPledgeService(store, endorsementService, committer, settlementService, publisher, auditLogger,
		services.PledgeConfig{
			MinTermDays: cfg.Pledge.MinTermDays,
			MaxTermDays: cfg.Pledge.MaxTermDays,
			ReleaseFee:  cfg.Pledge.ReleaseFee,
		})
	certificateService := services.NewCertificateService(endorsementService, redisClient)
	reconciler := services.NewReconciler(store, committer, pledgeService, services.ReconcilerConfig{
		Interval:   cfg.Ledger.ReconcileInterval,
		StuckAfter: cfg.Ledger.StuckAfter,
	})

	endorsementHandler := handlers.NewEndorsementHandler(endorsementService, pledgeService, certificateService)
	pledgeHandler := handlers.NewPledgeHandler(pledgeService)
	ledgerHandler := handlers.NewLedgerHandler(reconciler)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Ledger.ConfirmTimeout + 30*time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Ledger callbacks are authenticated by the gateway network, not a user token.
		ledgerHandler.Routes(r)

		r.Group(func(r chi.Router) {
			r.Use(mW.Auth(cfg.JWTSecret))
			endorsementHandler.Routes(r)
			pledgeHandler.Routes(r)
		})
	})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go reconciler.Run(ctx)

	// Start server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Ledger.ConfirmTimeout + 45*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}

func newGateway(cfg config.LedgerConfig) ledger.Gateway {
	if cfg.Driver == "simulator" {
		log.Println("Using ledger simulator")
		return ledger.NewSimulator()
	}
	return ledger.NewHTTPClient(ledger.HTTPClientConfig{
		BaseURL:       cfg.BaseURL,
		SubmitTimeout: cfg.SubmitTimeout,
		PollInterval:  cfg.PollInterval,
	})
}

func newPublisher(cfg config.EventsConfig, redisClient *redis.Client) events.Publisher {
	switch cfg.Driver {
	case "kafka":
		p, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Printf("Kafka publisher unavailable, events disabled: %v", err)
			return events.Nop{}
		}
		return p
	case "redis":
		if redisClient == nil {
			log.Println("Redis not available, events disabled")
			return events.Nop{}
		}
		return events.NewRedisPublisher(redisClient, cfg.RedisList)
	default:
		return events.Nop{}
	}
}
