package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/milestone-escrow/backend/internal/amount"
	"github.com/milestone-escrow/backend/internal/chain"
	"github.com/milestone-escrow/backend/internal/config"
	"github.com/milestone-escrow/backend/internal/db"
	"github.com/milestone-escrow/backend/internal/events"
	apphttp "github.com/milestone-escrow/backend/internal/http"
	"github.com/milestone-escrow/backend/internal/http/handlers"
	"github.com/milestone-escrow/backend/internal/metrics"
	"github.com/milestone-escrow/backend/internal/repositories"
	"github.com/milestone-escrow/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}
	if err := cfg.Validate(log); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, cfg.PostgresConns, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repositories
	userRepo := repositories.NewUserRepo(pool)
	contractRepo := repositories.NewContractRepo(pool)
	paymentRepo := repositories.NewPaymentRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Chain
	query, err := chain.Open(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open chain backend", zap.Error(err))
	}
	reg := metrics.New()
	verifier := chain.NewVerifier(query, chain.VerifierConfig{
		Timeout:    cfg.ChainTimeout,
		MaxRetries: cfg.ChainMaxRetries,
		Backoff:    cfg.ChainBackoff,
	}, reg, log)

	// Services
	escrowService := services.NewEscrowService(contractRepo, paymentRepo, auditRepo, userRepo, verifier,
		amount.NewNormalizer(cfg.MinorUnitsPerMajor, log), publisher, reg, cfg, log)

	// Handlers
	userHandler := handlers.NewUserHandler(userRepo, log)
	contractHandler := handlers.NewContractHandler(escrowService, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)

	// Start WS hub
	if err := wsHub.Start(ctx); err != nil {
		log.Fatal("failed to subscribe to contract events", zap.Error(err))
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, userHandler, contractHandler, wsHub, reg)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
