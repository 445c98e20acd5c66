package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/milestone-escrow/backend/internal/amount"
	"github.com/milestone-escrow/backend/internal/chain"
	"github.com/milestone-escrow/backend/internal/config"
	"github.com/milestone-escrow/backend/internal/db"
	"github.com/milestone-escrow/backend/internal/events"
	"github.com/milestone-escrow/backend/internal/metrics"
	"github.com/milestone-escrow/backend/internal/repositories"
	"github.com/milestone-escrow/backend/internal/services"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	reconcileLockKey = "lock:worker:reconcile"
	unfundedLockKey  = "lock:worker:unfunded"
	unfundedInterval = 2 * time.Minute
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

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, cfg.PostgresConns, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	userRepo := repositories.NewUserRepo(pool)
	contractRepo := repositories.NewContractRepo(pool)
	paymentRepo := repositories.NewPaymentRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Services
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
	publisher := events.NewRedisPublisher(rdb, log)
	escrowService := services.NewEscrowService(contractRepo, paymentRepo, auditRepo, userRepo, verifier,
		amount.NewNormalizer(cfg.MinorUnitsPerMajor, log), publisher, reg, cfg, log)

	// Health and metrics
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(reg.Handler()))
	go func() {
		addr := fmt.Sprintf(":%s", cfg.WorkerPort)
		if err := app.Listen(addr); err != nil {
			log.Error("worker http server stopped", zap.Error(err))
		}
	}()
	defer app.Shutdown()

	log.Info("worker started",
		zap.Duration("reconcile_interval", cfg.ReconcileInterval),
		zap.Duration("funding_timeout", cfg.ContractFundingTimeout),
	)

	// Run jobs on tickers
	reconcileTicker := time.NewTicker(cfg.ReconcileInterval)
	unfundedTicker := time.NewTicker(unfundedInterval)
	defer reconcileTicker.Stop()
	defer unfundedTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-reconcileTicker.C:
			withLock(ctx, rdb, reconcileLockKey, cfg.ReconcileInterval, log, func() {
				runReconcile(ctx, escrowService, log)
			})
		case <-unfundedTicker.C:
			withLock(ctx, rdb, unfundedLockKey, unfundedInterval, log, func() {
				runUnfundedCancel(ctx, escrowService, log)
			})
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

// withLock runs job only when no other worker holds key.
func withLock(ctx context.Context, rdb *redis.Client, key string, ttl time.Duration, log *zap.Logger, job func()) {
	ok, release, err := db.TryLock(ctx, rdb, key, ttl)
	if err != nil {
		log.Warn("failed to take worker lock", zap.String("key", key), zap.Error(err))
		return
	}
	if !ok {
		log.Debug("worker lock held elsewhere", zap.String("key", key))
		return
	}
	defer release()
	job()
}

func runReconcile(ctx context.Context, escrowService *services.EscrowService, log *zap.Logger) {
	stats, err := escrowService.ReconcilePayments(ctx)
	if err != nil {
		log.Error("reconcile run failed", zap.Error(err))
		return
	}
	if stats.Checked > 0 {
		log.Info("reconcile run",
			zap.Int("checked", stats.Checked),
			zap.Int("confirmed", stats.Confirmed),
			zap.Int("failed", stats.Failed),
			zap.Int("pending", stats.Pending),
			zap.Int("unavailable", stats.Unavailable),
		)
	}
}

func runUnfundedCancel(ctx context.Context, escrowService *services.EscrowService, log *zap.Logger) {
	n, err := escrowService.CancelUnfundedContracts(ctx)
	if err != nil {
		log.Error("unfunded contract sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("cancelled unfunded contracts", zap.Int("count", n))
	}
}
